package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/policy"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
)

var ErrLessonNotStarted = fmt.Errorf("%w: lesson has not started yet", ErrInvalidStateTransition)

type CheckoutConfig struct {
	SuccessURL string
	CancelURL  string
	Currency   string
}

type BookingService struct {
	tx       TxRunner
	gateway  gateway.Gateway
	location *time.Location
	checkout CheckoutConfig
	now      func() time.Time
}

func NewBookingService(tx TxRunner, gw gateway.Gateway, location *time.Location, checkout CheckoutConfig) *BookingService {
	if location == nil {
		location = time.UTC
	}
	return &BookingService{
		tx:       tx,
		gateway:  gw,
		location: location,
		checkout: checkout,
		now:      time.Now,
	}
}

type CreateLessonInput struct {
	Title           string
	Date            string
	Time            string
	DurationMinutes int
	Price           int64
	MaxParticipants int
}

func (s *BookingService) CreateLesson(ctx context.Context, trainerID int64, input CreateLessonInput) (*models.Lesson, error) {
	title := strings.TrimSpace(input.Title)
	if trainerID <= 0 || title == "" || input.DurationMinutes <= 0 || input.Price < 0 || input.MaxParticipants < 1 {
		return nil, ErrInvalidInput
	}

	startAt, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(input.Date)+" "+strings.TrimSpace(input.Time), s.location)
	if err != nil {
		return nil, fmt.Errorf("%w: date/time: %v", ErrInvalidInput, err)
	}
	if !startAt.After(s.now()) {
		return nil, fmt.Errorf("%w: lesson must start in the future", ErrInvalidInput)
	}

	return s.tx.Stores().Lessons.Create(ctx, repository.CreateLessonInput{
		TrainerID:       trainerID,
		Title:           title,
		StartAt:         startAt,
		DurationMinutes: input.DurationMinutes,
		Price:           input.Price,
		MaxParticipants: input.MaxParticipants,
	})
}

func (s *BookingService) GetLesson(ctx context.Context, lessonID int64) (*models.LessonDetail, error) {
	stores := s.tx.Stores()
	lesson, err := stores.Lessons.GetByID(ctx, lessonID)
	if err != nil {
		return nil, notFound(err)
	}
	confirmed, err := stores.Bookings.CountByStatus(ctx, lessonID, models.BookingConfirmed)
	if err != nil {
		return nil, err
	}
	return &models.LessonDetail{Lesson: *lesson, ConfirmedCount: confirmed}, nil
}

// InitiateBooking creates a pending booking for a paid lesson or a confirmed one
// for a free lesson. The lesson row lock makes the capacity check and insert
// atomic per lesson.
func (s *BookingService) InitiateBooking(ctx context.Context, clientID int64, lessonID int64) (*models.Booking, error) {
	booking, _, err := s.initiate(ctx, clientID, lessonID, false)
	return booking, err
}

func (s *BookingService) initiate(
	ctx context.Context,
	clientID int64,
	lessonID int64,
	resumePending bool,
) (*models.Booking, *models.Lesson, error) {
	if clientID <= 0 || lessonID <= 0 {
		return nil, nil, ErrInvalidInput
	}

	var (
		booking *models.Booking
		lesson  *models.Lesson
	)
	err := s.tx.InTx(ctx, func(st Stores) error {
		var err error
		lesson, err = st.Lessons.GetByIDForUpdate(ctx, lessonID)
		if err != nil {
			return notFound(err)
		}
		if lesson.Status != models.LessonScheduled || !s.now().Before(lesson.StartAt) {
			return ErrLessonNotBookable
		}
		if lesson.TrainerID == clientID {
			return fmt.Errorf("%w: trainers cannot book their own lesson", ErrInvalidInput)
		}

		existing, err := st.Bookings.FindActive(ctx, lessonID, clientID)
		switch {
		case err == nil:
			if resumePending && existing.Status == models.BookingPending && !lesson.Free() {
				booking = existing
				return nil
			}
			return ErrAlreadyBooked
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		confirmed, err := st.Bookings.CountByStatus(ctx, lessonID, models.BookingConfirmed)
		if err != nil {
			return err
		}
		if confirmed >= lesson.MaxParticipants {
			return ErrLessonFull
		}

		input := repository.CreateBookingInput{
			LessonID:      lessonID,
			ClientID:      clientID,
			Status:        models.BookingPending,
			PaymentStatus: models.BookingPaymentPending,
		}
		if lesson.Free() {
			input.Status = models.BookingConfirmed
			input.PaymentStatus = models.BookingPaymentPaid
		}

		booking, err = st.Bookings.Create(ctx, input)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyBooked
			}
			return err
		}

		if booking.Status == models.BookingConfirmed {
			return appendEvents(ctx, st, bookingConfirmedEvents(lesson, booking)...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return booking, lesson, nil
}

type CheckoutResult struct {
	Booking   *models.Booking `json:"booking"`
	SessionID string          `json:"session_id,omitempty"`
	URL       string          `json:"url,omitempty"`
}

// StartCheckout books the lesson and opens a gateway checkout session for paid
// lessons. A client with an abandoned pending booking gets a fresh session for
// that booking.
func (s *BookingService) StartCheckout(ctx context.Context, clientID int64, lessonID int64) (*CheckoutResult, error) {
	booking, lesson, err := s.initiate(ctx, clientID, lessonID, true)
	if err != nil {
		return nil, err
	}
	if lesson.Free() {
		return &CheckoutResult{Booking: booking}, nil
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, gateway.ErrNotConfigured)
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		LessonID:   lesson.ID,
		TraineeID:  clientID,
		BookingID:  booking.ID,
		Title:      lesson.Title,
		Amount:     lesson.Price,
		Currency:   s.checkout.Currency,
		SuccessURL: s.checkout.SuccessURL,
		CancelURL:  s.checkout.CancelURL,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return &CheckoutResult{Booking: booking, SessionID: session.ID, URL: session.URL}, nil
}

// ConfirmBookingOnPayment confirms the client's booking once the payment intent
// is recorded as paid. Repeated calls are no-ops.
func (s *BookingService) ConfirmBookingOnPayment(
	ctx context.Context,
	lessonID int64,
	clientID int64,
	paymentIntentID string,
) (*models.Booking, error) {
	var booking *models.Booking
	err := s.tx.InTx(ctx, func(st Stores) error {
		payment, err := st.Payments.GetByPaymentIntentID(ctx, paymentIntentID)
		if err != nil {
			return notFound(err)
		}
		if payment.LessonID != lessonID || payment.TraineeID != clientID {
			return fmt.Errorf("%w: payment intent %s belongs to another booking", ErrInvalidInput, paymentIntentID)
		}
		if payment.Status != models.PaymentPaid {
			return fmt.Errorf("%w: payment is %s", ErrInvalidStateTransition, payment.Status)
		}

		booking, err = confirmOnPayment(ctx, st, payment, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// confirmOnPayment moves the active booking for the payment's (lesson, trainee)
// to confirmed/paid. When the lesson is no longer scheduled or already full the
// booking is cancelled instead and a refund request is raised, so a late
// payment never pushes confirmed bookings past capacity.
func confirmOnPayment(ctx context.Context, st Stores, payment *models.Payment, now time.Time) (*models.Booking, error) {
	lesson, err := st.Lessons.GetByIDForUpdate(ctx, payment.LessonID)
	if err != nil {
		return nil, notFound(err)
	}

	booking, err := st.Bookings.FindActive(ctx, payment.LessonID, payment.TraineeID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		log.Printf("booking: payment %s captured without an active booking (lesson %d, trainee %d)",
			payment.PaymentIntentID, payment.LessonID, payment.TraineeID)
		var bookingID *int64
		if latest, latestErr := st.Bookings.FindLatest(ctx, payment.LessonID, payment.TraineeID); latestErr == nil {
			bookingID = &latest.ID
		}
		_, _, err := createRefundRequest(ctx, st, CreateRefundInput{
			LessonID:  payment.LessonID,
			TraineeID: payment.TraineeID,
			PaymentID: payment.ID,
			BookingID: bookingID,
			Amount:    payment.RefundableAmount(),
			Reason:    "payment captured without an active booking",
		})
		return nil, err
	}

	switch booking.Status {
	case models.BookingConfirmed, models.BookingCompleted:
		if booking.PaymentStatus == models.BookingPaymentPending {
			return st.Bookings.SetPaymentStatus(ctx, booking.ID, models.BookingPaymentPaid)
		}
		return booking, nil
	case models.BookingPending, models.BookingReserved:
	default:
		return booking, nil
	}

	reason := ""
	if lesson.Status != models.LessonScheduled {
		reason = "lesson was " + string(lesson.Status) + " before payment completed"
	} else {
		confirmed, err := st.Bookings.CountByStatus(ctx, lesson.ID, models.BookingConfirmed)
		if err != nil {
			return nil, err
		}
		if confirmed >= lesson.MaxParticipants {
			reason = "lesson filled up before payment completed"
		}
	}

	if reason == "" {
		confirmedBooking, err := st.Bookings.TransitionIfCurrent(
			ctx,
			booking.ID,
			booking.Status,
			models.BookingConfirmed,
			models.BookingPaymentPaid,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return st.Bookings.GetByID(ctx, booking.ID)
			}
			return nil, err
		}
		if err := appendEvents(ctx, st, bookingConfirmedEvents(lesson, confirmedBooking)...); err != nil {
			return nil, err
		}
		return confirmedBooking, nil
	}

	cancelled, err := st.Bookings.Cancel(ctx, booking.ID, []models.BookingStatus{booking.Status}, repository.CancellationInput{
		Reason: &reason,
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	if cancelled, err = st.Bookings.SetPaymentStatus(ctx, cancelled.ID, models.BookingPaymentPaid); err != nil {
		return nil, err
	}
	refund, _, err := createRefundRequest(ctx, st, CreateRefundInput{
		LessonID:  payment.LessonID,
		TraineeID: payment.TraineeID,
		PaymentID: payment.ID,
		BookingID: &cancelled.ID,
		Amount:    payment.RefundableAmount(),
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	err = appendEvents(ctx, st, newUserEvent(payment.TraineeID, models.NotifyBookingCancelled,
		"Booking could not be confirmed",
		fmt.Sprintf("Your booking for %q was cancelled because the %s. A refund of %d is pending admin approval.",
			lesson.Title, reason, refund.Amount),
		map[string]any{"lesson_id": lesson.ID, "booking_id": cancelled.ID, "refund_id": refund.ID}))
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

type CancellationOutcome string

const (
	OutcomeRefundPending   CancellationOutcome = "refund_pending"
	OutcomeNoRefundLate    CancellationOutcome = "no_refund_deadline_passed"
	OutcomeNoRefundNoShow  CancellationOutcome = "no_refund_no_show"
	OutcomeNoRefundUnpaid  CancellationOutcome = "no_refund_no_payment"
	OutcomeRefundsPending  CancellationOutcome = "refunds_pending"
	OutcomeNoRefundsNeeded CancellationOutcome = "no_refunds_needed"
)

type CancellationResult struct {
	Booking           *models.Booking     `json:"booking,omitempty"`
	Lesson            *models.Lesson      `json:"lesson,omitempty"`
	CancelledBookings []models.Booking    `json:"cancelled_bookings,omitempty"`
	Refunds           []models.Refund     `json:"refunds"`
	Refundable        bool                `json:"refundable"`
	Deadline          time.Time           `json:"refund_deadline"`
	RefundAmount      int64               `json:"refund_amount"`
	Outcome           CancellationOutcome `json:"outcome"`
	Message           string              `json:"message"`
}

type CancellationPreview struct {
	Refundable       bool                `json:"refundable"`
	Deadline         time.Time           `json:"refund_deadline"`
	RefundAmount     int64               `json:"refund_amount"`
	AffectedBookings int                 `json:"affected_bookings,omitempty"`
	PaidPayments     int                 `json:"paid_payments,omitempty"`
	Outcome          CancellationOutcome `json:"outcome"`
	Message          string              `json:"message"`
}

func (s *BookingService) clientDecision(lesson *models.Lesson, booking *models.Booking) policy.Decision {
	return policy.Decide(policy.CancellationInput{
		LessonStart: lesson.StartAt.In(s.location),
		By:          models.ActorClient,
		Now:         s.now(),
		NoShow:      booking.NoShow,
	})
}

func (s *BookingService) clientOutcome(
	decision policy.Decision,
	booking *models.Booking,
	payment *models.Payment,
) (CancellationOutcome, int64, string) {
	deadline := decision.Deadline.In(s.location).Format("2006-01-02 15:04")
	switch {
	case booking.NoShow:
		return OutcomeNoRefundNoShow, 0, "No refund: the booking was marked as a no-show."
	case !decision.Refundable:
		return OutcomeNoRefundLate, 0, fmt.Sprintf("No refund: the free cancellation deadline (%s) has passed.", deadline)
	case payment == nil:
		return OutcomeNoRefundUnpaid, 0, "No refund is due because no payment was captured for this booking."
	default:
		amount := payment.RefundableAmount()
		return OutcomeRefundPending, amount, fmt.Sprintf("A refund of %d will be requested and is pending admin approval.", amount)
	}
}

func latestPaidPayment(ctx context.Context, st Stores, lessonID, clientID int64) (*models.Payment, error) {
	payment, err := st.Payments.LatestPaidForLessonTrainee(ctx, lessonID, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payment, nil
}

func (s *BookingService) PreviewClientCancellation(ctx context.Context, clientID int64, bookingID int64) (*CancellationPreview, error) {
	stores := s.tx.Stores()
	booking, err := stores.Bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, notFound(err)
	}
	if booking.ClientID != clientID {
		return nil, ErrForbidden
	}
	if !booking.Status.Cancellable() {
		return nil, ErrNotCancellable
	}
	lesson, err := stores.Lessons.GetByID(ctx, booking.LessonID)
	if err != nil {
		return nil, notFound(err)
	}

	decision := s.clientDecision(lesson, booking)
	var payment *models.Payment
	if decision.Refundable && !booking.NoShow {
		if payment, err = latestPaidPayment(ctx, stores, lesson.ID, clientID); err != nil {
			return nil, err
		}
	}
	outcome, amount, message := s.clientOutcome(decision, booking, payment)
	return &CancellationPreview{
		Refundable:   decision.Refundable,
		Deadline:     decision.Deadline,
		RefundAmount: amount,
		Outcome:      outcome,
		Message:      message,
	}, nil
}

// CancelByClient cancels the client's own booking. If the cancellation is on
// time and a paid payment exists, a pending refund request is raised in the
// same transaction.
func (s *BookingService) CancelByClient(ctx context.Context, clientID int64, bookingID int64, reason string) (*CancellationResult, error) {
	var result *CancellationResult
	err := s.tx.InTx(ctx, func(st Stores) error {
		current, err := st.Bookings.GetByID(ctx, bookingID)
		if err != nil {
			return notFound(err)
		}
		if current.ClientID != clientID {
			return ErrForbidden
		}

		lesson, err := st.Lessons.GetByIDForUpdate(ctx, current.LessonID)
		if err != nil {
			return notFound(err)
		}
		booking, err := st.Bookings.GetByIDForUpdate(ctx, bookingID)
		if err != nil {
			return notFound(err)
		}
		if !booking.Status.Cancellable() {
			return ErrNotCancellable
		}

		decision := s.clientDecision(lesson, booking)
		actor := models.ActorClient
		cancelled, err := st.Bookings.Cancel(ctx, booking.ID, []models.BookingStatus{
			models.BookingConfirmed,
			models.BookingReserved,
		}, repository.CancellationInput{
			Role:   &actor,
			UserID: &clientID,
			Reason: optionalString(reason),
			At:     s.now(),
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotCancellable
			}
			return err
		}

		var payment *models.Payment
		if decision.Refundable && !booking.NoShow {
			if payment, err = latestPaidPayment(ctx, st, lesson.ID, clientID); err != nil {
				return err
			}
		}
		outcome, amount, message := s.clientOutcome(decision, booking, payment)

		result = &CancellationResult{
			Booking:    cancelled,
			Lesson:     lesson,
			Refunds:    []models.Refund{},
			Refundable: decision.Refundable && !booking.NoShow,
			Deadline:   decision.Deadline,
			Outcome:    outcome,
		}

		if payment != nil {
			refund, _, err := createRefundRequest(ctx, st, CreateRefundInput{
				LessonID:  lesson.ID,
				TraineeID: clientID,
				PaymentID: payment.ID,
				BookingID: &cancelled.ID,
				Amount:    amount,
				Reason:    refundReason("cancelled by client", reason),
			})
			if err != nil {
				return err
			}
			result.Refunds = append(result.Refunds, *refund)
			amount = refund.Amount
			message = fmt.Sprintf("Booking cancelled. A refund of %d is pending admin approval.", amount)
		} else {
			message = "Booking cancelled. " + message
		}
		result.RefundAmount = amount
		result.Message = message

		payload := map[string]any{"lesson_id": lesson.ID, "booking_id": cancelled.ID, "outcome": string(outcome)}
		return appendEvents(ctx, st,
			newUserEvent(clientID, models.NotifyBookingCancelled, "Booking cancelled", message, payload),
			newUserEvent(lesson.TrainerID, models.NotifyBookingCancelled, "Booking cancelled",
				fmt.Sprintf("A client cancelled their booking for %q.", lesson.Title), payload),
		)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BookingService) trainerDecision(lesson *models.Lesson) policy.Decision {
	return policy.Decide(policy.CancellationInput{
		LessonStart: lesson.StartAt.In(s.location),
		By:          models.ActorTrainer,
		Now:         s.now(),
	})
}

func (s *BookingService) PreviewTrainerCancellation(ctx context.Context, trainerID int64, lessonID int64) (*CancellationPreview, error) {
	stores := s.tx.Stores()
	lesson, err := stores.Lessons.GetByID(ctx, lessonID)
	if err != nil {
		return nil, notFound(err)
	}
	if lesson.TrainerID != trainerID {
		return nil, ErrForbidden
	}
	if lesson.Status != models.LessonScheduled {
		return nil, fmt.Errorf("%w: lesson is %s", ErrInvalidStateTransition, lesson.Status)
	}

	decision := s.trainerDecision(lesson)
	confirmed, err := stores.Bookings.CountByStatus(ctx, lessonID, models.BookingConfirmed)
	if err != nil {
		return nil, err
	}
	reserved, err := stores.Bookings.CountByStatus(ctx, lessonID, models.BookingReserved)
	if err != nil {
		return nil, err
	}
	payments, err := stores.Payments.ListPaidForLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	total := int64(0)
	for i := range payments {
		total += payments[i].RefundableAmount()
	}
	outcome, message := trainerOutcome(decision, len(payments), total)
	return &CancellationPreview{
		Refundable:       decision.Refundable,
		Deadline:         decision.Deadline,
		RefundAmount:     total,
		AffectedBookings: confirmed + reserved,
		PaidPayments:     len(payments),
		Outcome:          outcome,
		Message:          message,
	}, nil
}

// trainerOutcome describes the refunds a trainer cancellation raises. Paid
// clients are refunded even once the lesson has started, which is later than
// the cutoff a client gets, so the message says so.
func trainerOutcome(decision policy.Decision, paidPayments int, total int64) (CancellationOutcome, string) {
	if paidPayments == 0 {
		return OutcomeNoRefundsNeeded, "No payments were captured for this lesson, so no refunds are needed."
	}
	message := fmt.Sprintf("%d refund request(s) totalling %d will be raised and are pending admin approval.", paidPayments, total)
	if !decision.Refundable {
		message += " The lesson has already started; clients are still refunded because the trainer cancelled."
	}
	return OutcomeRefundsPending, message
}

// CancelByTrainer cancels the lesson, every confirmed or reserved booking on it,
// and raises one refund request per paid payment, all in one transaction.
// A lesson that has started but is not yet completed can still be cancelled.
// The result then reports Refundable=false while paid clients are refunded anyway.
func (s *BookingService) CancelByTrainer(ctx context.Context, trainerID int64, lessonID int64, reason string) (*CancellationResult, error) {
	var result *CancellationResult
	err := s.tx.InTx(ctx, func(st Stores) error {
		lesson, err := st.Lessons.GetByIDForUpdate(ctx, lessonID)
		if err != nil {
			return notFound(err)
		}
		if lesson.TrainerID != trainerID {
			return ErrForbidden
		}
		if lesson.Status != models.LessonScheduled {
			return fmt.Errorf("%w: lesson is %s", ErrInvalidStateTransition, lesson.Status)
		}

		decision := s.trainerDecision(lesson)
		if !decision.Refundable {
			log.Printf("booking: trainer %d is cancelling lesson %d after its start", trainerID, lesson.ID)
		}

		cancelledLesson, err := st.Lessons.UpdateStatusIfCurrent(ctx, lesson.ID, models.LessonScheduled, models.LessonCancelled, optionalString(reason))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidStateTransition
			}
			return err
		}

		actor := models.ActorTrainer
		cancelled, err := st.Bookings.CancelActiveForLesson(ctx, lesson.ID, repository.CancellationInput{
			Role:   &actor,
			UserID: &trainerID,
			Reason: optionalString(reason),
			At:     s.now(),
		})
		if err != nil {
			return fmt.Errorf("cancel bookings for lesson %d: %w", lesson.ID, err)
		}

		bookingByClient := make(map[int64]int64, len(cancelled))
		clients := make([]int64, 0, len(cancelled))
		for _, booking := range cancelled {
			if _, seen := bookingByClient[booking.ClientID]; !seen {
				clients = append(clients, booking.ClientID)
			}
			bookingByClient[booking.ClientID] = booking.ID
		}

		payments, err := st.Payments.ListPaidForLesson(ctx, lesson.ID)
		if err != nil {
			return err
		}

		refunds := make([]models.Refund, 0, len(payments))
		refundByClient := make(map[int64]int64, len(payments))
		total := int64(0)
		for i := range payments {
			payment := payments[i]
			var bookingID *int64
			if id, ok := bookingByClient[payment.TraineeID]; ok {
				bookingID = &id
			}
			refund, _, err := createRefundRequest(ctx, st, CreateRefundInput{
				LessonID:  lesson.ID,
				TraineeID: payment.TraineeID,
				PaymentID: payment.ID,
				BookingID: bookingID,
				Amount:    payment.RefundableAmount(),
				Reason:    refundReason("lesson cancelled by trainer", reason),
			})
			if err != nil {
				return fmt.Errorf("refund request for payment %d: %w", payment.ID, err)
			}
			refunds = append(refunds, *refund)
			refundByClient[payment.TraineeID] += refund.Amount
			total += refund.Amount
		}

		events := make([]models.OutboxEvent, 0, len(clients))
		for _, clientID := range clients {
			body := fmt.Sprintf("The trainer cancelled %q. No refund is due because no payment was captured.", lesson.Title)
			if amount, ok := refundByClient[clientID]; ok {
				body = fmt.Sprintf("The trainer cancelled %q. A refund of %d is pending admin approval.", lesson.Title, amount)
			}
			events = append(events, newUserEvent(clientID, models.NotifyLessonCancelled, "Lesson cancelled", body,
				map[string]any{"lesson_id": lesson.ID, "booking_id": bookingByClient[clientID]}))
		}
		if err := appendEvents(ctx, st, events...); err != nil {
			return err
		}

		outcome, message := trainerOutcome(decision, len(refunds), total)
		result = &CancellationResult{
			Lesson:            cancelledLesson,
			CancelledBookings: cancelled,
			Refunds:           refunds,
			Refundable:        decision.Refundable,
			Deadline:          decision.Deadline,
			RefundAmount:      total,
			Outcome:           outcome,
			Message:           fmt.Sprintf("Lesson cancelled; %d booking(s) cancelled. %s", len(cancelled), message),
		}
		return nil
	})
	if err != nil {
		log.Printf("booking: trainer %d cancel of lesson %d failed and was rolled back: %v", trainerID, lessonID, err)
		return nil, err
	}
	return result, nil
}

type CompletionResult struct {
	Lesson            *models.Lesson   `json:"lesson"`
	CompletedBookings []models.Booking `json:"completed_bookings"`
}

func (s *BookingService) CompleteLesson(ctx context.Context, trainerID int64, lessonID int64) (*CompletionResult, error) {
	var result *CompletionResult
	err := s.tx.InTx(ctx, func(st Stores) error {
		lesson, err := st.Lessons.GetByIDForUpdate(ctx, lessonID)
		if err != nil {
			return notFound(err)
		}
		if lesson.TrainerID != trainerID {
			return ErrForbidden
		}
		if lesson.Status != models.LessonScheduled {
			return fmt.Errorf("%w: lesson is %s", ErrInvalidStateTransition, lesson.Status)
		}
		if s.now().Before(lesson.StartAt) {
			return ErrLessonNotStarted
		}

		completed, err := st.Lessons.UpdateStatusIfCurrent(ctx, lesson.ID, models.LessonScheduled, models.LessonCompleted, nil)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidStateTransition
			}
			return err
		}
		bookings, err := st.Bookings.CompleteConfirmedForLesson(ctx, lesson.ID)
		if err != nil {
			return err
		}
		result = &CompletionResult{Lesson: completed, CompletedBookings: bookings}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkNoShow flags a confirmed booking whose client did not attend. A no-show
// booking is never refund-eligible.
func (s *BookingService) MarkNoShow(ctx context.Context, trainerID int64, bookingID int64) (*models.Booking, error) {
	stores := s.tx.Stores()
	booking, err := stores.Bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, notFound(err)
	}
	lesson, err := stores.Lessons.GetByID(ctx, booking.LessonID)
	if err != nil {
		return nil, notFound(err)
	}
	if lesson.TrainerID != trainerID {
		return nil, ErrForbidden
	}
	if s.now().Before(lesson.StartAt) {
		return nil, ErrLessonNotStarted
	}

	updated, err := stores.Bookings.MarkNoShow(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: booking is %s", ErrInvalidStateTransition, booking.Status)
		}
		return nil, err
	}
	return updated, nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func refundReason(prefix string, reason string) string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return prefix
	}
	return prefix + ": " + trimmed
}
