package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
)

type memState struct {
	nextID        int64
	lessons       map[int64]models.Lesson
	bookings      map[int64]models.Booking
	payments      map[int64]models.Payment
	refunds       map[int64]models.Refund
	payouts       map[int64]models.PayoutRequest
	accounts      map[int64]models.BankAccount
	outbox        []models.OutboxEvent
	notifications map[int64]models.Notification
}

func newMemState() *memState {
	return &memState{
		lessons:       map[int64]models.Lesson{},
		bookings:      map[int64]models.Booking{},
		payments:      map[int64]models.Payment{},
		refunds:       map[int64]models.Refund{},
		payouts:       map[int64]models.PayoutRequest{},
		accounts:      map[int64]models.BankAccount{},
		notifications: map[int64]models.Notification{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:        s.nextID,
		lessons:       cloneMap(s.lessons),
		bookings:      cloneMap(s.bookings),
		payments:      cloneMap(s.payments),
		refunds:       cloneMap(s.refunds),
		payouts:       cloneMap(s.payouts),
		accounts:      cloneMap(s.accounts),
		outbox:        append([]models.OutboxEvent(nil), s.outbox...),
		notifications: cloneMap(s.notifications),
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// memDB is an in-memory TxRunner. InTx calls are serialized, standing in for
// the row locks the Postgres implementation takes, and roll back on error.
type memDB struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	state *memState
	clock time.Time
}

func newMemDB() *memDB {
	return &memDB{state: newMemState(), clock: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (db *memDB) Stores() Stores {
	return Stores{
		Lessons:       memLessons{db},
		Bookings:      memBookings{db},
		Payments:      memPayments{db},
		Refunds:       memRefunds{db},
		Payouts:       memPayouts{db},
		BankAccounts:  memAccounts{db},
		Outbox:        memOutbox{db},
		Notifications: memNotifications{db},
	}
}

func (db *memDB) InTx(ctx context.Context, fn func(Stores) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	snapshot := db.state.clone()
	db.mu.Unlock()

	if err := fn(db.Stores()); err != nil {
		db.mu.Lock()
		db.state = snapshot
		db.mu.Unlock()
		return err
	}
	return nil
}

func (db *memDB) with(fn func(s *memState)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.state)
}

func (db *memDB) addLesson(lesson models.Lesson) models.Lesson {
	db.with(func(s *memState) {
		lesson.ID = s.id()
		if lesson.Status == "" {
			lesson.Status = models.LessonScheduled
		}
		if lesson.MaxParticipants == 0 {
			lesson.MaxParticipants = 10
		}
		if lesson.DurationMinutes == 0 {
			lesson.DurationMinutes = 60
		}
		s.lessons[lesson.ID] = lesson
	})
	return lesson
}

func (db *memDB) addBooking(booking models.Booking) models.Booking {
	db.with(func(s *memState) {
		booking.ID = s.id()
		s.bookings[booking.ID] = booking
	})
	return booking
}

func (db *memDB) addPayment(payment models.Payment) models.Payment {
	db.with(func(s *memState) {
		payment.ID = s.id()
		if payment.PaidAt == nil && payment.Status == models.PaymentPaid {
			paidAt := db.clock
			payment.PaidAt = &paidAt
		}
		s.payments[payment.ID] = payment
	})
	return payment
}

func (db *memDB) addRefund(refund models.Refund) models.Refund {
	db.with(func(s *memState) {
		refund.ID = s.id()
		s.refunds[refund.ID] = refund
	})
	return refund
}

func (db *memDB) addBankAccount(account models.BankAccount) {
	db.with(func(s *memState) {
		account.ID = s.id()
		s.accounts[account.TrainerID] = account
	})
}

func (db *memDB) addPayout(payout models.PayoutRequest) models.PayoutRequest {
	db.with(func(s *memState) {
		payout.ID = s.id()
		s.payouts[payout.ID] = payout
	})
	return payout
}

func (db *memDB) booking(id int64) models.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.bookings[id]
}

func (db *memDB) lesson(id int64) models.Lesson {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.lessons[id]
}

func (db *memDB) payment(id int64) models.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.payments[id]
}

func (db *memDB) refund(id int64) models.Refund {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.refunds[id]
}

func (db *memDB) payout(id int64) models.PayoutRequest {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.payouts[id]
}

func (db *memDB) allBookings() []models.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.Booking, 0, len(db.state.bookings))
	for _, b := range db.state.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) allPayments() []models.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.Payment, 0, len(db.state.payments))
	for _, p := range db.state.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) allRefunds() []models.Refund {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.Refund, 0, len(db.state.refunds))
	for _, r := range db.state.refunds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) outboxEvents() []models.OutboxEvent {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.OutboxEvent(nil), db.state.outbox...)
}

func (db *memDB) eventsOfType(kind models.NotificationType) []models.OutboxEvent {
	out := make([]models.OutboxEvent, 0)
	for _, event := range db.outboxEvents() {
		if event.Type == kind {
			out = append(out, event)
		}
	}
	return out
}

type memLessons struct{ db *memDB }

func (m memLessons) Create(ctx context.Context, input repository.CreateLessonInput) (*models.Lesson, error) {
	lesson := m.db.addLesson(models.Lesson{
		TrainerID:       input.TrainerID,
		Title:           input.Title,
		StartAt:         input.StartAt.UTC(),
		DurationMinutes: input.DurationMinutes,
		Price:           input.Price,
		MaxParticipants: input.MaxParticipants,
		Status:          models.LessonScheduled,
	})
	return &lesson, nil
}

func (m memLessons) GetByID(ctx context.Context, lessonID int64) (*models.Lesson, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	lesson, ok := m.db.state.lessons[lessonID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &lesson, nil
}

func (m memLessons) GetByIDForUpdate(ctx context.Context, lessonID int64) (*models.Lesson, error) {
	return m.GetByID(ctx, lessonID)
}

func (m memLessons) UpdateStatusIfCurrent(ctx context.Context, lessonID int64, currentStatus, nextStatus models.LessonStatus, reason *string) (*models.Lesson, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	lesson, ok := m.db.state.lessons[lessonID]
	if !ok || lesson.Status != currentStatus {
		return nil, pgx.ErrNoRows
	}
	lesson.Status = nextStatus
	if reason != nil {
		lesson.CancelReason = reason
	}
	m.db.state.lessons[lessonID] = lesson
	return &lesson, nil
}

type memBookings struct{ db *memDB }

func (m memBookings) Create(ctx context.Context, input repository.CreateBookingInput) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, b := range m.db.state.bookings {
		if b.LessonID == input.LessonID && b.ClientID == input.ClientID && b.Status != models.BookingCancelled {
			return nil, &pgconn.PgError{Code: uniqueViolationCode, Message: "duplicate active booking"}
		}
	}
	booking := models.Booking{
		ID:            m.db.state.id(),
		LessonID:      input.LessonID,
		ClientID:      input.ClientID,
		Status:        input.Status,
		PaymentStatus: input.PaymentStatus,
	}
	m.db.state.bookings[booking.ID] = booking
	return &booking, nil
}

func (m memBookings) GetByID(ctx context.Context, bookingID int64) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	booking, ok := m.db.state.bookings[bookingID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &booking, nil
}

func (m memBookings) GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	return m.GetByID(ctx, bookingID)
}

func (m memBookings) find(lessonID, clientID int64, activeOnly bool) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var found *models.Booking
	for _, b := range m.db.state.bookings {
		if b.LessonID != lessonID || b.ClientID != clientID {
			continue
		}
		if activeOnly && b.Status == models.BookingCancelled {
			continue
		}
		if found == nil || b.ID > found.ID {
			copied := b
			found = &copied
		}
	}
	if found == nil {
		return nil, pgx.ErrNoRows
	}
	return found, nil
}

func (m memBookings) FindActive(ctx context.Context, lessonID, clientID int64) (*models.Booking, error) {
	return m.find(lessonID, clientID, true)
}

func (m memBookings) FindLatest(ctx context.Context, lessonID, clientID int64) (*models.Booking, error) {
	return m.find(lessonID, clientID, false)
}

func (m memBookings) CountByStatus(ctx context.Context, lessonID int64, status models.BookingStatus) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	count := 0
	for _, b := range m.db.state.bookings {
		if b.LessonID == lessonID && b.Status == status {
			count++
		}
	}
	return count, nil
}

func (m memBookings) TransitionIfCurrent(ctx context.Context, bookingID int64, currentStatus, nextStatus models.BookingStatus, paymentStatus models.BookingPaymentStatus) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	booking, ok := m.db.state.bookings[bookingID]
	if !ok || booking.Status != currentStatus {
		return nil, pgx.ErrNoRows
	}
	booking.Status = nextStatus
	booking.PaymentStatus = paymentStatus
	m.db.state.bookings[bookingID] = booking
	return &booking, nil
}

func applyCancellation(booking *models.Booking, input repository.CancellationInput) {
	at := input.At
	booking.Status = models.BookingCancelled
	booking.CancelledByRole = input.Role
	booking.CancelledByUserID = input.UserID
	booking.CancelledAt = &at
	booking.CancelReason = input.Reason
}

func (m memBookings) Cancel(ctx context.Context, bookingID int64, allowed []models.BookingStatus, input repository.CancellationInput) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	booking, ok := m.db.state.bookings[bookingID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	permitted := false
	for _, status := range allowed {
		if booking.Status == status {
			permitted = true
		}
	}
	if !permitted {
		return nil, pgx.ErrNoRows
	}
	applyCancellation(&booking, input)
	m.db.state.bookings[bookingID] = booking
	return &booking, nil
}

func (m memBookings) CancelActiveForLesson(ctx context.Context, lessonID int64, input repository.CancellationInput) ([]models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]models.Booking, 0)
	for id, b := range m.db.state.bookings {
		if b.LessonID != lessonID || !b.Status.Cancellable() {
			continue
		}
		applyCancellation(&b, input)
		m.db.state.bookings[id] = b
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memBookings) CompleteConfirmedForLesson(ctx context.Context, lessonID int64) ([]models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]models.Booking, 0)
	for id, b := range m.db.state.bookings {
		if b.LessonID == lessonID && b.Status == models.BookingConfirmed {
			b.Status = models.BookingCompleted
			m.db.state.bookings[id] = b
			out = append(out, b)
		}
	}
	return out, nil
}

func (m memBookings) SetPaymentStatus(ctx context.Context, bookingID int64, paymentStatus models.BookingPaymentStatus) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	booking, ok := m.db.state.bookings[bookingID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	booking.PaymentStatus = paymentStatus
	m.db.state.bookings[bookingID] = booking
	return &booking, nil
}

func (m memBookings) MarkNoShow(ctx context.Context, bookingID int64) (*models.Booking, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	booking, ok := m.db.state.bookings[bookingID]
	if !ok || (booking.Status != models.BookingConfirmed && booking.Status != models.BookingCompleted) {
		return nil, pgx.ErrNoRows
	}
	booking.NoShow = true
	m.db.state.bookings[bookingID] = booking
	return &booking, nil
}

type memPayments struct{ db *memDB }

func (m memPayments) UpsertByIntent(ctx context.Context, input repository.UpsertPaymentInput) (*models.Payment, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for id, p := range m.db.state.payments {
		if p.PaymentIntentID != input.PaymentIntentID {
			continue
		}
		if p.ChargeID == nil {
			p.ChargeID = input.ChargeID
		}
		p.Amount = input.Amount
		if p.StripeFee == nil {
			p.StripeFee = input.StripeFee
		}
		if p.NetAmount == nil {
			p.NetAmount = input.NetAmount
		}
		previous := p.Status
		switch {
		case p.Status == models.PaymentRefunded:
		case p.Status == models.PaymentPaid && input.Status != models.PaymentPaid && input.Status != models.PaymentRefunded:
		default:
			p.Status = input.Status
		}
		if p.PaidAt == nil {
			p.PaidAt = input.PaidAt
		}
		m.db.state.payments[id] = p
		return &p, p.Status != previous, nil
	}

	if _, ok := m.db.state.lessons[input.LessonID]; !ok {
		return nil, false, &pgconn.PgError{Code: foreignKeyViolationCode, Message: fmt.Sprintf("lesson %d does not exist", input.LessonID)}
	}
	payment := models.Payment{
		ID:              m.db.state.id(),
		PaymentIntentID: input.PaymentIntentID,
		ChargeID:        input.ChargeID,
		LessonID:        input.LessonID,
		TraineeID:       input.TraineeID,
		Amount:          input.Amount,
		StripeFee:       input.StripeFee,
		NetAmount:       input.NetAmount,
		Status:          input.Status,
		PaidAt:          input.PaidAt,
	}
	m.db.state.payments[payment.ID] = payment
	return &payment, true, nil
}

func (m memPayments) GetByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	payment, ok := m.db.state.payments[paymentID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &payment, nil
}

func (m memPayments) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, p := range m.db.state.payments {
		if p.PaymentIntentID == paymentIntentID {
			return &p, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m memPayments) LatestPaidForLessonTrainee(ctx context.Context, lessonID, traineeID int64) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var found *models.Payment
	for _, p := range m.db.state.payments {
		if p.LessonID == lessonID && p.TraineeID == traineeID && p.Status == models.PaymentPaid {
			if found == nil || p.ID > found.ID {
				copied := p
				found = &copied
			}
		}
	}
	if found == nil {
		return nil, pgx.ErrNoRows
	}
	return found, nil
}

func (m memPayments) ListPaidForLesson(ctx context.Context, lessonID int64) ([]models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]models.Payment, 0)
	for _, p := range m.db.state.payments {
		if p.LessonID == lessonID && p.Status == models.PaymentPaid {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memPayments) MarkRefunded(ctx context.Context, paymentID int64) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	payment, ok := m.db.state.payments[paymentID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	payment.Status = models.PaymentRefunded
	m.db.state.payments[paymentID] = payment
	return &payment, nil
}

func (m memPayments) MarkRefundedByIntent(ctx context.Context, paymentIntentID string, chargeID *string) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for id, p := range m.db.state.payments {
		if p.PaymentIntentID == paymentIntentID {
			p.Status = models.PaymentRefunded
			if p.ChargeID == nil {
				p.ChargeID = chargeID
			}
			m.db.state.payments[id] = p
			return &p, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m memPayments) BackfillFees(ctx context.Context, paymentIntentID string, chargeID *string, stripeFee, netAmount int64) (*models.Payment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for id, p := range m.db.state.payments {
		if p.PaymentIntentID != paymentIntentID {
			continue
		}
		if p.ChargeID == nil {
			p.ChargeID = chargeID
		}
		if p.StripeFee == nil {
			p.StripeFee = &stripeFee
		}
		if p.NetAmount == nil {
			p.NetAmount = &netAmount
		}
		m.db.state.payments[id] = p
		return &p, nil
	}
	return nil, pgx.ErrNoRows
}

type memRefunds struct{ db *memDB }

func (m memRefunds) activeFor(paymentID int64) (*models.Refund, bool) {
	var found *models.Refund
	for _, r := range m.db.state.refunds {
		if r.PaymentID == paymentID && r.Status != models.RefundRejected {
			if found == nil || r.ID > found.ID {
				copied := r
				found = &copied
			}
		}
	}
	return found, found != nil
}

func (m memRefunds) CreatePending(ctx context.Context, input repository.CreateRefundInput) (*models.Refund, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if existing, ok := m.activeFor(input.PaymentID); ok {
		return existing, false, nil
	}
	refund := models.Refund{
		ID:        m.db.state.id(),
		PaymentID: input.PaymentID,
		LessonID:  input.LessonID,
		TraineeID: input.TraineeID,
		BookingID: input.BookingID,
		Amount:    input.Amount,
		Reason:    input.Reason,
		Status:    models.RefundPending,
	}
	m.db.state.refunds[refund.ID] = refund
	return &refund, true, nil
}

func (m memRefunds) GetByID(ctx context.Context, refundID int64) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	refund, ok := m.db.state.refunds[refundID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &refund, nil
}

func (m memRefunds) GetByIDForUpdate(ctx context.Context, refundID int64) (*models.Refund, error) {
	return m.GetByID(ctx, refundID)
}

func (m memRefunds) GetByStripeRefundID(ctx context.Context, stripeRefundID string) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, r := range m.db.state.refunds {
		if r.StripeRefundID != nil && *r.StripeRefundID == stripeRefundID {
			return &r, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m memRefunds) FindActiveByPaymentID(ctx context.Context, paymentID int64) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if refund, ok := m.activeFor(paymentID); ok {
		return refund, nil
	}
	return nil, pgx.ErrNoRows
}

func (m memRefunds) MarkApproved(ctx context.Context, refundID int64, adminID int64, notes *string, stripeRefundID string, amount int64) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	refund, ok := m.db.state.refunds[refundID]
	if !ok || refund.Status != models.RefundPending || refund.StripeRefundID != nil {
		return nil, pgx.ErrNoRows
	}
	refund.Status = models.RefundApproved
	refund.StripeRefundID = &stripeRefundID
	refund.Amount = amount
	refund.AdminID = &adminID
	refund.AdminNotes = notes
	m.db.state.refunds[refundID] = refund
	return &refund, nil
}

func (m memRefunds) MarkRefunded(ctx context.Context, refundID int64, adminID *int64, notes *string, stripeRefundID *string, at time.Time) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	refund, ok := m.db.state.refunds[refundID]
	if !ok || (refund.Status != models.RefundPending && refund.Status != models.RefundApproved) {
		return nil, pgx.ErrNoRows
	}
	refund.Status = models.RefundRefunded
	if adminID != nil {
		refund.AdminID = adminID
	}
	if notes != nil {
		refund.AdminNotes = notes
	}
	if refund.StripeRefundID == nil {
		refund.StripeRefundID = stripeRefundID
	}
	refund.RefundDate = &at
	m.db.state.refunds[refundID] = refund
	return &refund, nil
}

func (m memRefunds) MarkRejected(ctx context.Context, refundID int64, adminID int64, notes *string) (*models.Refund, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	refund, ok := m.db.state.refunds[refundID]
	if !ok || refund.Status != models.RefundPending {
		return nil, pgx.ErrNoRows
	}
	refund.Status = models.RefundRejected
	refund.AdminID = &adminID
	refund.AdminNotes = notes
	m.db.state.refunds[refundID] = refund
	return &refund, nil
}

func (m memRefunds) List(ctx context.Context, filter repository.ListRefundsFilter) ([]models.Refund, int, error) {
	all := m.db.allRefunds()
	out := make([]models.Refund, 0)
	for _, r := range all {
		if filter.Status == nil || r.Status == *filter.Status {
			out = append(out, r)
		}
	}
	total := len(out)
	if filter.Offset >= len(out) {
		return []models.Refund{}, total, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

type memPayouts struct{ db *memDB }

func (m memPayouts) SumEligibleSales(ctx context.Context, trainerID int64, periodEnd time.Time) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	total := int64(0)
	for _, p := range m.db.state.payments {
		lesson, ok := m.db.state.lessons[p.LessonID]
		if !ok || lesson.TrainerID != trainerID || lesson.Status != models.LessonCompleted {
			continue
		}
		if p.Status != models.PaymentPaid || p.PaidAt == nil || p.PaidAt.After(periodEnd) {
			continue
		}
		total += p.Amount
	}
	return total, nil
}

func (m memPayouts) SumPaidOutSales(ctx context.Context, trainerID int64) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	total := int64(0)
	for _, p := range m.db.state.payouts {
		if p.TrainerID == trainerID && p.Status == models.PayoutPaid {
			total += p.TotalSales
		}
	}
	return total, nil
}

func (m memPayouts) LockTrainer(ctx context.Context, trainerID int64) error {
	return nil
}

func (m memPayouts) HasOpenRequest(ctx context.Context, trainerID int64) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, p := range m.db.state.payouts {
		if p.TrainerID == trainerID && (p.Status == models.PayoutPending || p.Status == models.PayoutApproved) {
			return true, nil
		}
	}
	return false, nil
}

func (m memPayouts) Create(ctx context.Context, input repository.CreatePayoutInput) (*models.PayoutRequest, error) {
	payout := m.db.addPayout(models.PayoutRequest{
		TrainerID:          input.TrainerID,
		PeriodEnd:          input.PeriodEnd,
		TotalSales:         input.TotalSales,
		PlatformFee:        input.PlatformFee,
		PayoutAmount:       input.PayoutAmount,
		TransferFee:        input.TransferFee,
		NetPayout:          input.NetPayout,
		PayoutEligibleDate: input.PayoutEligibleDate,
		Status:             models.PayoutPending,
	})
	return &payout, nil
}

func (m memPayouts) GetByID(ctx context.Context, payoutID int64) (*models.PayoutRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	payout, ok := m.db.state.payouts[payoutID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &payout, nil
}

func (m memPayouts) ListForTrainer(ctx context.Context, trainerID int64) ([]models.PayoutRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]models.PayoutRequest, 0)
	for _, p := range m.db.state.payouts {
		if p.TrainerID == trainerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memPayouts) UpdateStatusIfCurrent(ctx context.Context, payoutID int64, currentStatus, nextStatus models.PayoutStatus, notes *string, processedAt time.Time) (*models.PayoutRequest, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	payout, ok := m.db.state.payouts[payoutID]
	if !ok || payout.Status != currentStatus {
		return nil, pgx.ErrNoRows
	}
	payout.Status = nextStatus
	if notes != nil {
		payout.AdminNotes = notes
	}
	payout.ProcessedAt = &processedAt
	m.db.state.payouts[payoutID] = payout
	return &payout, nil
}

func (m memPayouts) ListTransferRowsForUpdate(ctx context.Context, ids []int64) ([]models.PayoutTransferRow, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	out := make([]models.PayoutTransferRow, 0)
	for _, p := range m.db.state.payouts {
		if p.Status != models.PayoutApproved || (len(ids) > 0 && !wanted[p.ID]) {
			continue
		}
		account, ok := m.db.state.accounts[p.TrainerID]
		if !ok || !account.Verified {
			continue
		}
		out = append(out, models.PayoutTransferRow{
			PayoutRequestID: p.ID,
			TrainerID:       p.TrainerID,
			NetPayout:       p.NetPayout,
			Account:         account,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutRequestID < out[j].PayoutRequestID })
	return out, nil
}

func (m memPayouts) MarkPaid(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	marked := int64(0)
	for _, id := range ids {
		payout, ok := m.db.state.payouts[id]
		if !ok || payout.Status != models.PayoutApproved {
			continue
		}
		payout.Status = models.PayoutPaid
		payout.ProcessedAt = &at
		m.db.state.payouts[id] = payout
		marked++
	}
	return marked, nil
}

type memAccounts struct{ db *memDB }

func (m memAccounts) GetByTrainerID(ctx context.Context, trainerID int64) (*models.BankAccount, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	account, ok := m.db.state.accounts[trainerID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &account, nil
}

type memOutbox struct{ db *memDB }

func (m memOutbox) Append(ctx context.Context, event models.OutboxEvent) (*models.OutboxEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	for _, existing := range m.db.state.outbox {
		if existing.ID == event.ID {
			return &existing, nil
		}
	}
	event.CreatedAt = m.db.clock
	m.db.state.outbox = append(m.db.state.outbox, event)
	return &event, nil
}

func (m memOutbox) ClaimPending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	pending := make([]models.OutboxEvent, 0)
	for _, event := range m.db.state.outbox {
		if event.DispatchedAt == nil {
			pending = append(pending, event)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Attempts < pending[j].Attempts })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m memOutbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for i, event := range m.db.state.outbox {
		if event.ID == id && event.DispatchedAt == nil {
			m.db.state.outbox[i].Attempts++
		}
	}
	return nil
}

func (m memOutbox) MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wanted := map[uuid.UUID]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	for i, event := range m.db.state.outbox {
		if wanted[event.ID] && event.DispatchedAt == nil {
			dispatchedAt := at
			m.db.state.outbox[i].DispatchedAt = &dispatchedAt
		}
	}
	return nil
}

type memNotifications struct{ db *memDB }

func (m memNotifications) InsertFromEvent(ctx context.Context, event models.OutboxEvent) (*models.Notification, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, n := range m.db.state.notifications {
		if n.EventID == event.ID {
			return nil, false, nil
		}
	}
	notification := models.Notification{
		ID:      m.db.state.id(),
		EventID: event.ID,
		UserID:  event.RecipientUserID,
		Role:    event.RecipientRole,
		Type:    event.Type,
		Title:   event.Title,
		Body:    event.Body,
		Payload: event.Payload,
	}
	m.db.state.notifications[notification.ID] = notification
	return &notification, true, nil
}

func (m memNotifications) visible(n models.Notification, userID int64, role models.Role) bool {
	if n.UserID != nil {
		return *n.UserID == userID
	}
	return n.Role != nil && *n.Role == role
}

func (m memNotifications) ListForUser(ctx context.Context, userID int64, role models.Role, limit, offset int) ([]models.Notification, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range m.db.state.notifications {
		if m.visible(n, userID, role) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset >= len(out) {
		return []models.Notification{}, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m memNotifications) MarkRead(ctx context.Context, notificationID int64, userID int64, role models.Role) (*models.Notification, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n, ok := m.db.state.notifications[notificationID]
	if !ok || !m.visible(n, userID, role) {
		return nil, pgx.ErrNoRows
	}
	n.IsRead = true
	m.db.state.notifications[notificationID] = n
	return &n, nil
}

type fakeGateway struct {
	mu            sync.Mutex
	refundCalls   []gateway.RefundRequest
	refundsByKey  map[string]*gateway.RefundResult
	refundErr     error
	checkoutCalls []gateway.CheckoutRequest
	checkoutErr   error
	intents       map[string]*gateway.PaymentIntent
	retrieveCalls int
	retrieveErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		refundsByKey: map[string]*gateway.RefundResult{},
		intents:      map[string]*gateway.PaymentIntent{},
	}
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkoutCalls = append(g.checkoutCalls, req)
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	id := fmt.Sprintf("cs_%d", len(g.checkoutCalls))
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (g *fakeGateway) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieveCalls++
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	intent, ok := g.intents[paymentIntentID]
	if !ok {
		return nil, gateway.ErrRejected
	}
	return intent, nil
}

// CreateRefund deduplicates by idempotency key like the processor does.
func (g *fakeGateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if existing, ok := g.refundsByKey[req.IdempotencyKey]; ok {
		return existing, nil
	}
	result := &gateway.RefundResult{ID: fmt.Sprintf("re_%d", len(g.refundsByKey)+1), Status: "pending"}
	g.refundsByKey[req.IdempotencyKey] = result
	return result, nil
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refundsByKey)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func stringPtr(v string) *string {
	return &v
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
