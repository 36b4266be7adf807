package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
)

type RefundService struct {
	tx      TxRunner
	gateway gateway.Gateway
	now     func() time.Time
}

func NewRefundService(tx TxRunner, gw gateway.Gateway) *RefundService {
	return &RefundService{tx: tx, gateway: gw, now: time.Now}
}

type CreateRefundInput struct {
	LessonID  int64
	TraineeID int64
	PaymentID int64
	BookingID *int64
	Amount    int64
	Reason    string
}

// createRefundRequest records a pending refund on st. A payment that already has
// a non-rejected refund gets that row back with created=false.
func createRefundRequest(ctx context.Context, st Stores, input CreateRefundInput) (*models.Refund, bool, error) {
	amount := input.Amount
	if amount < 0 {
		amount = 0
	}

	refund, created, err := st.Refunds.CreatePending(ctx, repository.CreateRefundInput{
		PaymentID: input.PaymentID,
		LessonID:  input.LessonID,
		TraineeID: input.TraineeID,
		BookingID: input.BookingID,
		Amount:    amount,
		Reason:    input.Reason,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := appendEvents(ctx, st, refundRequestedEvent(refund, input.Reason)); err != nil {
			return nil, false, err
		}
	}
	return refund, created, nil
}

func (s *RefundService) CreateRefundRequest(ctx context.Context, input CreateRefundInput) (*models.Refund, error) {
	if input.PaymentID <= 0 || strings.TrimSpace(input.Reason) == "" {
		return nil, ErrInvalidInput
	}

	var refund *models.Refund
	err := s.tx.InTx(ctx, func(st Stores) error {
		payment, err := st.Payments.GetByID(ctx, input.PaymentID)
		if err != nil {
			return notFound(err)
		}
		if payment.LessonID != input.LessonID || payment.TraineeID != input.TraineeID {
			return fmt.Errorf("%w: payment %d does not belong to lesson %d / trainee %d",
				ErrInvalidInput, payment.ID, input.LessonID, input.TraineeID)
		}

		refund, _, err = createRefundRequest(ctx, st, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// Approve executes a pending refund. Refunds that are no longer pending or
// already carry a gateway refund id are returned unchanged. Zero-amount refunds
// are finalized locally; everything else goes to the gateway under an
// idempotency key derived from the refund id and then waits in approved for the
// charge.refunded webhook.
func (s *RefundService) Approve(ctx context.Context, adminID int64, refundID int64, notes *string) (*models.Refund, error) {
	stores := s.tx.Stores()

	refund, err := stores.Refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, notFound(err)
	}
	if refund.Status != models.RefundPending || refund.StripeRefundID != nil {
		return refund, nil
	}

	payment, err := stores.Payments.GetByID(ctx, refund.PaymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: refund %d references missing payment %d", ErrDataIntegrity, refund.ID, refund.PaymentID)
		}
		return nil, err
	}

	amount := refund.Amount
	if payment.NetAmount != nil && amount > *payment.NetAmount {
		amount = *payment.NetAmount
	}

	if amount <= 0 {
		return s.finalizeWithoutGateway(ctx, adminID, refund, notes)
	}

	chargeID := ""
	if payment.ChargeID != nil {
		chargeID = *payment.ChargeID
	}
	if payment.PaymentIntentID == "" && chargeID == "" {
		return nil, ErrNoChargeReference
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, gateway.ErrNotConfigured)
	}

	result, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		PaymentIntentID: payment.PaymentIntentID,
		ChargeID:        chargeID,
		Amount:          amount,
		IdempotencyKey:  gateway.RefundIdempotencyKey(refund.ID),
		Metadata: map[string]string{
			gateway.MetadataRefundID: strconv.FormatInt(refund.ID, 10),
		},
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	var approved *models.Refund
	err = s.tx.InTx(ctx, func(st Stores) error {
		updated, err := st.Refunds.MarkApproved(ctx, refund.ID, adminID, notes, result.ID, amount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// A concurrent approval or an early webhook already moved it.
				current, getErr := st.Refunds.GetByID(ctx, refund.ID)
				if getErr != nil {
					return notFound(getErr)
				}
				approved = current
				return nil
			}
			return err
		}
		approved = updated
		return appendEvents(ctx, st, newUserEvent(updated.TraineeID, models.NotifyRefundApproved,
			"Refund approved",
			fmt.Sprintf("Your refund of %d has been sent to the payment processor.", updated.Amount),
			map[string]any{"refund_id": updated.ID, "lesson_id": updated.LessonID}))
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *RefundService) finalizeWithoutGateway(
	ctx context.Context,
	adminID int64,
	refund *models.Refund,
	notes *string,
) (*models.Refund, error) {
	var finalized *models.Refund
	err := s.tx.InTx(ctx, func(st Stores) error {
		updated, err := st.Refunds.MarkRefunded(ctx, refund.ID, &adminID, notes, nil, s.now())
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				current, getErr := st.Refunds.GetByID(ctx, refund.ID)
				if getErr != nil {
					return notFound(getErr)
				}
				finalized = current
				return nil
			}
			return err
		}
		finalized = updated

		if _, err := st.Payments.MarkRefunded(ctx, updated.PaymentID); err != nil {
			return notFound(err)
		}
		if err := markBookingRefunded(ctx, st, updated); err != nil {
			return err
		}
		return appendEvents(ctx, st, refundCompletedEvent(updated))
	})
	if err != nil {
		return nil, err
	}
	return finalized, nil
}

func (s *RefundService) Reject(ctx context.Context, adminID int64, refundID int64, notes *string) (*models.Refund, error) {
	var rejected *models.Refund
	err := s.tx.InTx(ctx, func(st Stores) error {
		updated, err := st.Refunds.MarkRejected(ctx, refundID, adminID, notes)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if _, getErr := st.Refunds.GetByID(ctx, refundID); getErr != nil {
					return notFound(getErr)
				}
				return ErrInvalidStateTransition
			}
			return err
		}
		rejected = updated

		body := "Your refund request was rejected."
		if notes != nil && strings.TrimSpace(*notes) != "" {
			body = fmt.Sprintf("Your refund request was rejected: %s", strings.TrimSpace(*notes))
		}
		return appendEvents(ctx, st, newUserEvent(updated.TraineeID, models.NotifyRefundRejected,
			"Refund rejected", body,
			map[string]any{"refund_id": updated.ID, "lesson_id": updated.LessonID}))
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

func (s *RefundService) ListRefunds(
	ctx context.Context,
	status string,
	page int,
	limit int,
) ([]models.Refund, models.PaginationMeta, error) {
	filter := repository.ListRefundsFilter{}
	if strings.TrimSpace(status) != "" {
		parsed, err := models.ParseRefundStatus(status)
		if err != nil {
			return nil, models.PaginationMeta{}, ErrInvalidInput
		}
		filter.Status = &parsed
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	refunds, total, err := s.tx.Stores().Refunds.List(ctx, filter)
	if err != nil {
		return nil, models.PaginationMeta{}, err
	}
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return refunds, models.PaginationMeta{Page: page, Limit: limit, Total: total, TotalPages: totalPages}, nil
}

// markBookingRefunded cascades payment_status=refunded onto the booking the
// refund was raised for, falling back to the latest booking for the pair.
func markBookingRefunded(ctx context.Context, st Stores, refund *models.Refund) error {
	bookingID := int64(0)
	if refund.BookingID != nil {
		bookingID = *refund.BookingID
	} else {
		booking, err := st.Bookings.FindLatest(ctx, refund.LessonID, refund.TraineeID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				log.Printf("refund: no booking found for refund %d (lesson %d, trainee %d)",
					refund.ID, refund.LessonID, refund.TraineeID)
				return nil
			}
			return err
		}
		bookingID = booking.ID
	}

	if _, err := st.Bookings.SetPaymentStatus(ctx, bookingID, models.BookingPaymentRefunded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	return nil
}

func refundCompletedEvent(refund *models.Refund) models.OutboxEvent {
	return newUserEvent(refund.TraineeID, models.NotifyRefundCompleted,
		"Refund completed",
		fmt.Sprintf("Your refund of %d has been completed.", refund.Amount),
		map[string]any{"refund_id": refund.ID, "lesson_id": refund.LessonID})
}
