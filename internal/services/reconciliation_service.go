package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
)

// ErrPaymentNotRecorded is returned for refund events that arrive before the
// payment they refer to. It is transient: the redelivered event succeeds once
// payment_intent.succeeded has been processed.
var ErrPaymentNotRecorded = errors.New("payment not recorded yet")

// gatewayEventNamespace scopes outbox ids derived from gateway event ids.
var gatewayEventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://api.stripe.com/v1/events"))

// outboxIDForGatewayEvent gives every redelivery of a gateway event the same
// outbox id, so it is appended and delivered at most once.
func outboxIDForGatewayEvent(eventID string) uuid.UUID {
	return uuid.NewSHA1(gatewayEventNamespace, []byte(eventID))
}

type ReconcileOutcome string

const (
	ReconcileProcessed ReconcileOutcome = "processed"
	// ReconcileIgnored acknowledges events that are unknown or can never be
	// applied, so the gateway stops redelivering them.
	ReconcileIgnored ReconcileOutcome = "ignored"
)

type ReconciliationService struct {
	tx      TxRunner
	gateway gateway.Gateway
	now     func() time.Time
}

func NewReconciliationService(tx TxRunner, gw gateway.Gateway) *ReconciliationService {
	return &ReconciliationService{tx: tx, gateway: gw, now: time.Now}
}

// HandleEvent applies a verified gateway event. A non-nil error means the write
// failed transiently and the event should be redelivered.
func (s *ReconciliationService) HandleEvent(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	if event == nil {
		return ReconcileIgnored, nil
	}

	switch event.Type {
	case gateway.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case gateway.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case gateway.EventChargeRefunded:
		return s.handleChargeRefunded(ctx, event)
	case gateway.EventChargeSucceeded, gateway.EventChargeUpdated:
		return s.handleChargeFees(ctx, event)
	case gateway.EventDisputeCreated:
		return s.handleDisputeCreated(ctx, event)
	default:
		return ReconcileIgnored, nil
	}
}

func paymentMetadata(event *gateway.Event, intent *gateway.PaymentIntent) (int64, int64, bool) {
	lessonID, okLesson := gateway.MetadataInt64(intent.Metadata, gateway.MetadataLessonID)
	traineeID, okTrainee := gateway.MetadataInt64(intent.Metadata, gateway.MetadataTraineeID)
	if !okLesson || !okTrainee {
		log.Printf("reconcile: %s %s for %s is missing lesson_id/trainee_id metadata, acknowledging",
			event.Type, event.ID, intent.ID)
		return 0, 0, false
	}
	return lessonID, traineeID, true
}

func (s *ReconciliationService) handlePaymentSucceeded(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	intent := event.PaymentIntent
	if intent == nil || intent.ID == "" {
		return ReconcileIgnored, nil
	}
	lessonID, traineeID, ok := paymentMetadata(event, intent)
	if !ok {
		return ReconcileIgnored, nil
	}

	chargeID := intent.ChargeID
	fees := intent.Fees
	if fees == nil && s.gateway != nil {
		retrieved, err := s.gateway.RetrievePaymentIntent(ctx, intent.ID)
		if err != nil {
			return "", fmt.Errorf("%w: retrieve payment intent %s: %v", ErrUpstreamUnavailable, intent.ID, err)
		}
		fees = retrieved.Fees
		if chargeID == "" {
			chargeID = retrieved.ChargeID
		}
	}

	now := s.now()
	input := repository.UpsertPaymentInput{
		PaymentIntentID: intent.ID,
		ChargeID:        optionalString(chargeID),
		LessonID:        lessonID,
		TraineeID:       traineeID,
		Amount:          intent.Amount,
		Status:          models.PaymentPaid,
		PaidAt:          &now,
	}
	if fees != nil {
		input.StripeFee = &fees.Fee
		input.NetAmount = &fees.Net
	}

	err := s.tx.InTx(ctx, func(st Stores) error {
		payment, changed, err := st.Payments.UpsertByIntent(ctx, input)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPaid {
			log.Printf("reconcile: payment %s is %s, not confirming booking", payment.PaymentIntentID, payment.Status)
			return nil
		}
		// Only the first move into paid confirms. A replay must not reopen a
		// booking the client has since cancelled.
		if !changed {
			log.Printf("reconcile: payment %s already paid, %s is a replay", payment.PaymentIntentID, event.ID)
			return nil
		}
		_, err = confirmOnPayment(ctx, st, payment, now)
		return err
	})
	if err != nil {
		if isForeignKeyViolation(err) || errors.Is(err, ErrNotFound) {
			log.Printf("reconcile: %s %s references unknown lesson %d / trainee %d, acknowledging: %v",
				event.Type, event.ID, lessonID, traineeID, err)
			return ReconcileIgnored, nil
		}
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	return ReconcileProcessed, nil
}

func (s *ReconciliationService) handlePaymentFailed(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	intent := event.PaymentIntent
	if intent == nil || intent.ID == "" {
		return ReconcileIgnored, nil
	}
	lessonID, traineeID, ok := paymentMetadata(event, intent)
	if !ok {
		return ReconcileIgnored, nil
	}

	now := s.now()
	err := s.tx.InTx(ctx, func(st Stores) error {
		payment, _, err := st.Payments.UpsertByIntent(ctx, repository.UpsertPaymentInput{
			PaymentIntentID: intent.ID,
			ChargeID:        optionalString(intent.ChargeID),
			LessonID:        lessonID,
			TraineeID:       traineeID,
			Amount:          intent.Amount,
			Status:          models.PaymentFailed,
		})
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentFailed {
			return nil
		}

		booking, err := st.Bookings.FindActive(ctx, lessonID, traineeID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if booking.Status != models.BookingPending {
			return nil
		}

		reason := "payment failed"
		cancelled, err := st.Bookings.Cancel(ctx, booking.ID, []models.BookingStatus{models.BookingPending}, repository.CancellationInput{
			Reason: &reason,
			At:     now,
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		return appendEvents(ctx, st, newUserEvent(traineeID, models.NotifyPaymentFailed,
			"Payment failed",
			"Your payment did not go through and the booking was released. You can book again.",
			map[string]any{"lesson_id": lessonID, "booking_id": cancelled.ID}))
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			log.Printf("reconcile: %s %s references unknown lesson or trainee, acknowledging: %v", event.Type, event.ID, err)
			return ReconcileIgnored, nil
		}
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	return ReconcileProcessed, nil
}

// handleChargeRefunded finalizes the refund the charge event confirms. The
// refund row is found by the gateway refund id, or by payment when the event
// beat the approval write.
func (s *ReconciliationService) handleChargeRefunded(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	charge := event.Charge
	if charge == nil || charge.PaymentIntentID == "" {
		log.Printf("reconcile: %s %s has no payment intent, acknowledging", event.Type, event.ID)
		return ReconcileIgnored, nil
	}

	var stripeRefundID *string
	if len(charge.RefundIDs) > 0 {
		stripeRefundID = &charge.RefundIDs[0]
	}

	now := s.now()
	err := s.tx.InTx(ctx, func(st Stores) error {
		payment, err := st.Payments.MarkRefundedByIntent(ctx, charge.PaymentIntentID, optionalString(charge.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotRecorded
			}
			return err
		}

		refund, err := s.locateRefund(ctx, st, payment.ID, stripeRefundID)
		if err != nil {
			return err
		}
		if refund == nil {
			log.Printf("reconcile: charge %s refunded outside the refund ledger (payment %d)", charge.ID, payment.ID)
			booking, err := st.Bookings.FindLatest(ctx, payment.LessonID, payment.TraineeID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return err
			}
			_, err = st.Bookings.SetPaymentStatus(ctx, booking.ID, models.BookingPaymentRefunded)
			return err
		}

		switch refund.Status {
		case models.RefundRefunded:
			return nil
		case models.RefundRejected:
			log.Printf("reconcile: ALERT refund %d was rejected but charge %s was refunded by the processor", refund.ID, charge.ID)
			return nil
		}

		updated, err := st.Refunds.MarkRefunded(ctx, refund.ID, nil, nil, stripeRefundID, now)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if err := markBookingRefunded(ctx, st, updated); err != nil {
			return err
		}
		return appendEvents(ctx, st, refundCompletedEvent(updated))
	})
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	return ReconcileProcessed, nil
}

func (s *ReconciliationService) locateRefund(ctx context.Context, st Stores, paymentID int64, stripeRefundID *string) (*models.Refund, error) {
	if stripeRefundID != nil {
		refund, err := st.Refunds.GetByStripeRefundID(ctx, *stripeRefundID)
		if err == nil {
			return refund, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	refund, err := st.Refunds.FindActiveByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return refund, nil
}

// handleChargeFees fills in the processor fee once the balance transaction is
// available. Payments not recorded yet are left to payment_intent.succeeded.
func (s *ReconciliationService) handleChargeFees(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	charge := event.Charge
	if charge == nil || charge.PaymentIntentID == "" {
		return ReconcileIgnored, nil
	}

	stores := s.tx.Stores()
	payment, err := stores.Payments.GetByPaymentIntentID(ctx, charge.PaymentIntentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReconcileIgnored, nil
		}
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	if payment.StripeFee != nil && payment.NetAmount != nil {
		return ReconcileIgnored, nil
	}

	fees := charge.Fees
	if fees == nil {
		if s.gateway == nil {
			return ReconcileIgnored, nil
		}
		retrieved, err := s.gateway.RetrievePaymentIntent(ctx, charge.PaymentIntentID)
		if err != nil {
			return "", fmt.Errorf("%w: retrieve payment intent %s: %v", ErrUpstreamUnavailable, charge.PaymentIntentID, err)
		}
		fees = retrieved.Fees
	}
	if fees == nil {
		return ReconcileIgnored, nil
	}

	if _, err := stores.Payments.BackfillFees(ctx, charge.PaymentIntentID, optionalString(charge.ID), fees.Fee, fees.Net); err != nil {
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	return ReconcileProcessed, nil
}

func (s *ReconciliationService) handleDisputeCreated(ctx context.Context, event *gateway.Event) (ReconcileOutcome, error) {
	dispute := event.Dispute
	if dispute == nil {
		return ReconcileIgnored, nil
	}
	log.Printf("reconcile: dispute %s opened on charge %s (payment intent %s), amount %d, reason %s",
		dispute.ID, dispute.ChargeID, dispute.PaymentIntentID, dispute.Amount, dispute.Reason)

	notice := newAdminEvent(models.NotifyPaymentDisputed,
		"Payment disputed",
		fmt.Sprintf("Dispute %s opened on charge %s for %d (%s).", dispute.ID, dispute.ChargeID, dispute.Amount, dispute.Reason),
		map[string]any{
			"dispute_id":        dispute.ID,
			"charge_id":         dispute.ChargeID,
			"payment_intent_id": dispute.PaymentIntentID,
			"amount":            dispute.Amount,
		})
	notice.ID = outboxIDForGatewayEvent(event.ID)

	err := s.tx.InTx(ctx, func(st Stores) error {
		return appendEvents(ctx, st, notice)
	})
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", event.ID, err)
	}
	return ReconcileProcessed, nil
}
