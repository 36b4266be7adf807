// Package gateway is the boundary to the payment processor. Services depend on
// the Gateway and WebhookVerifier interfaces; the Stripe adapter implements both.
package gateway

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrUnavailable covers timeouts, network failures and processor 5xx/429
	// responses. Callers may retry.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is a permanent refusal (invalid request, already refunded, ...).
	ErrRejected         = errors.New("payment gateway rejected request")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("payment gateway not configured")
)

const (
	MetadataLessonID  = "lesson_id"
	MetadataTraineeID = "trainee_id"
	MetadataBookingID = "booking_id"
	MetadataRefundID  = "refund_id"
)

type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventChargeSucceeded  EventType = "charge.succeeded"
	EventChargeUpdated    EventType = "charge.updated"
	EventChargeRefunded   EventType = "charge.refunded"
	EventDisputeCreated   EventType = "charge.dispute.created"
)

type CheckoutRequest struct {
	LessonID   int64
	TraineeID  int64
	BookingID  int64
	Title      string
	Amount     int64
	Currency   string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// FeeBreakdown is known only once the processor has settled the balance
// transaction for a charge.
type FeeBreakdown struct {
	Fee int64
	Net int64
}

type PaymentIntent struct {
	ID       string
	Status   string
	Amount   int64
	ChargeID string
	Fees     *FeeBreakdown
	Metadata map[string]string
}

type Charge struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	AmountRefunded  int64
	Refunded        bool
	RefundIDs       []string
	Fees            *FeeBreakdown
	Metadata        map[string]string
}

type Dispute struct {
	ID              string
	ChargeID        string
	PaymentIntentID string
	Amount          int64
	Reason          string
	Status          string
}

// Event is a verified webhook event reduced to the objects reconciliation needs.
// Exactly one of PaymentIntent, Charge or Dispute is set for known types.
type Event struct {
	ID            string
	Type          EventType
	PaymentIntent *PaymentIntent
	Charge        *Charge
	Dispute       *Dispute
}

type RefundRequest struct {
	PaymentIntentID string
	ChargeID        string
	Amount          int64
	IdempotencyKey  string
	Metadata        map[string]string
}

type RefundResult struct {
	ID     string
	Status string
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

type WebhookVerifier interface {
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// MetadataInt64 reads a positive integer metadata value.
func MetadataInt64(metadata map[string]string, key string) (int64, bool) {
	raw, ok := metadata[key]
	if !ok || raw == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

// RefundIdempotencyKey is stable per refund request so repeated approvals
// resolve to the same processor-side refund.
func RefundIdempotencyKey(refundID int64) string {
	return "refund:" + strconv.FormatInt(refundID, 10)
}
