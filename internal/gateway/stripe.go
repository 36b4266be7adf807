package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
	}, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	metadata := map[string]string{
		MetadataLessonID:  strconv.FormatInt(req.LessonID, 10),
		MetadataTraineeID: strconv.FormatInt(req.TraineeID, 10),
		MetadataBookingID: strconv.FormatInt(req.BookingID, 10),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.BookingID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Title),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")

	intent, err := g.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return convertPaymentIntent(intent), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentIntentID == "" && req.ChargeID == "" {
		return nil, fmt.Errorf("%w: refund needs a payment intent or charge", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.Amount),
	}
	if req.PaymentIntentID != "" {
		params.PaymentIntent = stripe.String(req.PaymentIntentID)
	} else {
		params.Charge = stripe.String(req.ChargeID)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &RefundResult{ID: refund.ID, Status: string(refund.Status)}, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event object.
// Types reconciliation does not handle come back with only ID and Type set.
func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(event)
}

func decodeEvent(event stripe.Event) (*Event, error) {
	out := &Event{ID: event.ID, Type: EventType(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentIntent = convertPaymentIntent(&intent)
	case EventChargeSucceeded, EventChargeUpdated, EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.Charge = convertCharge(&charge)
	case EventDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		out.Dispute = convertDispute(&dispute)
	}
	return out, nil
}

func convertPaymentIntent(intent *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:       intent.ID,
		Status:   string(intent.Status),
		Amount:   intent.Amount,
		Metadata: intent.Metadata,
	}
	if intent.AmountReceived > 0 {
		out.Amount = intent.AmountReceived
	}
	if intent.LatestCharge != nil {
		out.ChargeID = intent.LatestCharge.ID
		out.Fees = feesFrom(intent.LatestCharge.BalanceTransaction)
	}
	return out
}

func convertCharge(charge *stripe.Charge) *Charge {
	out := &Charge{
		ID:             charge.ID,
		Amount:         charge.Amount,
		AmountRefunded: charge.AmountRefunded,
		Refunded:       charge.Refunded,
		Fees:           feesFrom(charge.BalanceTransaction),
		Metadata:       charge.Metadata,
	}
	if charge.PaymentIntent != nil {
		out.PaymentIntentID = charge.PaymentIntent.ID
	}
	if charge.Refunds != nil {
		for _, refund := range charge.Refunds.Data {
			if refund != nil && refund.ID != "" {
				out.RefundIDs = append(out.RefundIDs, refund.ID)
			}
		}
	}
	return out
}

func convertDispute(dispute *stripe.Dispute) *Dispute {
	out := &Dispute{
		ID:     dispute.ID,
		Amount: dispute.Amount,
		Reason: string(dispute.Reason),
		Status: string(dispute.Status),
	}
	if dispute.Charge != nil {
		out.ChargeID = dispute.Charge.ID
	}
	if dispute.PaymentIntent != nil {
		out.PaymentIntentID = dispute.PaymentIntent.ID
	}
	return out
}

// Webhook payloads carry the balance transaction as a bare id; only an expanded
// object has fee data.
func feesFrom(bt *stripe.BalanceTransaction) *FeeBreakdown {
	if bt == nil || bt.Amount == 0 {
		return nil
	}
	return &FeeBreakdown{Fee: bt.Fee, Net: bt.Net}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status >= http.StatusBadRequest && status < http.StatusInternalServerError &&
			status != http.StatusTooManyRequests && status != http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrRejected, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
