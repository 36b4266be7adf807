package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

const testAdminID int64 = 1

func newRefundFixture(t *testing.T) (*memDB, *fakeGateway, *RefundService) {
	t.Helper()
	db := newMemDB()
	gw := newFakeGateway()
	svc := NewRefundService(db, gw)
	svc.now = fixedClock(time.Date(2024, 6, 20, 12, 0, 0, 0, jst))
	return db, gw, svc
}

// seedRefund creates a lesson, a cancelled paid booking, its payment and a
// pending refund for it.
func seedRefund(db *memDB, amount int64, net *int64) (models.Booking, models.Payment, models.Refund) {
	lesson := paidLesson(db, 5)
	booking := db.addBooking(models.Booking{
		LessonID: lesson.ID, ClientID: 1,
		Status: models.BookingCancelled, PaymentStatus: models.BookingPaymentPaid,
	})
	payment := db.addPayment(models.Payment{
		PaymentIntentID: "pi_refund",
		ChargeID:        stringPtr("ch_refund"),
		LessonID:        lesson.ID,
		TraineeID:       1,
		Amount:          5000,
		NetAmount:       net,
		Status:          models.PaymentPaid,
	})
	refund := db.addRefund(models.Refund{
		PaymentID: payment.ID,
		LessonID:  lesson.ID,
		TraineeID: 1,
		BookingID: &booking.ID,
		Amount:    amount,
		Reason:    "cancelled by client",
		Status:    models.RefundPending,
	})
	return booking, payment, refund
}

func TestApproveRefundCallsGatewayOnce(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 4820, int64Ptr(4820))

	first, err := svc.Approve(context.Background(), testAdminID, refund.ID, stringPtr("ok"))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if first.Status != models.RefundApproved || first.StripeRefundID == nil || *first.StripeRefundID != "re_1" {
		t.Fatalf("unexpected approved refund %+v", first)
	}

	second, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil)
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if second.Status != models.RefundApproved || *second.StripeRefundID != "re_1" {
		t.Fatalf("second approval changed the refund: %+v", second)
	}
	if len(gw.refundCalls) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(gw.refundCalls))
	}
	call := gw.refundCalls[0]
	if call.IdempotencyKey != gateway.RefundIdempotencyKey(refund.ID) || call.Amount != 4820 || call.PaymentIntentID != "pi_refund" {
		t.Fatalf("unexpected refund request %+v", call)
	}
	if got := len(db.eventsOfType(models.NotifyRefundApproved)); got != 1 {
		t.Fatalf("expected one approval notification, got %d", got)
	}
}

func TestApproveRefundConcurrentApprovalsShareOneGatewayRefund(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 4820, int64Ptr(4820))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil); err != nil {
				t.Errorf("Approve: %v", err)
			}
		}()
	}
	wg.Wait()

	if gw.refundCount() != 1 {
		t.Fatalf("expected one processor-side refund, got %d", gw.refundCount())
	}
	stored := db.refund(refund.ID)
	if stored.Status != models.RefundApproved || stored.StripeRefundID == nil {
		t.Fatalf("expected approved refund with processor id, got %+v", stored)
	}
}

func TestApproveRefundZeroAmountFinalizesLocally(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	booking, payment, refund := seedRefund(db, 0, int64Ptr(4820))

	finalized, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if finalized.Status != models.RefundRefunded || finalized.RefundDate == nil {
		t.Fatalf("expected refunded with a refund date, got %+v", finalized)
	}
	if len(gw.refundCalls) != 0 {
		t.Fatalf("zero-amount refund must not reach the gateway")
	}
	if db.payment(payment.ID).Status != models.PaymentRefunded {
		t.Fatalf("expected payment refunded")
	}
	if db.booking(booking.ID).PaymentStatus != models.BookingPaymentRefunded {
		t.Fatalf("expected booking payment_status refunded")
	}
	if got := len(db.eventsOfType(models.NotifyRefundCompleted)); got != 1 {
		t.Fatalf("expected refund_completed notification, got %d", got)
	}
}

func TestApproveRefundGatewayFailureLeavesPending(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 4820, int64Ptr(4820))
	gw.refundErr = gateway.ErrUnavailable

	_, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if db.refund(refund.ID).Status != models.RefundPending {
		t.Fatalf("refund must stay pending after a gateway failure")
	}

	gw.refundErr = nil
	approved, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil)
	if err != nil {
		t.Fatalf("retry Approve: %v", err)
	}
	if approved.Status != models.RefundApproved {
		t.Fatalf("expected approved on retry, got %s", approved.Status)
	}
	for _, call := range gw.refundCalls {
		if call.IdempotencyKey != gateway.RefundIdempotencyKey(refund.ID) {
			t.Fatalf("retry used a different idempotency key: %q", call.IdempotencyKey)
		}
	}
}

func TestApproveRefundGatewayRejection(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 4820, int64Ptr(4820))
	gw.refundErr = gateway.ErrRejected

	if _, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil); !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
}

func TestApproveRefundClampsToNetAmount(t *testing.T) {
	db, gw, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 5000, int64Ptr(4820))

	approved, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if gw.refundCalls[0].Amount != 4820 || approved.Amount != 4820 {
		t.Fatalf("expected refund clamped to 4820, got request %d stored %d", gw.refundCalls[0].Amount, approved.Amount)
	}
}

func TestApproveRefundWithoutChargeReference(t *testing.T) {
	db, _, svc := newRefundFixture(t)
	lesson := paidLesson(db, 5)
	payment := db.addPayment(models.Payment{LessonID: lesson.ID, TraineeID: 1, Amount: 5000, Status: models.PaymentPaid})
	refund := db.addRefund(models.Refund{PaymentID: payment.ID, LessonID: lesson.ID, TraineeID: 1, Amount: 5000, Status: models.RefundPending})

	if _, err := svc.Approve(context.Background(), testAdminID, refund.ID, nil); !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestRejectRefundOnlyFromPending(t *testing.T) {
	db, _, svc := newRefundFixture(t)
	_, _, refund := seedRefund(db, 4820, nil)

	rejected, err := svc.Reject(context.Background(), testAdminID, refund.ID, stringPtr("outside policy"))
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != models.RefundRejected || rejected.AdminID == nil || *rejected.AdminID != testAdminID {
		t.Fatalf("unexpected rejected refund %+v", rejected)
	}
	if _, err := svc.Reject(context.Background(), testAdminID, refund.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second reject, got %v", err)
	}
	if _, err := svc.Reject(context.Background(), testAdminID, 98765, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := len(db.eventsOfType(models.NotifyRefundRejected)); got != 1 {
		t.Fatalf("expected one rejection notification, got %d", got)
	}
}

func TestCreateRefundRequestIsIdempotentPerPayment(t *testing.T) {
	db, _, svc := newRefundFixture(t)
	lesson := paidLesson(db, 5)
	payment := paidPayment(db, lesson.ID, 1, "pi_1", int64Ptr(4820))
	input := CreateRefundInput{LessonID: lesson.ID, TraineeID: 1, PaymentID: payment.ID, Amount: 4820, Reason: "manual"}

	first, err := svc.CreateRefundRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateRefundRequest: %v", err)
	}
	second, err := svc.CreateRefundRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("second CreateRefundRequest: %v", err)
	}
	if first.ID != second.ID || len(db.allRefunds()) != 1 {
		t.Fatalf("expected a single refund row, got %d", len(db.allRefunds()))
	}
	if got := len(db.eventsOfType(models.NotifyRefundRequested)); got != 1 {
		t.Fatalf("expected one admin notification, got %d", got)
	}

	input.TraineeID = 2
	if _, err := svc.CreateRefundRequest(context.Background(), input); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for mismatched trainee, got %v", err)
	}
}

func TestListRefundsFiltersByStatus(t *testing.T) {
	db, _, svc := newRefundFixture(t)
	seedRefund(db, 100, nil)
	_, _, other := seedRefund(db, 200, nil)
	if _, err := svc.Reject(context.Background(), testAdminID, other.ID, nil); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	refunds, meta, err := svc.ListRefunds(context.Background(), "pending", 1, 10)
	if err != nil {
		t.Fatalf("ListRefunds: %v", err)
	}
	if len(refunds) != 1 || meta.Total != 1 || meta.TotalPages != 1 {
		t.Fatalf("expected one pending refund, got %d (meta %+v)", len(refunds), meta)
	}
	if _, _, err := svc.ListRefunds(context.Background(), "bogus", 1, 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
}
