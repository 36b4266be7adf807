package models

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleClient  Role = "client"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

// Actor is the party that initiated a cancellation.
type Actor string

const (
	ActorTrainer Actor = "trainer"
	ActorClient  Actor = "client"
)

type LessonStatus string

const (
	LessonScheduled LessonStatus = "scheduled"
	LessonCancelled LessonStatus = "cancelled"
	LessonCompleted LessonStatus = "completed"
)

func (s LessonStatus) Terminal() bool {
	return s == LessonCancelled || s == LessonCompleted
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingReserved  BookingStatus = "reserved"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Cancellable reports whether a client or trainer may cancel a booking in this state.
func (s BookingStatus) Cancellable() bool {
	return s == BookingConfirmed || s == BookingReserved
}

type BookingPaymentStatus string

const (
	BookingPaymentPending  BookingPaymentStatus = "pending"
	BookingPaymentPaid     BookingPaymentStatus = "paid"
	BookingPaymentRefunded BookingPaymentStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentFailed    PaymentStatus = "failed"
)

type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRefunded RefundStatus = "refunded"
	RefundRejected RefundStatus = "rejected"
)

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutPaid     PayoutStatus = "paid"
	PayoutRejected PayoutStatus = "rejected"
)

func normalizeRaw(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParsePaymentStatus maps stored or gateway-provided spellings onto the canonical
// payment status. Every "money received" synonym collapses to PaymentPaid.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch normalizeRaw(raw) {
	case "pending", "requires_payment_method", "requires_confirmation", "requires_action", "processing":
		return PaymentPending, nil
	case "paid", "succeeded", "completed", "paid_out":
		return PaymentPaid, nil
	case "refunded":
		return PaymentRefunded, nil
	case "cancelled", "canceled":
		return PaymentCancelled, nil
	case "failed", "requires_payment_method_failed":
		return PaymentFailed, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", raw)
	}
}

func ParseBookingStatus(raw string) (BookingStatus, error) {
	switch normalizeRaw(raw) {
	case "pending":
		return BookingPending, nil
	case "reserved":
		return BookingReserved, nil
	case "confirmed":
		return BookingConfirmed, nil
	case "cancelled", "canceled":
		return BookingCancelled, nil
	case "completed":
		return BookingCompleted, nil
	default:
		return "", fmt.Errorf("unknown booking status %q", raw)
	}
}

func ParseBookingPaymentStatus(raw string) (BookingPaymentStatus, error) {
	switch normalizeRaw(raw) {
	case "pending", "unpaid":
		return BookingPaymentPending, nil
	case "paid", "succeeded", "completed", "paid_out":
		return BookingPaymentPaid, nil
	case "refunded":
		return BookingPaymentRefunded, nil
	default:
		return "", fmt.Errorf("unknown booking payment status %q", raw)
	}
}

func ParseLessonStatus(raw string) (LessonStatus, error) {
	switch normalizeRaw(raw) {
	case "scheduled":
		return LessonScheduled, nil
	case "cancelled", "canceled":
		return LessonCancelled, nil
	case "completed":
		return LessonCompleted, nil
	default:
		return "", fmt.Errorf("unknown lesson status %q", raw)
	}
}

func ParseRefundStatus(raw string) (RefundStatus, error) {
	switch normalizeRaw(raw) {
	case "pending":
		return RefundPending, nil
	case "approved":
		return RefundApproved, nil
	case "refunded", "succeeded":
		return RefundRefunded, nil
	case "rejected":
		return RefundRejected, nil
	default:
		return "", fmt.Errorf("unknown refund status %q", raw)
	}
}

func ParsePayoutStatus(raw string) (PayoutStatus, error) {
	switch normalizeRaw(raw) {
	case "pending":
		return PayoutPending, nil
	case "approved":
		return PayoutApproved, nil
	case "paid":
		return PayoutPaid, nil
	case "rejected":
		return PayoutRejected, nil
	default:
		return "", fmt.Errorf("unknown payout status %q", raw)
	}
}
