package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyBookingConfirmed    NotificationType = "booking_confirmed"
	NotifyBookingCancelled    NotificationType = "booking_cancelled"
	NotifyLessonCancelled     NotificationType = "lesson_cancelled"
	NotifyRefundRequested     NotificationType = "refund_requested"
	NotifyRefundApproved      NotificationType = "refund_approved"
	NotifyRefundRejected      NotificationType = "refund_rejected"
	NotifyRefundCompleted     NotificationType = "refund_completed"
	NotifyPaymentFailed       NotificationType = "payment_failed"
	NotifyPaymentDisputed     NotificationType = "payment_disputed"
	NotifyPayoutRequested     NotificationType = "payout_requested"
	NotifyPayoutStatusChanged NotificationType = "payout_status_changed"
)

// OutboxEvent is appended in the same transaction as the state change it reports.
type OutboxEvent struct {
	ID              uuid.UUID        `json:"id"`
	Type            NotificationType `json:"type"`
	RecipientUserID *int64           `json:"recipient_user_id,omitempty"`
	RecipientRole   *Role            `json:"recipient_role,omitempty"`
	Title           string           `json:"title"`
	Body            string           `json:"body"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DispatchedAt    *time.Time       `json:"dispatched_at,omitempty"`
	// Attempts counts failed publishes. Pending events are claimed fewest first.
	Attempts int `json:"attempts,omitempty"`
}

type Notification struct {
	ID        int64            `json:"id"`
	EventID   uuid.UUID        `json:"event_id"`
	UserID    *int64           `json:"user_id,omitempty"`
	Role      *Role            `json:"role,omitempty"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}
