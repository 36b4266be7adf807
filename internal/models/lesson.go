package models

import "time"

type Lesson struct {
	ID              int64        `json:"id"`
	TrainerID       int64        `json:"trainer_id"`
	Title           string       `json:"title"`
	StartAt         time.Time    `json:"start_at"`
	DurationMinutes int          `json:"duration_minutes"`
	Price           int64        `json:"price"`
	MaxParticipants int          `json:"max_participants"`
	Status          LessonStatus `json:"status"`
	CancelReason    *string      `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Free lessons skip checkout and are confirmed on booking.
func (l *Lesson) Free() bool {
	return l.Price <= 0
}

type Booking struct {
	ID                int64                `json:"id"`
	LessonID          int64                `json:"lesson_id"`
	ClientID          int64                `json:"client_id"`
	Status            BookingStatus        `json:"status"`
	PaymentStatus     BookingPaymentStatus `json:"payment_status"`
	NoShow            bool                 `json:"no_show"`
	CancelledByRole   *Actor               `json:"cancelled_by_role,omitempty"`
	CancelledByUserID *int64               `json:"cancelled_by_user_id,omitempty"`
	CancelledAt       *time.Time           `json:"cancelled_at,omitempty"`
	CancelReason      *string              `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

type LessonDetail struct {
	Lesson
	ConfirmedCount int `json:"confirmed_count"`
}
