package models

import "time"

type Payment struct {
	ID              int64         `json:"id"`
	PaymentIntentID string        `json:"payment_intent_id"`
	ChargeID        *string       `json:"charge_id,omitempty"`
	LessonID        int64         `json:"lesson_id"`
	TraineeID       int64         `json:"trainee_id"`
	Amount          int64         `json:"amount"`
	StripeFee       *int64        `json:"stripe_fee,omitempty"`
	NetAmount       *int64        `json:"net_amount,omitempty"`
	Status          PaymentStatus `json:"status"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// RefundableAmount is the net amount when the processor fee is known and the
// gross amount otherwise.
func (p *Payment) RefundableAmount() int64 {
	if p.NetAmount != nil {
		return *p.NetAmount
	}
	return p.Amount
}

type Refund struct {
	ID             int64        `json:"id"`
	PaymentID      int64        `json:"payment_id"`
	LessonID       int64        `json:"lesson_id"`
	TraineeID      int64        `json:"trainee_id"`
	BookingID      *int64       `json:"booking_id,omitempty"`
	Amount         int64        `json:"refund_amount"`
	Reason         string       `json:"reason"`
	Status         RefundStatus `json:"refund_status"`
	StripeRefundID *string      `json:"stripe_refund_id,omitempty"`
	AdminID        *int64       `json:"admin_id,omitempty"`
	AdminNotes     *string      `json:"admin_notes,omitempty"`
	RefundDate     *time.Time   `json:"refund_date,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
