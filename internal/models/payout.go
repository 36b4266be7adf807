package models

import "time"

type PayoutRequest struct {
	ID                 int64        `json:"id"`
	TrainerID          int64        `json:"trainer_id"`
	PeriodEnd          time.Time    `json:"period_end"`
	TotalSales         int64        `json:"total_sales"`
	PlatformFee        int64        `json:"platform_fee"`
	PayoutAmount       int64        `json:"payout_amount"`
	TransferFee        int64        `json:"transfer_fee"`
	NetPayout          int64        `json:"net_payout"`
	PayoutEligibleDate time.Time    `json:"payout_eligible_date"`
	Status             PayoutStatus `json:"status"`
	AdminNotes         *string      `json:"admin_notes,omitempty"`
	ProcessedAt        *time.Time   `json:"processed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type PayoutSummary struct {
	TrainerID          int64     `json:"trainer_id"`
	PeriodEnd          time.Time `json:"period_end"`
	GrossSales         int64     `json:"gross_sales"`
	AlreadyPaidOut     int64     `json:"already_paid_out"`
	EligibleSales      int64     `json:"eligible_sales"`
	PlatformFee        int64     `json:"platform_fee"`
	PayoutAmount       int64     `json:"payout_amount"`
	TransferFee        int64     `json:"transfer_fee"`
	NetPayout          int64     `json:"net_payout"`
	PayoutEligibleDate time.Time `json:"payout_eligible_date"`
}

type BankAccount struct {
	ID            int64     `json:"id"`
	TrainerID     int64     `json:"trainer_id"`
	BankName      string    `json:"bank_name"`
	BankCode      string    `json:"bank_code"`
	BranchCode    string    `json:"branch_code"`
	AccountType   string    `json:"account_type"`
	AccountNumber string    `json:"account_number"`
	HolderName    string    `json:"holder_name"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// PayoutTransferRow is one line of a bank-transfer batch.
type PayoutTransferRow struct {
	PayoutRequestID int64
	TrainerID       int64
	NetPayout       int64
	Account         BankAccount
}
