package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutBreakdown struct {
	EligibleSales int64
	PlatformFee   int64
	PayoutAmount  int64
	TransferFee   int64
	NetPayout     int64
}

// ComputePayout splits eligible sales into the platform fee (floored) and the
// trainer's share, then takes the flat transfer fee off the share.
func ComputePayout(eligible int64, feeRate decimal.Decimal, transferFee int64) PayoutBreakdown {
	if eligible < 0 {
		eligible = 0
	}
	fee := decimal.NewFromInt(eligible).Mul(feeRate).Floor().IntPart()
	payout := eligible - fee
	return PayoutBreakdown{
		EligibleSales: eligible,
		PlatformFee:   fee,
		PayoutAmount:  payout,
		TransferFee:   transferFee,
		NetPayout:     payout - transferFee,
	}
}

// PreviousMonthEnd returns the last instant of the calendar month before asOf.
func PreviousMonthEnd(asOf time.Time) time.Time {
	y, m, _ := asOf.Date()
	firstOfMonth := time.Date(y, m, 1, 0, 0, 0, 0, asOf.Location())
	return firstOfMonth.Add(-time.Nanosecond)
}

// AddBusinessDays advances t by n weekdays. No holiday calendar is applied.
func AddBusinessDays(t time.Time, n int) time.Time {
	result := t
	for added := 0; added < n; {
		result = result.AddDate(0, 0, 1)
		if wd := result.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return result
}
