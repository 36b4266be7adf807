package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/policy"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
	"github.com/shopspring/decimal"
)

type PayoutConfig struct {
	FeeRate             decimal.Decimal
	TransferFee         int64
	WaitingBusinessDays int
}

type PayoutService struct {
	tx       TxRunner
	cfg      PayoutConfig
	location *time.Location
	now      func() time.Time
}

func NewPayoutService(tx TxRunner, cfg PayoutConfig, location *time.Location) *PayoutService {
	if location == nil {
		location = time.UTC
	}
	return &PayoutService{tx: tx, cfg: cfg, location: location, now: time.Now}
}

func (s *PayoutService) ComputePayoutSummary(ctx context.Context, trainerID int64, asOf time.Time) (*models.PayoutSummary, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.summary(ctx, s.tx.Stores(), trainerID, asOf)
}

func (s *PayoutService) summary(ctx context.Context, st Stores, trainerID int64, asOf time.Time) (*models.PayoutSummary, error) {
	periodEnd := policy.PreviousMonthEnd(asOf.In(s.location))

	gross, err := st.Payouts.SumEligibleSales(ctx, trainerID, periodEnd)
	if err != nil {
		return nil, err
	}
	paidOut, err := st.Payouts.SumPaidOutSales(ctx, trainerID)
	if err != nil {
		return nil, err
	}

	eligible := gross - paidOut
	if eligible < 0 {
		eligible = 0
	}
	breakdown := policy.ComputePayout(eligible, s.cfg.FeeRate, s.cfg.TransferFee)

	return &models.PayoutSummary{
		TrainerID:          trainerID,
		PeriodEnd:          periodEnd,
		GrossSales:         gross,
		AlreadyPaidOut:     paidOut,
		EligibleSales:      breakdown.EligibleSales,
		PlatformFee:        breakdown.PlatformFee,
		PayoutAmount:       breakdown.PayoutAmount,
		TransferFee:        breakdown.TransferFee,
		NetPayout:          breakdown.NetPayout,
		PayoutEligibleDate: policy.AddBusinessDays(periodEnd, s.cfg.WaitingBusinessDays),
	}, nil
}

// CreatePayoutRequest claims the trainer's eligible sales. Only one pending or
// approved request may exist per trainer; the advisory lock serializes
// concurrent attempts before the partial unique index is hit.
func (s *PayoutService) CreatePayoutRequest(ctx context.Context, trainerID int64) (*models.PayoutRequest, error) {
	var request *models.PayoutRequest
	err := s.tx.InTx(ctx, func(st Stores) error {
		if err := st.Payouts.LockTrainer(ctx, trainerID); err != nil {
			return err
		}

		open, err := st.Payouts.HasOpenRequest(ctx, trainerID)
		if err != nil {
			return err
		}
		if open {
			return ErrOpenPayoutRequest
		}

		summary, err := s.summary(ctx, st, trainerID, s.now())
		if err != nil {
			return err
		}
		if summary.EligibleSales <= 0 {
			return ErrNothingToPayOut
		}

		account, err := st.BankAccounts.GetByTrainerID(ctx, trainerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBankAccountNotVerified
			}
			return err
		}
		if !account.Verified {
			return ErrBankAccountNotVerified
		}
		if summary.NetPayout <= 0 {
			return fmt.Errorf("%w: net payout after the transfer fee is %d", ErrInvalidStateTransition, summary.NetPayout)
		}

		request, err = st.Payouts.Create(ctx, repository.CreatePayoutInput{
			TrainerID:          trainerID,
			PeriodEnd:          summary.PeriodEnd,
			TotalSales:         summary.EligibleSales,
			PlatformFee:        summary.PlatformFee,
			PayoutAmount:       summary.PayoutAmount,
			TransferFee:        summary.TransferFee,
			NetPayout:          summary.NetPayout,
			PayoutEligibleDate: summary.PayoutEligibleDate,
		})
		if err != nil {
			if isUniqueViolation(err) {
				return ErrOpenPayoutRequest
			}
			return err
		}

		return appendEvents(ctx, st, newAdminEvent(models.NotifyPayoutRequested,
			"Payout requested",
			fmt.Sprintf("Trainer #%d requested a payout of %d.", trainerID, request.NetPayout),
			map[string]any{"payout_request_id": request.ID, "trainer_id": trainerID}))
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (s *PayoutService) ListPayoutRequests(ctx context.Context, trainerID int64) ([]models.PayoutRequest, error) {
	return s.tx.Stores().Payouts.ListForTrainer(ctx, trainerID)
}

func (s *PayoutService) ApprovePayout(ctx context.Context, adminID int64, payoutID int64, notes *string) (*models.PayoutRequest, error) {
	return s.transition(ctx, adminID, payoutID, models.PayoutPending, models.PayoutApproved, notes)
}

func (s *PayoutService) RejectPayout(ctx context.Context, adminID int64, payoutID int64, notes *string) (*models.PayoutRequest, error) {
	return s.transition(ctx, adminID, payoutID, models.PayoutPending, models.PayoutRejected, notes)
}

func (s *PayoutService) transition(
	ctx context.Context,
	adminID int64,
	payoutID int64,
	current models.PayoutStatus,
	next models.PayoutStatus,
	notes *string,
) (*models.PayoutRequest, error) {
	var updated *models.PayoutRequest
	err := s.tx.InTx(ctx, func(st Stores) error {
		var err error
		updated, err = st.Payouts.UpdateStatusIfCurrent(ctx, payoutID, current, next, notes, s.now())
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if _, getErr := st.Payouts.GetByID(ctx, payoutID); getErr != nil {
					return notFound(getErr)
				}
				return ErrInvalidStateTransition
			}
			return err
		}
		log.Printf("payout: admin %d moved request %d to %s", adminID, payoutID, next)

		return appendEvents(ctx, st, payoutStatusEvent(updated))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

var payoutCSVHeader = []string{
	"payout_request_id",
	"bank_code",
	"branch_code",
	"account_type",
	"account_number",
	"holder_name",
	"net_payout",
}

// ExportPayoutCSV writes a bank-transfer batch for approved requests with a
// verified bank account and marks them paid in the same transaction. An empty
// ids slice exports every eligible request.
func (s *PayoutService) ExportPayoutCSV(ctx context.Context, adminID int64, ids []int64) ([]byte, int, error) {
	var (
		buf      bytes.Buffer
		exported int
	)
	err := s.tx.InTx(ctx, func(st Stores) error {
		buf.Reset()
		rows, err := st.Payouts.ListTransferRowsForUpdate(ctx, ids)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(&buf)
		if err := writer.Write(payoutCSVHeader); err != nil {
			return err
		}
		paidIDs := make([]int64, 0, len(rows))
		for _, row := range rows {
			record := []string{
				strconv.FormatInt(row.PayoutRequestID, 10),
				row.Account.BankCode,
				row.Account.BranchCode,
				row.Account.AccountType,
				row.Account.AccountNumber,
				row.Account.HolderName,
				strconv.FormatInt(row.NetPayout, 10),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
			paidIDs = append(paidIDs, row.PayoutRequestID)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return err
		}

		marked, err := st.Payouts.MarkPaid(ctx, paidIDs, s.now())
		if err != nil {
			return err
		}
		if int(marked) != len(paidIDs) {
			return fmt.Errorf("%w: marked %d of %d payout requests paid", ErrDataIntegrity, marked, len(paidIDs))
		}

		events := make([]models.OutboxEvent, 0, len(rows))
		for _, row := range rows {
			trainerID := row.TrainerID
			events = append(events, newUserEvent(trainerID, models.NotifyPayoutStatusChanged,
				"Payout sent",
				fmt.Sprintf("Your payout of %d has been included in a bank transfer batch.", row.NetPayout),
				map[string]any{"payout_request_id": row.PayoutRequestID, "status": string(models.PayoutPaid)}))
		}
		exported = len(paidIDs)
		return appendEvents(ctx, st, events...)
	})
	if err != nil {
		return nil, 0, err
	}
	log.Printf("payout: admin %d exported %d transfer(s)", adminID, exported)
	return buf.Bytes(), exported, nil
}

func payoutStatusEvent(request *models.PayoutRequest) models.OutboxEvent {
	body := fmt.Sprintf("Your payout request #%d is now %s.", request.ID, request.Status)
	if request.AdminNotes != nil && *request.AdminNotes != "" {
		body = fmt.Sprintf("%s Note: %s", body, *request.AdminNotes)
	}
	return newUserEvent(request.TrainerID, models.NotifyPayoutStatusChanged, "Payout request updated", body,
		map[string]any{"payout_request_id": request.ID, "status": string(request.Status)})
}
