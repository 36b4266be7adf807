package repository

import (
	"context"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type CreatePayoutInput struct {
	TrainerID          int64
	PeriodEnd          time.Time
	TotalSales         int64
	PlatformFee        int64
	PayoutAmount       int64
	TransferFee        int64
	NetPayout          int64
	PayoutEligibleDate time.Time
}

type PayoutRepository struct {
	db DBTX
}

func NewPayoutRepository(db DBTX) *PayoutRepository {
	return &PayoutRepository{db: db}
}

const payoutColumns = `id, trainer_id, period_end, total_sales, platform_fee, payout_amount, transfer_fee, net_payout, payout_eligible_date, status, admin_notes, processed_at, created_at, updated_at`

func scanPayout(row rowScanner) (*models.PayoutRequest, error) {
	var (
		payout models.PayoutRequest
		status string
	)
	if err := row.Scan(
		&payout.ID,
		&payout.TrainerID,
		&payout.PeriodEnd,
		&payout.TotalSales,
		&payout.PlatformFee,
		&payout.PayoutAmount,
		&payout.TransferFee,
		&payout.NetPayout,
		&payout.PayoutEligibleDate,
		&status,
		&payout.AdminNotes,
		&payout.ProcessedAt,
		&payout.CreatedAt,
		&payout.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := models.ParsePayoutStatus(status)
	if err != nil {
		return nil, err
	}
	payout.Status = parsed
	return &payout, nil
}

// SumEligibleSales totals paid payments on the trainer's completed lessons that
// were captured at or before periodEnd.
func (r *PayoutRepository) SumEligibleSales(ctx context.Context, trainerID int64, periodEnd time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN lessons l ON l.id = p.lesson_id
		WHERE l.trainer_id = $1
			AND l.status = 'completed'
			AND p.status = 'paid'
			AND p.paid_at <= $2
	`
	var total int64
	if err := r.db.QueryRow(ctx, query, trainerID, periodEnd.UTC()).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *PayoutRepository) SumPaidOutSales(ctx context.Context, trainerID int64) (int64, error) {
	query := `
		SELECT COALESCE(SUM(total_sales), 0)
		FROM payout_requests
		WHERE trainer_id = $1 AND status = 'paid'
	`
	var total int64
	if err := r.db.QueryRow(ctx, query, trainerID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// LockTrainer takes a transaction-scoped advisory lock so payout creation for a
// trainer is serialized.
func (r *PayoutRepository) LockTrainer(ctx context.Context, trainerID int64) error {
	_, err := r.db.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", trainerID)
	return err
}

func (r *PayoutRepository) HasOpenRequest(ctx context.Context, trainerID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payout_requests
			WHERE trainer_id = $1 AND status IN ('pending', 'approved')
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, trainerID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PayoutRepository) Create(ctx context.Context, input CreatePayoutInput) (*models.PayoutRequest, error) {
	query := `
		INSERT INTO payout_requests (
			trainer_id, period_end, total_sales, platform_fee, payout_amount,
			transfer_fee, net_payout, payout_eligible_date, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		RETURNING ` + payoutColumns

	return scanPayout(r.db.QueryRow(
		ctx,
		query,
		input.TrainerID,
		input.PeriodEnd.UTC(),
		input.TotalSales,
		input.PlatformFee,
		input.PayoutAmount,
		input.TransferFee,
		input.NetPayout,
		input.PayoutEligibleDate.UTC(),
	))
}

func (r *PayoutRepository) GetByID(ctx context.Context, payoutID int64) (*models.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_requests WHERE id = $1`
	return scanPayout(r.db.QueryRow(ctx, query, payoutID))
}

func (r *PayoutRepository) ListForTrainer(ctx context.Context, trainerID int64) ([]models.PayoutRequest, error) {
	query := `
		SELECT ` + payoutColumns + `
		FROM payout_requests
		WHERE trainer_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, trainerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := make([]models.PayoutRequest, 0)
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *PayoutRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	payoutID int64,
	currentStatus models.PayoutStatus,
	nextStatus models.PayoutStatus,
	notes *string,
	processedAt time.Time,
) (*models.PayoutRequest, error) {
	query := `
		UPDATE payout_requests
		SET status = $3,
			admin_notes = COALESCE($4, admin_notes),
			processed_at = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + payoutColumns

	return scanPayout(r.db.QueryRow(
		ctx,
		query,
		payoutID,
		string(currentStatus),
		string(nextStatus),
		notes,
		processedAt.UTC(),
	))
}

// ListTransferRowsForUpdate locks approved requests that have a verified bank
// account. An empty ids slice selects every such request.
func (r *PayoutRepository) ListTransferRowsForUpdate(ctx context.Context, ids []int64) ([]models.PayoutTransferRow, error) {
	query := `
		SELECT pr.id, pr.trainer_id, pr.net_payout,
			ba.id, ba.trainer_id, ba.bank_name, ba.bank_code, ba.branch_code,
			ba.account_type, ba.account_number, ba.holder_name, ba.verified, ba.created_at
		FROM payout_requests pr
		JOIN trainer_bank_accounts ba ON ba.trainer_id = pr.trainer_id
		WHERE pr.status = 'approved'
			AND ba.verified = TRUE
			AND (cardinality($1::bigint[]) = 0 OR pr.id = ANY($1))
		ORDER BY pr.id
		FOR UPDATE OF pr
	`
	if ids == nil {
		ids = []int64{}
	}

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]models.PayoutTransferRow, 0)
	for rows.Next() {
		var row models.PayoutTransferRow
		if err := rows.Scan(
			&row.PayoutRequestID,
			&row.TrainerID,
			&row.NetPayout,
			&row.Account.ID,
			&row.Account.TrainerID,
			&row.Account.BankName,
			&row.Account.BankCode,
			&row.Account.BranchCode,
			&row.Account.AccountType,
			&row.Account.AccountNumber,
			&row.Account.HolderName,
			&row.Account.Verified,
			&row.Account.CreatedAt,
		); err != nil {
			return nil, err
		}
		transfers = append(transfers, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (r *PayoutRepository) MarkPaid(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_requests
		SET status = 'paid', processed_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'approved'
	`, ids, at.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
