package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type CreateRefundInput struct {
	PaymentID int64
	LessonID  int64
	TraineeID int64
	BookingID *int64
	Amount    int64
	Reason    string
}

type ListRefundsFilter struct {
	Status *models.RefundStatus
	Limit  int
	Offset int
}

type RefundRepository struct {
	db DBTX
}

func NewRefundRepository(db DBTX) *RefundRepository {
	return &RefundRepository{db: db}
}

const refundColumns = `id, payment_id, lesson_id, trainee_id, booking_id, refund_amount, reason, refund_status, stripe_refund_id, admin_id, admin_notes, refund_date, created_at, updated_at`

func scanRefund(row rowScanner) (*models.Refund, error) {
	var (
		refund models.Refund
		status string
	)
	if err := row.Scan(
		&refund.ID,
		&refund.PaymentID,
		&refund.LessonID,
		&refund.TraineeID,
		&refund.BookingID,
		&refund.Amount,
		&refund.Reason,
		&status,
		&refund.StripeRefundID,
		&refund.AdminID,
		&refund.AdminNotes,
		&refund.RefundDate,
		&refund.CreatedAt,
		&refund.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := models.ParseRefundStatus(status)
	if err != nil {
		return nil, err
	}
	refund.Status = parsed
	return &refund, nil
}

// CreatePending inserts a pending refund unless the payment already has a
// non-rejected one, in which case the existing row is returned with created=false.
func (r *RefundRepository) CreatePending(ctx context.Context, input CreateRefundInput) (*models.Refund, bool, error) {
	query := `
		INSERT INTO refunds (payment_id, lesson_id, trainee_id, booking_id, refund_amount, reason, refund_status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (payment_id) WHERE refund_status <> 'rejected' DO NOTHING
		RETURNING ` + refundColumns

	refund, err := scanRefund(r.db.QueryRow(
		ctx,
		query,
		input.PaymentID,
		input.LessonID,
		input.TraineeID,
		input.BookingID,
		input.Amount,
		input.Reason,
	))
	if err == nil {
		return refund, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.FindActiveByPaymentID(ctx, input.PaymentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *RefundRepository) GetByID(ctx context.Context, refundID int64) (*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	return scanRefund(r.db.QueryRow(ctx, query, refundID))
}

func (r *RefundRepository) GetByIDForUpdate(ctx context.Context, refundID int64) (*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1 FOR UPDATE`
	return scanRefund(r.db.QueryRow(ctx, query, refundID))
}

func (r *RefundRepository) GetByStripeRefundID(ctx context.Context, stripeRefundID string) (*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE stripe_refund_id = $1`
	return scanRefund(r.db.QueryRow(ctx, query, stripeRefundID))
}

func (r *RefundRepository) FindActiveByPaymentID(ctx context.Context, paymentID int64) (*models.Refund, error) {
	query := `
		SELECT ` + refundColumns + `
		FROM refunds
		WHERE payment_id = $1 AND refund_status <> 'rejected'
		ORDER BY id DESC
		LIMIT 1
	`
	return scanRefund(r.db.QueryRow(ctx, query, paymentID))
}

// MarkApproved moves a pending refund to approved and records the gateway
// refund id. pgx.ErrNoRows means another request already advanced it.
func (r *RefundRepository) MarkApproved(
	ctx context.Context,
	refundID int64,
	adminID int64,
	notes *string,
	stripeRefundID string,
	amount int64,
) (*models.Refund, error) {
	query := `
		UPDATE refunds
		SET refund_status = 'approved',
			stripe_refund_id = $4,
			refund_amount = $5,
			admin_id = $2,
			admin_notes = $3,
			updated_at = NOW()
		WHERE id = $1 AND refund_status = 'pending' AND stripe_refund_id IS NULL
		RETURNING ` + refundColumns

	return scanRefund(r.db.QueryRow(ctx, query, refundID, adminID, notes, stripeRefundID, amount))
}

// MarkRefunded finalizes a pending or approved refund. Admin fields are only
// written when supplied.
func (r *RefundRepository) MarkRefunded(
	ctx context.Context,
	refundID int64,
	adminID *int64,
	notes *string,
	stripeRefundID *string,
	at time.Time,
) (*models.Refund, error) {
	query := `
		UPDATE refunds
		SET refund_status = 'refunded',
			admin_id = COALESCE($2, admin_id),
			admin_notes = COALESCE($3, admin_notes),
			stripe_refund_id = COALESCE(stripe_refund_id, $4),
			refund_date = $5,
			updated_at = NOW()
		WHERE id = $1 AND refund_status IN ('pending', 'approved')
		RETURNING ` + refundColumns

	return scanRefund(r.db.QueryRow(ctx, query, refundID, adminID, notes, stripeRefundID, at.UTC()))
}

func (r *RefundRepository) MarkRejected(ctx context.Context, refundID int64, adminID int64, notes *string) (*models.Refund, error) {
	query := `
		UPDATE refunds
		SET refund_status = 'rejected', admin_id = $2, admin_notes = $3, updated_at = NOW()
		WHERE id = $1 AND refund_status = 'pending'
		RETURNING ` + refundColumns

	return scanRefund(r.db.QueryRow(ctx, query, refundID, adminID, notes))
}

func (r *RefundRepository) List(ctx context.Context, filter ListRefundsFilter) ([]models.Refund, int, error) {
	var status *string
	if filter.Status != nil {
		value := string(*filter.Status)
		status = &value
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM refunds WHERE ($1::text IS NULL OR refund_status = $1)`
	if err := r.db.QueryRow(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + refundColumns + `
		FROM refunds
		WHERE ($1::text IS NULL OR refund_status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	refunds := make([]models.Refund, 0)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, 0, err
		}
		refunds = append(refunds, *refund)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return refunds, total, nil
}
