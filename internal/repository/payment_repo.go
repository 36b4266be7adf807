package repository

import (
	"context"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type UpsertPaymentInput struct {
	PaymentIntentID string
	ChargeID        *string
	LessonID        int64
	TraineeID       int64
	Amount          int64
	StripeFee       *int64
	NetAmount       *int64
	Status          models.PaymentStatus
	PaidAt          *time.Time
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, payment_intent_id, charge_id, lesson_id, trainee_id, amount, stripe_fee, net_amount, status, paid_at, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		payment models.Payment
		status  string
	)
	if err := row.Scan(
		&payment.ID,
		&payment.PaymentIntentID,
		&payment.ChargeID,
		&payment.LessonID,
		&payment.TraineeID,
		&payment.Amount,
		&payment.StripeFee,
		&payment.NetAmount,
		&status,
		&payment.PaidAt,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := models.ParsePaymentStatus(status)
	if err != nil {
		return nil, err
	}
	payment.Status = parsed
	return &payment, nil
}

// UpsertByIntent inserts or updates the payment keyed by payment_intent_id.
// A refunded payment keeps its status, and a paid one is never moved back to
// pending or failed, so redelivered or reordered events cannot regress it. Fee
// columns and paid_at are only filled when still empty.
//
// The returned flag reports whether the row's status changed: true on insert
// or when the previous status differs from the stored one. A replayed event
// that leaves the status as it was reports false.
func (r *PaymentRepository) UpsertByIntent(ctx context.Context, input UpsertPaymentInput) (*models.Payment, bool, error) {
	query := `
		WITH previous AS (
			SELECT status FROM payments WHERE payment_intent_id = $1 FOR UPDATE
		)
		INSERT INTO payments (payment_intent_id, charge_id, lesson_id, trainee_id, amount, stripe_fee, net_amount, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_intent_id) DO UPDATE
		SET charge_id = COALESCE(payments.charge_id, EXCLUDED.charge_id),
			amount = EXCLUDED.amount,
			stripe_fee = COALESCE(payments.stripe_fee, EXCLUDED.stripe_fee),
			net_amount = COALESCE(payments.net_amount, EXCLUDED.net_amount),
			status = CASE
				WHEN payments.status = 'refunded' THEN payments.status
				WHEN payments.status = 'paid' AND EXCLUDED.status IN ('pending', 'failed', 'cancelled') THEN payments.status
				ELSE EXCLUDED.status
			END,
			paid_at = COALESCE(payments.paid_at, EXCLUDED.paid_at),
			updated_at = NOW()
		RETURNING ` + paymentColumns + `, (xmax = 0) AS inserted, (SELECT status FROM previous) AS previous_status`

	var (
		payment        models.Payment
		status         string
		inserted       bool
		previousStatus *string
	)
	err := r.db.QueryRow(
		ctx,
		query,
		input.PaymentIntentID,
		input.ChargeID,
		input.LessonID,
		input.TraineeID,
		input.Amount,
		input.StripeFee,
		input.NetAmount,
		string(input.Status),
		input.PaidAt,
	).Scan(
		&payment.ID,
		&payment.PaymentIntentID,
		&payment.ChargeID,
		&payment.LessonID,
		&payment.TraineeID,
		&payment.Amount,
		&payment.StripeFee,
		&payment.NetAmount,
		&status,
		&payment.PaidAt,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&inserted,
		&previousStatus,
	)
	if err != nil {
		return nil, false, err
	}
	parsed, err := models.ParsePaymentStatus(status)
	if err != nil {
		return nil, false, err
	}
	payment.Status = parsed
	// A concurrent insert that lost the race sees no previous row but did not insert.
	changed := inserted || (previousStatus != nil && *previousStatus != status)
	return &payment, changed, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, paymentID))
}

func (r *PaymentRepository) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_intent_id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, paymentIntentID))
}

// LatestPaidForLessonTrainee returns the most recent paid payment for the pair.
func (r *PaymentRepository) LatestPaidForLessonTrainee(ctx context.Context, lessonID, traineeID int64) (*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE lesson_id = $1 AND trainee_id = $2 AND status = 'paid'
		ORDER BY paid_at DESC NULLS LAST, id DESC
		LIMIT 1
	`
	return scanPayment(r.db.QueryRow(ctx, query, lessonID, traineeID))
}

func (r *PaymentRepository) ListPaidForLesson(ctx context.Context, lessonID int64) ([]models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE lesson_id = $1 AND status = 'paid'
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, lessonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]models.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *PaymentRepository) MarkRefunded(ctx context.Context, paymentID int64) (*models.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'refunded', updated_at = NOW()
		WHERE id = $1
		RETURNING ` + paymentColumns

	return scanPayment(r.db.QueryRow(ctx, query, paymentID))
}

func (r *PaymentRepository) MarkRefundedByIntent(ctx context.Context, paymentIntentID string, chargeID *string) (*models.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'refunded', charge_id = COALESCE(charge_id, $2), updated_at = NOW()
		WHERE payment_intent_id = $1
		RETURNING ` + paymentColumns

	return scanPayment(r.db.QueryRow(ctx, query, paymentIntentID, chargeID))
}

// BackfillFees fills fee columns that are still empty. It never overwrites a
// known fee.
func (r *PaymentRepository) BackfillFees(
	ctx context.Context,
	paymentIntentID string,
	chargeID *string,
	stripeFee int64,
	netAmount int64,
) (*models.Payment, error) {
	query := `
		UPDATE payments
		SET charge_id = COALESCE(charge_id, $2),
			stripe_fee = COALESCE(stripe_fee, $3),
			net_amount = COALESCE(net_amount, $4),
			updated_at = NOW()
		WHERE payment_intent_id = $1
		RETURNING ` + paymentColumns

	return scanPayment(r.db.QueryRow(ctx, query, paymentIntentID, chargeID, stripeFee, netAmount))
}
