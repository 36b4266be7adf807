package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/repository"
)

type LessonStore interface {
	Create(ctx context.Context, input repository.CreateLessonInput) (*models.Lesson, error)
	GetByID(ctx context.Context, lessonID int64) (*models.Lesson, error)
	GetByIDForUpdate(ctx context.Context, lessonID int64) (*models.Lesson, error)
	UpdateStatusIfCurrent(ctx context.Context, lessonID int64, currentStatus, nextStatus models.LessonStatus, reason *string) (*models.Lesson, error)
}

type BookingStore interface {
	Create(ctx context.Context, input repository.CreateBookingInput) (*models.Booking, error)
	GetByID(ctx context.Context, bookingID int64) (*models.Booking, error)
	GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error)
	FindActive(ctx context.Context, lessonID, clientID int64) (*models.Booking, error)
	FindLatest(ctx context.Context, lessonID, clientID int64) (*models.Booking, error)
	CountByStatus(ctx context.Context, lessonID int64, status models.BookingStatus) (int, error)
	TransitionIfCurrent(ctx context.Context, bookingID int64, currentStatus, nextStatus models.BookingStatus, paymentStatus models.BookingPaymentStatus) (*models.Booking, error)
	Cancel(ctx context.Context, bookingID int64, allowed []models.BookingStatus, input repository.CancellationInput) (*models.Booking, error)
	CancelActiveForLesson(ctx context.Context, lessonID int64, input repository.CancellationInput) ([]models.Booking, error)
	CompleteConfirmedForLesson(ctx context.Context, lessonID int64) ([]models.Booking, error)
	SetPaymentStatus(ctx context.Context, bookingID int64, paymentStatus models.BookingPaymentStatus) (*models.Booking, error)
	MarkNoShow(ctx context.Context, bookingID int64) (*models.Booking, error)
}

type PaymentStore interface {
	UpsertByIntent(ctx context.Context, input repository.UpsertPaymentInput) (*models.Payment, bool, error)
	GetByID(ctx context.Context, paymentID int64) (*models.Payment, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Payment, error)
	LatestPaidForLessonTrainee(ctx context.Context, lessonID, traineeID int64) (*models.Payment, error)
	ListPaidForLesson(ctx context.Context, lessonID int64) ([]models.Payment, error)
	MarkRefunded(ctx context.Context, paymentID int64) (*models.Payment, error)
	MarkRefundedByIntent(ctx context.Context, paymentIntentID string, chargeID *string) (*models.Payment, error)
	BackfillFees(ctx context.Context, paymentIntentID string, chargeID *string, stripeFee, netAmount int64) (*models.Payment, error)
}

type RefundStore interface {
	CreatePending(ctx context.Context, input repository.CreateRefundInput) (*models.Refund, bool, error)
	GetByID(ctx context.Context, refundID int64) (*models.Refund, error)
	GetByIDForUpdate(ctx context.Context, refundID int64) (*models.Refund, error)
	GetByStripeRefundID(ctx context.Context, stripeRefundID string) (*models.Refund, error)
	FindActiveByPaymentID(ctx context.Context, paymentID int64) (*models.Refund, error)
	MarkApproved(ctx context.Context, refundID int64, adminID int64, notes *string, stripeRefundID string, amount int64) (*models.Refund, error)
	MarkRefunded(ctx context.Context, refundID int64, adminID *int64, notes *string, stripeRefundID *string, at time.Time) (*models.Refund, error)
	MarkRejected(ctx context.Context, refundID int64, adminID int64, notes *string) (*models.Refund, error)
	List(ctx context.Context, filter repository.ListRefundsFilter) ([]models.Refund, int, error)
}

type PayoutStore interface {
	SumEligibleSales(ctx context.Context, trainerID int64, periodEnd time.Time) (int64, error)
	SumPaidOutSales(ctx context.Context, trainerID int64) (int64, error)
	LockTrainer(ctx context.Context, trainerID int64) error
	HasOpenRequest(ctx context.Context, trainerID int64) (bool, error)
	Create(ctx context.Context, input repository.CreatePayoutInput) (*models.PayoutRequest, error)
	GetByID(ctx context.Context, payoutID int64) (*models.PayoutRequest, error)
	ListForTrainer(ctx context.Context, trainerID int64) ([]models.PayoutRequest, error)
	UpdateStatusIfCurrent(ctx context.Context, payoutID int64, currentStatus, nextStatus models.PayoutStatus, notes *string, processedAt time.Time) (*models.PayoutRequest, error)
	ListTransferRowsForUpdate(ctx context.Context, ids []int64) ([]models.PayoutTransferRow, error)
	MarkPaid(ctx context.Context, ids []int64, at time.Time) (int64, error)
}

type BankAccountStore interface {
	GetByTrainerID(ctx context.Context, trainerID int64) (*models.BankAccount, error)
}

type OutboxStore interface {
	Append(ctx context.Context, event models.OutboxEvent) (*models.OutboxEvent, error)
	ClaimPending(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type NotificationStore interface {
	InsertFromEvent(ctx context.Context, event models.OutboxEvent) (*models.Notification, bool, error)
	ListForUser(ctx context.Context, userID int64, role models.Role, limit, offset int) ([]models.Notification, int, error)
	MarkRead(ctx context.Context, notificationID int64, userID int64, role models.Role) (*models.Notification, error)
}

// Stores groups repositories bound to one connection or transaction.
type Stores struct {
	Lessons       LessonStore
	Bookings      BookingStore
	Payments      PaymentStore
	Refunds       RefundStore
	Payouts       PayoutStore
	BankAccounts  BankAccountStore
	Outbox        OutboxStore
	Notifications NotificationStore
}

// TxRunner hands out stores outside a transaction and runs fn inside one.
// fn's error rolls the transaction back.
type TxRunner interface {
	Stores() Stores
	InTx(ctx context.Context, fn func(Stores) error) error
}

type PgTxRunner struct {
	pool *pgxpool.Pool
}

func NewPgTxRunner(pool *pgxpool.Pool) *PgTxRunner {
	return &PgTxRunner{pool: pool}
}

func storesFor(db repository.DBTX) Stores {
	return Stores{
		Lessons:       repository.NewLessonRepository(db),
		Bookings:      repository.NewBookingRepository(db),
		Payments:      repository.NewPaymentRepository(db),
		Refunds:       repository.NewRefundRepository(db),
		Payouts:       repository.NewPayoutRepository(db),
		BankAccounts:  repository.NewBankAccountRepository(db),
		Outbox:        repository.NewOutboxRepository(db),
		Notifications: repository.NewNotificationRepository(db),
	}
}

func (r *PgTxRunner) Stores() Stores {
	return storesFor(r.pool)
}

func (r *PgTxRunner) InTx(ctx context.Context, fn func(Stores) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(storesFor(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
