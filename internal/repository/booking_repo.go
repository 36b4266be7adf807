package repository

import (
	"context"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type CreateBookingInput struct {
	LessonID      int64
	ClientID      int64
	Status        models.BookingStatus
	PaymentStatus models.BookingPaymentStatus
}

// CancellationInput carries the provenance written onto cancelled bookings.
// Role is nil for system cancellations (e.g. capacity overflow on payment).
type CancellationInput struct {
	Role   *models.Actor
	UserID *int64
	Reason *string
	At     time.Time
}

type BookingRepository struct {
	db DBTX
}

func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, lesson_id, client_id, status, payment_status, no_show, cancelled_by_role, cancelled_by_user_id, cancelled_at, cancel_reason, created_at, updated_at`

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		booking       models.Booking
		status        string
		paymentStatus string
		cancelledBy   *string
	)
	if err := row.Scan(
		&booking.ID,
		&booking.LessonID,
		&booking.ClientID,
		&status,
		&paymentStatus,
		&booking.NoShow,
		&cancelledBy,
		&booking.CancelledByUserID,
		&booking.CancelledAt,
		&booking.CancelReason,
		&booking.CreatedAt,
		&booking.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsedStatus, err := models.ParseBookingStatus(status)
	if err != nil {
		return nil, err
	}
	parsedPayment, err := models.ParseBookingPaymentStatus(paymentStatus)
	if err != nil {
		return nil, err
	}
	booking.Status = parsedStatus
	booking.PaymentStatus = parsedPayment
	if cancelledBy != nil {
		actor := models.Actor(*cancelledBy)
		booking.CancelledByRole = &actor
	}
	return &booking, nil
}

func (r *BookingRepository) scanAll(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]models.Booking, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *booking)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (r *BookingRepository) Create(ctx context.Context, input CreateBookingInput) (*models.Booking, error) {
	query := `
		INSERT INTO bookings (lesson_id, client_id, status, payment_status)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + bookingColumns

	return scanBooking(r.db.QueryRow(
		ctx,
		query,
		input.LessonID,
		input.ClientID,
		string(input.Status),
		string(input.PaymentStatus),
	))
}

func (r *BookingRepository) GetByID(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

func (r *BookingRepository) GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

// FindActive returns the non-cancelled booking for (lesson, client), or
// pgx.ErrNoRows when there is none.
func (r *BookingRepository) FindActive(ctx context.Context, lessonID, clientID int64) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE lesson_id = $1 AND client_id = $2 AND status <> 'cancelled'
		ORDER BY id DESC
		LIMIT 1
	`
	return scanBooking(r.db.QueryRow(ctx, query, lessonID, clientID))
}

// FindLatest returns the most recent booking for (lesson, client) in any status.
func (r *BookingRepository) FindLatest(ctx context.Context, lessonID, clientID int64) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE lesson_id = $1 AND client_id = $2
		ORDER BY id DESC
		LIMIT 1
	`
	return scanBooking(r.db.QueryRow(ctx, query, lessonID, clientID))
}

func (r *BookingRepository) CountByStatus(ctx context.Context, lessonID int64, status models.BookingStatus) (int, error) {
	query := `SELECT COUNT(*) FROM bookings WHERE lesson_id = $1 AND status = $2`
	var count int
	if err := r.db.QueryRow(ctx, query, lessonID, string(status)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BookingRepository) TransitionIfCurrent(
	ctx context.Context,
	bookingID int64,
	currentStatus models.BookingStatus,
	nextStatus models.BookingStatus,
	paymentStatus models.BookingPaymentStatus,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $3, payment_status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + bookingColumns

	return scanBooking(r.db.QueryRow(
		ctx,
		query,
		bookingID,
		string(currentStatus),
		string(nextStatus),
		string(paymentStatus),
	))
}

// Cancel moves a single booking to cancelled if it is currently in one of the
// given states. pgx.ErrNoRows means the booking was not in an allowed state.
func (r *BookingRepository) Cancel(
	ctx context.Context,
	bookingID int64,
	allowed []models.BookingStatus,
	input CancellationInput,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_by_role = $3,
			cancelled_by_user_id = $4,
			cancelled_at = $5,
			cancel_reason = $6,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + bookingColumns

	return scanBooking(r.db.QueryRow(
		ctx,
		query,
		bookingID,
		statusStrings(allowed),
		actorString(input.Role),
		input.UserID,
		input.At.UTC(),
		input.Reason,
	))
}

// CancelActiveForLesson cancels every confirmed or reserved booking of a lesson
// and returns the rows it changed.
func (r *BookingRepository) CancelActiveForLesson(
	ctx context.Context,
	lessonID int64,
	input CancellationInput,
) ([]models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_by_role = $2,
			cancelled_by_user_id = $3,
			cancelled_at = $4,
			cancel_reason = $5,
			updated_at = NOW()
		WHERE lesson_id = $1 AND status IN ('confirmed', 'reserved')
		RETURNING ` + bookingColumns

	return r.scanAll(ctx, query, lessonID, actorString(input.Role), input.UserID, input.At.UTC(), input.Reason)
}

func (r *BookingRepository) CompleteConfirmedForLesson(ctx context.Context, lessonID int64) ([]models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'completed', updated_at = NOW()
		WHERE lesson_id = $1 AND status = 'confirmed'
		RETURNING ` + bookingColumns

	return r.scanAll(ctx, query, lessonID)
}

func (r *BookingRepository) SetPaymentStatus(
	ctx context.Context,
	bookingID int64,
	paymentStatus models.BookingPaymentStatus,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET payment_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + bookingColumns

	return scanBooking(r.db.QueryRow(ctx, query, bookingID, string(paymentStatus)))
}

func (r *BookingRepository) MarkNoShow(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET no_show = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('confirmed', 'completed')
		RETURNING ` + bookingColumns

	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

func statusStrings(statuses []models.BookingStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func actorString(actor *models.Actor) *string {
	if actor == nil {
		return nil
	}
	value := string(*actor)
	return &value
}
