package repository

import (
	"context"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type CreateLessonInput struct {
	TrainerID       int64
	Title           string
	StartAt         time.Time
	DurationMinutes int
	Price           int64
	MaxParticipants int
}

type LessonRepository struct {
	db DBTX
}

func NewLessonRepository(db DBTX) *LessonRepository {
	return &LessonRepository{db: db}
}

const lessonColumns = `id, trainer_id, title, start_at, duration_min, price, max_participants, status, cancel_reason, created_at, updated_at`

func scanLesson(row rowScanner) (*models.Lesson, error) {
	var (
		lesson models.Lesson
		status string
	)
	if err := row.Scan(
		&lesson.ID,
		&lesson.TrainerID,
		&lesson.Title,
		&lesson.StartAt,
		&lesson.DurationMinutes,
		&lesson.Price,
		&lesson.MaxParticipants,
		&status,
		&lesson.CancelReason,
		&lesson.CreatedAt,
		&lesson.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := models.ParseLessonStatus(status)
	if err != nil {
		return nil, err
	}
	lesson.Status = parsed
	return &lesson, nil
}

func (r *LessonRepository) Create(ctx context.Context, input CreateLessonInput) (*models.Lesson, error) {
	query := `
		INSERT INTO lessons (trainer_id, title, start_at, duration_min, price, max_participants, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'scheduled')
		RETURNING ` + lessonColumns

	return scanLesson(r.db.QueryRow(
		ctx,
		query,
		input.TrainerID,
		input.Title,
		input.StartAt.UTC(),
		input.DurationMinutes,
		input.Price,
		input.MaxParticipants,
	))
}

func (r *LessonRepository) GetByID(ctx context.Context, lessonID int64) (*models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE id = $1`
	return scanLesson(r.db.QueryRow(ctx, query, lessonID))
}

// GetByIDForUpdate locks the lesson row; booking capacity checks and
// cancellations for one lesson serialize on it.
func (r *LessonRepository) GetByIDForUpdate(ctx context.Context, lessonID int64) (*models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE id = $1 FOR UPDATE`
	return scanLesson(r.db.QueryRow(ctx, query, lessonID))
}

func (r *LessonRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	lessonID int64,
	currentStatus models.LessonStatus,
	nextStatus models.LessonStatus,
	reason *string,
) (*models.Lesson, error) {
	query := `
		UPDATE lessons
		SET status = $3, cancel_reason = COALESCE($4, cancel_reason), updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + lessonColumns

	return scanLesson(r.db.QueryRow(ctx, query, lessonID, string(currentStatus), string(nextStatus), reason))
}
