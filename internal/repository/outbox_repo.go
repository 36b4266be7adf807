package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type OutboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const outboxColumns = `id, event_type, recipient_user_id, recipient_role, title, body, payload, created_at, dispatched_at, attempts`

func scanOutboxEvent(row rowScanner) (*models.OutboxEvent, error) {
	var (
		event     models.OutboxEvent
		eventType string
		role      *string
		payload   []byte
	)
	if err := row.Scan(
		&event.ID,
		&eventType,
		&event.RecipientUserID,
		&role,
		&event.Title,
		&event.Body,
		&payload,
		&event.CreatedAt,
		&event.DispatchedAt,
		&event.Attempts,
	); err != nil {
		return nil, err
	}
	event.Type = models.NotificationType(eventType)
	if role != nil {
		value := models.Role(*role)
		event.RecipientRole = &value
	}
	event.Payload = payload
	return &event, nil
}

// Append stores an event. It is meant to run on the same transaction as the
// state change it reports. Appending an id that already exists returns the
// stored event unchanged.
func (r *OutboxRepository) Append(ctx context.Context, event models.OutboxEvent) (*models.OutboxEvent, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	var role *string
	if event.RecipientRole != nil {
		value := string(*event.RecipientRole)
		role = &value
	}
	var payload []byte
	if len(event.Payload) > 0 {
		payload = event.Payload
	}

	query := `
		INSERT INTO outbox_events (id, event_type, recipient_user_id, recipient_role, title, body, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + outboxColumns

	stored, err := scanOutboxEvent(r.db.QueryRow(
		ctx,
		query,
		event.ID,
		string(event.Type),
		event.RecipientUserID,
		role,
		event.Title,
		event.Body,
		payload,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return scanOutboxEvent(r.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, event.ID))
	}
	return stored, err
}

// ClaimPending locks up to limit undelivered events, fewest failed attempts
// first. Concurrent dispatchers skip rows already claimed by another
// transaction.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE dispatched_at IS NULL
		ORDER BY attempts, created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.OutboxEvent, 0)
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET dispatched_at = $2
		WHERE id = ANY($1) AND dispatched_at IS NULL
	`, ids, at.UTC())
	return err
}

// MarkFailed records a failed publish so the event sorts behind fresher ones on
// the next claim.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND dispatched_at IS NULL
	`, id, reason)
	return err
}
