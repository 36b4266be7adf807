package repository

import (
	"context"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type NotificationRepository struct {
	db DBTX
}

func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, event_id, user_id, role, type, title, body, payload, is_read, created_at`

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		notification models.Notification
		role         *string
		kind         string
		payload      []byte
	)
	if err := row.Scan(
		&notification.ID,
		&notification.EventID,
		&notification.UserID,
		&role,
		&kind,
		&notification.Title,
		&notification.Body,
		&payload,
		&notification.IsRead,
		&notification.CreatedAt,
	); err != nil {
		return nil, err
	}
	if role != nil {
		value := models.Role(*role)
		notification.Role = &value
	}
	notification.Type = models.NotificationType(kind)
	notification.Payload = payload
	return &notification, nil
}

// InsertFromEvent materializes an outbox event as a notification. The event id
// is unique, so redelivery returns inserted=false and no new row.
func (r *NotificationRepository) InsertFromEvent(ctx context.Context, event models.OutboxEvent) (*models.Notification, bool, error) {
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
		INSERT INTO notifications (event_id, user_id, role, type, title, body, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING ` + notificationColumns

	notification, err := scanNotification(r.db.QueryRow(
		ctx,
		query,
		event.ID,
		event.RecipientUserID,
		role,
		string(event.Type),
		event.Title,
		event.Body,
		payload,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return notification, true, nil
}

// ListForUser returns notifications addressed to the user directly plus those
// broadcast to the user's role.
func (r *NotificationRepository) ListForUser(
	ctx context.Context,
	userID int64,
	role models.Role,
	limit int,
	offset int,
) ([]models.Notification, int, error) {
	var total int
	countQuery := `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 OR (user_id IS NULL AND role = $2)
	`
	if err := r.db.QueryRow(ctx, countQuery, userID, string(role)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 OR (user_id IS NULL AND role = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, userID, string(role), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, *notification)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, notificationID int64, userID int64, role models.Role) (*models.Notification, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND (user_id = $2 OR (user_id IS NULL AND role = $3))
		RETURNING ` + notificationColumns

	return scanNotification(r.db.QueryRow(ctx, query, notificationID, userID, string(role)))
}
