package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type NotificationService struct {
	tx  TxRunner
	now func() time.Time
}

func NewNotificationService(tx TxRunner) *NotificationService {
	return &NotificationService{tx: tx, now: time.Now}
}

func (s *NotificationService) ListNotifications(
	ctx context.Context,
	userID int64,
	role models.Role,
	page int,
	limit int,
) ([]models.Notification, models.PaginationMeta, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	items, total, err := s.tx.Stores().Notifications.ListForUser(ctx, userID, role, limit, (page-1)*limit)
	if err != nil {
		return nil, models.PaginationMeta{}, err
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return items, models.PaginationMeta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

func (s *NotificationService) MarkNotificationRead(
	ctx context.Context,
	userID int64,
	role models.Role,
	notificationID int64,
) (*models.Notification, error) {
	notification, err := s.tx.Stores().Notifications.MarkRead(ctx, notificationID, userID, role)
	if err != nil {
		return nil, notFound(err)
	}
	return notification, nil
}

// Deliver materializes an outbox event as a notification row. created is false
// when the event was already delivered.
func (s *NotificationService) Deliver(ctx context.Context, event models.OutboxEvent) (*models.Notification, bool, error) {
	return s.tx.Stores().Notifications.InsertFromEvent(ctx, event)
}

// DispatchPending claims up to limit undelivered outbox events and hands each to
// publish. Events publish accepted are marked dispatched. A failed event stays
// pending with its attempt count raised, and the rest of the batch still goes out.
func (s *NotificationService) DispatchPending(
	ctx context.Context,
	limit int,
	publish func(context.Context, models.OutboxEvent) error,
) (int, error) {
	dispatched := 0
	err := s.tx.InTx(ctx, func(st Stores) error {
		events, err := st.Outbox.ClaimPending(ctx, limit)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, 0, len(events))
		for _, event := range events {
			if publishErr := publish(ctx, event); publishErr != nil {
				log.Printf("outbox: publish %s (%s) failed on attempt %d: %v", event.ID, event.Type, event.Attempts+1, publishErr)
				if err := st.Outbox.MarkFailed(ctx, event.ID, publishErr.Error()); err != nil {
					return fmt.Errorf("record failed publish of %s: %w", event.ID, err)
				}
				continue
			}
			ids = append(ids, event.ID)
		}

		if err := st.Outbox.MarkDispatched(ctx, ids, s.now()); err != nil {
			return err
		}
		dispatched = len(ids)
		return nil
	})
	return dispatched, err
}

func appendEvents(ctx context.Context, st Stores, events ...models.OutboxEvent) error {
	for _, event := range events {
		if _, err := st.Outbox.Append(ctx, event); err != nil {
			return fmt.Errorf("append outbox event %s: %w", event.Type, err)
		}
	}
	return nil
}

func newUserEvent(userID int64, kind models.NotificationType, title, body string, payload map[string]any) models.OutboxEvent {
	recipient := userID
	return models.OutboxEvent{
		ID:              uuid.New(),
		Type:            kind,
		RecipientUserID: &recipient,
		Title:           title,
		Body:            body,
		Payload:         encodePayload(payload),
	}
}

func newAdminEvent(kind models.NotificationType, title, body string, payload map[string]any) models.OutboxEvent {
	role := models.RoleAdmin
	return models.OutboxEvent{
		ID:            uuid.New(),
		Type:          kind,
		RecipientRole: &role,
		Title:         title,
		Body:          body,
		Payload:       encodePayload(payload),
	}
}

func encodePayload(payload map[string]any) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return encoded
}

func bookingConfirmedEvents(lesson *models.Lesson, booking *models.Booking) []models.OutboxEvent {
	payload := map[string]any{"lesson_id": lesson.ID, "booking_id": booking.ID}
	return []models.OutboxEvent{
		newUserEvent(booking.ClientID, models.NotifyBookingConfirmed,
			"Booking confirmed",
			fmt.Sprintf("Your booking for %q is confirmed.", lesson.Title),
			payload),
		newUserEvent(lesson.TrainerID, models.NotifyBookingConfirmed,
			"New booking",
			fmt.Sprintf("A client booked %q.", lesson.Title),
			payload),
	}
}

func refundRequestedEvent(refund *models.Refund, reason string) models.OutboxEvent {
	return newAdminEvent(models.NotifyRefundRequested,
		"Refund request awaiting review",
		fmt.Sprintf("Refund #%d of %d for lesson #%d: %s", refund.ID, refund.Amount, refund.LessonID, reason),
		map[string]any{"refund_id": refund.ID, "payment_id": refund.PaymentID, "lesson_id": refund.LessonID})
}
