package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

func newNotificationFixture(t *testing.T) (*memDB, *NotificationService) {
	t.Helper()
	db := newMemDB()
	svc := NewNotificationService(db)
	svc.now = fixedClock(time.Date(2024, 6, 10, 12, 0, 0, 0, jst))
	return db, svc
}

func appendTestEvents(t *testing.T, db *memDB, events ...models.OutboxEvent) {
	t.Helper()
	err := db.InTx(context.Background(), func(st Stores) error {
		return appendEvents(context.Background(), st, events...)
	})
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
}

func TestDispatchPendingSkipsFailingEvent(t *testing.T) {
	db, svc := newNotificationFixture(t)
	appendTestEvents(t, db,
		newUserEvent(1, models.NotifyBookingConfirmed, "a", "a", nil),
		newUserEvent(2, models.NotifyBookingConfirmed, "b", "b", nil),
		newUserEvent(3, models.NotifyBookingConfirmed, "c", "c", nil),
	)

	dispatched, err := svc.DispatchPending(context.Background(), 10, func(ctx context.Context, event models.OutboxEvent) error {
		if *event.RecipientUserID == 2 {
			return errors.New("broker rejected event")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if dispatched != 2 {
		t.Fatalf("expected the events around the failure to go out, got %d", dispatched)
	}

	published := make([]models.OutboxEvent, 0)
	dispatched, err = svc.DispatchPending(context.Background(), 10, func(ctx context.Context, event models.OutboxEvent) error {
		published = append(published, event)
		return nil
	})
	if err != nil {
		t.Fatalf("second DispatchPending: %v", err)
	}
	if dispatched != 1 || len(published) != 1 || *published[0].RecipientUserID != 2 {
		t.Fatalf("expected only the failed event to be retried, got %+v", published)
	}
	if published[0].Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", published[0].Attempts)
	}
}

func TestDispatchPendingFailingEventsDoNotStarveNewerOnes(t *testing.T) {
	db, svc := newNotificationFixture(t)
	appendTestEvents(t, db,
		newUserEvent(1, models.NotifyBookingConfirmed, "poison", "a", nil),
		newUserEvent(1, models.NotifyBookingConfirmed, "poison", "b", nil),
	)
	failPoison := func(ctx context.Context, event models.OutboxEvent) error {
		if event.Title == "poison" {
			return errors.New("cannot encode")
		}
		return nil
	}
	if _, err := svc.DispatchPending(context.Background(), 2, failPoison); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	appendTestEvents(t, db, newUserEvent(2, models.NotifyBookingConfirmed, "fresh", "c", nil))
	dispatched, err := svc.DispatchPending(context.Background(), 2, failPoison)
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected the fresh event to be dispatched past the failing ones, got %d", dispatched)
	}
	for _, event := range db.outboxEvents() {
		if event.Title == "fresh" && event.DispatchedAt == nil {
			t.Fatalf("fresh event still pending")
		}
		if event.Title == "poison" && event.DispatchedAt != nil {
			t.Fatalf("failing event must stay pending")
		}
	}
}

func TestDeliverIsIdempotentPerEvent(t *testing.T) {
	_, svc := newNotificationFixture(t)
	event := newUserEvent(7, models.NotifyRefundCompleted, "Refund completed", "done", map[string]any{"refund_id": 3})

	first, created, err := svc.Deliver(context.Background(), event)
	if err != nil || !created || first == nil {
		t.Fatalf("first Deliver: created=%v err=%v", created, err)
	}
	if _, created, err := svc.Deliver(context.Background(), event); err != nil || created {
		t.Fatalf("redelivery should be a no-op, created=%v err=%v", created, err)
	}

	items, meta, err := svc.ListNotifications(context.Background(), 7, models.RoleClient, 1, 20)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(items) != 1 || meta.Total != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
}

func TestNotificationVisibility(t *testing.T) {
	_, svc := newNotificationFixture(t)
	ctx := context.Background()
	userEvent := newUserEvent(7, models.NotifyBookingConfirmed, "mine", "mine", nil)
	adminEvent := newAdminEvent(models.NotifyRefundRequested, "review", "review", nil)
	for _, event := range []models.OutboxEvent{userEvent, adminEvent} {
		if _, _, err := svc.Deliver(ctx, event); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	adminItems, _, err := svc.ListNotifications(ctx, 1, models.RoleAdmin, 1, 20)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(adminItems) != 1 || adminItems[0].Type != models.NotifyRefundRequested {
		t.Fatalf("admin should only see role-addressed notifications, got %+v", adminItems)
	}

	mine, _, err := svc.ListNotifications(ctx, 7, models.RoleClient, 1, 20)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if _, err := svc.MarkNotificationRead(ctx, 8, models.RoleClient, mine[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's notification, got %v", err)
	}
	read, err := svc.MarkNotificationRead(ctx, 7, models.RoleClient, mine[0].ID)
	if err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if !read.IsRead {
		t.Fatalf("expected notification marked read")
	}
}

func TestOutboxAppendRollsBackWithTransaction(t *testing.T) {
	db, _ := newNotificationFixture(t)
	failure := errors.New("state change failed")

	err := db.InTx(context.Background(), func(st Stores) error {
		if err := appendEvents(context.Background(), st, newUserEvent(1, models.NotifyBookingConfirmed, "x", "x", nil)); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected the transaction error, got %v", err)
	}
	if len(db.outboxEvents()) != 0 {
		t.Fatalf("outbox event must roll back with its transaction")
	}
}
