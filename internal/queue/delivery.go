package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

const dedupTTL = 7 * 24 * time.Hour

// Gate admits each event id once.
type Gate interface {
	Acquire(ctx context.Context, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, eventID uuid.UUID)
}

// RedisGate claims notify:<event_id> with SETNX. A nil client admits every
// event and leaves deduplication to the notifications unique index.
type RedisGate struct {
	client *redis.Client
}

func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client}
}

func gateKey(eventID uuid.UUID) string {
	return "notify:" + eventID.String()
}

func (g *RedisGate) Acquire(ctx context.Context, eventID uuid.UUID) (bool, error) {
	if g == nil || g.client == nil {
		return true, nil
	}
	return g.client.SetNX(ctx, gateKey(eventID), 1, dedupTTL).Result()
}

func (g *RedisGate) Release(ctx context.Context, eventID uuid.UUID) {
	if g == nil || g.client == nil {
		return
	}
	if err := g.client.Del(ctx, gateKey(eventID)).Err(); err != nil {
		log.Printf("notify: release gate for %s: %v", eventID, err)
	}
}

type notificationStore interface {
	Deliver(ctx context.Context, event models.OutboxEvent) (*models.Notification, bool, error)
}

type Pusher interface {
	Push(notification models.Notification)
}

// Deliverer turns an outbox event into a stored notification and a live push.
type Deliverer struct {
	store  notificationStore
	gate   Gate
	pusher Pusher
}

func NewDeliverer(store notificationStore, gate Gate, pusher Pusher) *Deliverer {
	return &Deliverer{store: store, gate: gate, pusher: pusher}
}

func (d *Deliverer) Handle(ctx context.Context, event models.OutboxEvent) error {
	if d.gate != nil {
		admitted, err := d.gate.Acquire(ctx, event.ID)
		if err != nil {
			log.Printf("notify: dedup gate unavailable for %s: %v", event.ID, err)
		} else if !admitted {
			return nil
		}
	}

	notification, created, err := d.store.Deliver(ctx, event)
	if err != nil {
		if d.gate != nil {
			d.gate.Release(ctx, event.ID)
		}
		return fmt.Errorf("deliver %s: %w", event.ID, err)
	}
	if created && d.pusher != nil {
		d.pusher.Push(*notification)
	}
	return nil
}
