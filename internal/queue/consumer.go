package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type eventHandler interface {
	Handle(ctx context.Context, event models.OutboxEvent) error
}

// Consumer reads the notification queue and hands each event to the handler.
// It reconnects with exponential backoff until ctx is cancelled.
type Consumer struct {
	url     string
	handler eventHandler
}

func NewConsumer(url string, handler eventHandler) *Consumer {
	return &Consumer{url: url, handler: handler}
}

func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Printf("notify-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("notify-consumer: consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("notify-consumer: set QoS failed: %v", err)
	}
	if err := declareQueue(ch); err != nil {
		return err
	}

	msgs, err := ch.Consume(NotificationQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var event models.OutboxEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Printf("notify-consumer: undecodable message %s: %v", d.MessageId, err)
		_ = d.Nack(false, false)
		return
	}

	if err := c.handler.Handle(ctx, event); err != nil {
		// One requeue per message; a second failure is dropped to avoid a hot loop.
		log.Printf("notify-consumer: handle %s failed (redelivered=%v): %v", event.ID, d.Redelivered, err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
