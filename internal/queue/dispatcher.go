package queue

import (
	"context"
	"log"
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type PublishFunc func(ctx context.Context, event models.OutboxEvent) error

type outboxSource interface {
	DispatchPending(ctx context.Context, limit int, publish func(context.Context, models.OutboxEvent) error) (int, error)
}

// Dispatcher polls the outbox and publishes undelivered events. Publishing is
// at-least-once; consumers deduplicate by event id.
type Dispatcher struct {
	source   outboxSource
	publish  PublishFunc
	interval time.Duration
	batch    int
}

func NewDispatcher(source outboxSource, publish PublishFunc, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{source: source, publish: publish, interval: interval, batch: batch}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain keeps dispatching full batches so a backlog clears without waiting
// for the next tick.
func (d *Dispatcher) drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := d.source.DispatchPending(ctx, d.batch, d.publish)
		if err != nil {
			log.Printf("outbox: dispatch failed: %v", err)
			return total
		}
		total += n
		if n < d.batch {
			return total
		}
	}
	return total
}
