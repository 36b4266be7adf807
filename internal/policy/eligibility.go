// Package policy holds the pure decision functions behind cancellations and
// payouts. Nothing here reads the clock; callers pass now explicitly.
package policy

import (
	"time"

	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type CancellationInput struct {
	LessonStart time.Time
	By          models.Actor
	Now         time.Time
	NoShow      bool
}

type Decision struct {
	Refundable bool
	// Deadline is the last instant at which the cancellation is still refundable.
	Deadline time.Time
}

// Decide classifies a cancellation. Trainer cancellations are refundable strictly
// before the lesson starts. Client cancellations are refundable until the end of
// the calendar day before the lesson, in the location LessonStart carries.
func Decide(in CancellationInput) Decision {
	if in.NoShow {
		return Decision{Refundable: false}
	}

	switch in.By {
	case models.ActorTrainer:
		return Decision{
			Refundable: in.Now.Before(in.LessonStart),
			Deadline:   in.LessonStart.Add(-time.Nanosecond),
		}
	case models.ActorClient:
		deadline := ClientDeadline(in.LessonStart)
		return Decision{
			Refundable: !in.Now.After(deadline),
			Deadline:   deadline,
		}
	default:
		return Decision{Refundable: false}
	}
}

// ClientDeadline is 23:59:59.999999999 on the day before lessonStart.
func ClientDeadline(lessonStart time.Time) time.Time {
	return StartOfDay(lessonStart).Add(-time.Nanosecond)
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
