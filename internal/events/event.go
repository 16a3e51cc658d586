package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SlotBooked           = "SLOT_BOOKED"
	SlotCancelled        = "SLOT_CANCELLED"
	SlotReleased         = "SLOT_RELEASED"
	SlotsCancelledAll    = "SLOTS_CANCELLED_ALL"
	DatesMarkedAvailable = "DATES_MARKED_AVAILABLE"
	ScheduleUpdated      = "SCHEDULE_UPDATED"
)

// Event is one row of the event_logs outbox.
type Event struct {
	ID          int64
	EventType   string
	AggregateID *uuid.UUID
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Publisher delivers an event to downstream consumers (appointment views, notifications).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Store hands out unpublished events. publish is called once per event in id order;
// events for which it returned nil are marked published when PublishPending returns.
type Store interface {
	PublishPending(ctx context.Context, limit int, publish func(context.Context, Event) error) (int, error)
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.Int64("id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.ByteString("payload", ev.Payload),
	}
	if ev.AggregateID != nil {
		fields = append(fields, zap.String("aggregate_id", ev.AggregateID.String()))
	}
	p.Log.Info("event", fields...)
	return nil
}
