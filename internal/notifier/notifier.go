// Package notifier publishes booking state changes for downstream consumers
// such as ticket generation and email. It is a one-way sink: a failed
// publish is logged and never fails the booking operation that caused it.
package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
)

type EventType string

const (
	BookingConfirmed EventType = "booking.confirmed"
	BookingFailed    EventType = "booking.failed"
	BookingExpired   EventType = "booking.expired"
	BookingCancelled EventType = "booking.cancelled"
)

// Event is the published payload. The type travels as the routing key.
type Event struct {
	Type      EventType `json:"-"`
	BookingID string    `json:"bookingId"`
	SlotID    string    `json:"slotId"`
	Quantity  int       `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(t EventType, b *models.Booking, at time.Time) Event {
	return Event{
		Type:      t,
		BookingID: b.ID,
		SlotID:    b.SlotID,
		Quantity:  b.Quantity,
		Timestamp: at,
	}
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type BrokerEmitter struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewBrokerEmitter(publisher Publisher, logger *slog.Logger) *BrokerEmitter {
	return &BrokerEmitter{publisher: publisher, logger: logger}
}

func (e *BrokerEmitter) Emit(ctx context.Context, ev Event) {
	if err := e.publisher.Publish(ctx, string(ev.Type), ev); err != nil {
		e.logger.Error("failed to publish booking event",
			"event", ev.Type,
			"booking_id", ev.BookingID,
			"error", err,
		)
		return
	}
	e.logger.Info("booking event published", "event", ev.Type, "booking_id", ev.BookingID)
}

// LogEmitter writes events to the log only; used when no broker is configured.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	e.logger.Info("booking event",
		"event", ev.Type,
		"booking_id", ev.BookingID,
		"slot_id", ev.SlotID,
		"quantity", ev.Quantity,
		"timestamp", ev.Timestamp,
	)
}
