// Package booking owns the booking lifecycle.
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/repository"
)

var (
	ErrStateConflict = errors.New("booking state conflict")
	ErrNotFound      = errors.New("booking not found")
)

// Event is an input that drives a booking transition.
type Event string

const (
	EventHoldAcquired     Event = "hold_acquired"
	EventCapacityRejected Event = "capacity_rejected"
	EventSessionCreated   Event = "session_created"
	EventSessionFailed    Event = "session_failed"
	EventPaymentCaptured  Event = "payment_captured"
	EventPaymentFailed    Event = "payment_failed"
	EventHoldExpired      Event = "hold_expired"
	EventCancelled        Event = "cancelled"
)

// targets maps each event to the single state it leads to.
var targets = map[Event]models.BookingState{
	EventHoldAcquired:     models.BookingHoldActive,
	EventCapacityRejected: models.BookingFailed,
	EventSessionCreated:   models.BookingPaymentPending,
	EventSessionFailed:    models.BookingFailed,
	EventPaymentCaptured:  models.BookingConfirmed,
	EventPaymentFailed:    models.BookingFailed,
	EventHoldExpired:      models.BookingExpired,
	EventCancelled:        models.BookingCancelled,
}

// sources lists the states each event is accepted from.
var sources = map[Event][]models.BookingState{
	EventHoldAcquired:     {models.BookingCreated},
	EventCapacityRejected: {models.BookingCreated},
	EventSessionCreated:   {models.BookingHoldActive},
	EventSessionFailed:    {models.BookingHoldActive},
	EventPaymentCaptured:  {models.BookingPaymentPending},
	EventPaymentFailed:    {models.BookingPaymentPending},
	EventHoldExpired:      {models.BookingHoldActive, models.BookingPaymentPending},
	EventCancelled:        {models.BookingCreated, models.BookingHoldActive, models.BookingPaymentPending},
}

// Next returns the state reached by applying ev in from. When from already
// equals the event's target the transition is a no-op and applied is false.
func Next(from models.BookingState, ev Event) (to models.BookingState, applied bool, err error) {
	target, ok := targets[ev]
	if !ok {
		return from, false, fmt.Errorf("unknown booking event %q", ev)
	}
	if from == target {
		return from, false, nil
	}
	for _, s := range sources[ev] {
		if s == from {
			return target, true, nil
		}
	}
	return from, false, fmt.Errorf("%w: %s cannot apply %s", ErrStateConflict, from, ev)
}

// Outcome describes what Apply did.
type Outcome struct {
	From    models.BookingState
	To      models.BookingState
	Applied bool
}

// Mutation adjusts fields persisted alongside the state change.
type Mutation func(b *models.Booking)

func WithHold(holdID string) Mutation {
	return func(b *models.Booking) { b.HoldID = &holdID }
}

func WithFailureReason(reason string) Mutation {
	return func(b *models.Booking) { b.FailureReason = reason }
}

// Machine applies transitions to stored bookings with a compare-and-set on
// the current state. Whoever lands first wins; a loser that asked for the
// same end state sees a no-op, any other loser gets ErrStateConflict.
type Machine struct {
	bookings repository.BookingRepository
}

func NewMachine(bookings repository.BookingRepository) *Machine {
	return &Machine{bookings: bookings}
}

// Apply transitions b by ev. On success b reflects the stored row.
func (m *Machine) Apply(ctx context.Context, b *models.Booking, ev Event, mutations ...Mutation) (Outcome, error) {
	for {
		from := b.State
		to, applied, err := Next(from, ev)
		if err != nil || !applied {
			return Outcome{From: from, To: from}, err
		}

		next := *b
		next.State = to
		for _, mutate := range mutations {
			mutate(&next)
		}

		ok, err := m.bookings.CompareAndSetState(ctx, &next, from)
		if err != nil {
			return Outcome{From: from, To: from}, fmt.Errorf("update booking %s: %w", b.ID, err)
		}
		if ok {
			*b = next
			return Outcome{From: from, To: to, Applied: true}, nil
		}

		// lost the race: re-read and evaluate against the winner's state
		current, err := m.bookings.FindByID(ctx, b.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return Outcome{From: from, To: from}, ErrNotFound
		}
		if err != nil {
			return Outcome{From: from, To: from}, fmt.Errorf("reload booking %s: %w", b.ID, err)
		}
		if current.State == from {
			return Outcome{From: from, To: from}, fmt.Errorf("booking %s: compare-and-set failed without a state change", b.ID)
		}
		*b = *current
	}
}
