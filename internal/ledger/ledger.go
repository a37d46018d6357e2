// Package ledger tracks total, held and sold capacity per slot and owns the
// lifecycle of reservation holds.
//
// Every counter change happens inside a transaction that first locks the
// slot row, then writes the counters guarded by the slot version. Hold state
// changes are compare-and-set, so a hold can leave ACTIVE exactly once and
// its quantity is given back or sold exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/repository"
	"github.com/google/uuid"
)

var (
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrHoldNotActive          = errors.New("hold is not active")
	ErrHoldExpired            = fmt.Errorf("%w: hold expired", ErrHoldNotActive)
	ErrSlotNotFound           = errors.New("slot not found")
	ErrHoldNotFound           = errors.New("hold not found")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrCapacityBelowCommitted = errors.New("capacity cannot drop below held + sold")
)

const maxVersionRetries = 3

type Ledger struct {
	tx     repository.Transactor
	slots  repository.SlotRepository
	holds  repository.HoldRepository
	clock  clock.Clock
	logger *slog.Logger
}

func New(tx repository.Transactor, slots repository.SlotRepository, holds repository.HoldRepository, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{tx: tx, slots: slots, holds: holds, clock: clk, logger: logger}
}

// DefineSlot creates a slot or updates its catalog fields. Counters of an
// existing slot are never touched.
func (l *Ledger) DefineSlot(ctx context.Context, slot *models.AvailabilitySlot) error {
	if slot.TotalCapacity < 0 {
		return fmt.Errorf("%w: negative capacity", ErrInvalidQuantity)
	}
	slot.HeldCount, slot.SoldCount = 0, 0

	applied, err := l.slots.Upsert(ctx, slot)
	if err != nil {
		return fmt.Errorf("upsert slot %s: %w", slot.Ref(), err)
	}
	if !applied {
		return fmt.Errorf("slot %s: %w", slot.Ref(), ErrCapacityBelowCommitted)
	}
	return nil
}

func (l *Ledger) Slot(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	slot, err := l.slots.FindByRef(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSlotNotFound
	}
	return slot, err
}

func (l *Ledger) Hold(ctx context.Context, holdID string) (*models.ReservationHold, error) {
	hold, err := l.holds.FindByID(ctx, holdID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrHoldNotFound
	}
	return hold, err
}

// TryHold claims quantity units of the slot for ttl.
func (l *Ledger) TryHold(ctx context.Context, ref models.SlotRef, quantity int, ttl time.Duration) (*models.ReservationHold, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var hold *models.ReservationHold
	err := l.withSlot(ctx, ref, func(ctx context.Context, slot *models.AvailabilitySlot) error {
		if slot.Available() < quantity {
			return ErrInsufficientCapacity
		}
		if err := slot.Adjust(quantity, 0); err != nil {
			return err
		}
		if err := l.slots.UpdateCounters(ctx, slot); err != nil {
			return err
		}

		now := l.clock.Now()
		hold = &models.ReservationHold{
			ID:         uuid.NewString(),
			ResourceID: ref.ResourceID,
			SlotID:     ref.SlotID,
			Quantity:   quantity,
			State:      models.HoldActive,
			ExpiresAt:  now.Add(ttl),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return l.holds.Create(ctx, hold)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("hold granted", "hold_id", hold.ID, "slot", ref.String(), "quantity", quantity, "expires_at", hold.ExpiresAt)
	return hold, nil
}

// Consume moves a hold's quantity from held to sold. Consuming an already
// consumed hold is a no-op. An ACTIVE hold past its expiry is expired on the
// spot and ErrHoldExpired is returned.
func (l *Ledger) Consume(ctx context.Context, holdID string) error {
	var expired bool
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := l.lockHold(ctx, holdID)
		if err != nil {
			return err
		}

		switch hold.State {
		case models.HoldConsumed:
			return nil
		case models.HoldActive:
		default:
			return fmt.Errorf("consume hold %s in state %s: %w", holdID, hold.State, ErrHoldNotActive)
		}

		if hold.ExpiredAt(l.clock.Now()) {
			expired = true
			return l.finish(ctx, hold, models.HoldExpired)
		}
		return l.finish(ctx, hold, models.HoldConsumed)
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrHoldExpired
	}
	return nil
}

// Release gives a hold's quantity back. Releasing a hold that is already
// RELEASED or EXPIRED is a no-op.
func (l *Ledger) Release(ctx context.Context, holdID string) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := l.lockHold(ctx, holdID)
		if err != nil {
			return err
		}

		switch hold.State {
		case models.HoldReleased, models.HoldExpired:
			return nil
		case models.HoldActive:
			return l.finish(ctx, hold, models.HoldReleased)
		default:
			return fmt.Errorf("release hold %s in state %s: %w", holdID, hold.State, ErrHoldNotActive)
		}
	})
}

// ExpiryHooks run inside each hold's expiry transaction. Before runs ahead
// of the hold update so callers can lock rows that other paths lock before
// the hold. After runs once the hold is expired.
type ExpiryHooks struct {
	Before func(ctx context.Context, hold *models.ReservationHold) error
	After  func(ctx context.Context, hold *models.ReservationHold) error
}

// SweepExpired expires up to limit ACTIVE holds whose expiry is before now
// and returns their IDs. Each expiry runs in its own transaction and only
// proceeds if this caller wins the ACTIVE -> EXPIRED compare-and-set, so
// concurrent sweepers never give capacity back twice.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int, hooks ExpiryHooks) ([]string, error) {
	candidates, err := l.holds.ListExpiredActive(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}

	expired := make([]string, 0, len(candidates))
	for i := range candidates {
		hold := &candidates[i]
		err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
			if hooks.Before != nil {
				if err := hooks.Before(ctx, hold); err != nil {
					return err
				}
			}
			if err := l.finish(ctx, hold, models.HoldExpired); err != nil {
				return err
			}
			if hooks.After == nil {
				return nil
			}
			return hooks.After(ctx, hold)
		})
		switch {
		case err == nil:
			expired = append(expired, hold.ID)
		case errors.Is(err, ErrHoldNotActive):
			// another sweeper or the payment path got there first
		default:
			l.logger.Error("failed to expire hold", "hold_id", hold.ID, "error", err)
		}
	}
	return expired, nil
}

// finish moves an ACTIVE hold to a final state and applies the matching
// counter change on its slot.
func (l *Ledger) finish(ctx context.Context, hold *models.ReservationHold, to models.HoldState) error {
	ok, err := l.holds.TransitionState(ctx, hold.ID, models.HoldActive, to)
	if err != nil {
		return fmt.Errorf("transition hold %s: %w", hold.ID, err)
	}
	if !ok {
		return fmt.Errorf("hold %s: %w", hold.ID, ErrHoldNotActive)
	}

	heldDelta, soldDelta := -hold.Quantity, 0
	if to == models.HoldConsumed {
		soldDelta = hold.Quantity
	}

	err = l.withSlot(ctx, hold.SlotRef(), func(ctx context.Context, slot *models.AvailabilitySlot) error {
		if err := slot.Adjust(heldDelta, soldDelta); err != nil {
			return err
		}
		return l.slots.UpdateCounters(ctx, slot)
	})
	if err != nil {
		return err
	}

	hold.State = to
	l.logger.Debug("hold finished", "hold_id", hold.ID, "state", to, "slot", hold.SlotRef().String())
	return nil
}

func (l *Ledger) lockHold(ctx context.Context, holdID string) (*models.ReservationHold, error) {
	hold, err := l.holds.FindByIDForUpdate(ctx, holdID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock hold %s: %w", holdID, err)
	}
	return hold, nil
}

// withSlot runs fn with the slot row locked, retrying a bounded number of
// times when the version guard reports a concurrent writer.
func (l *Ledger) withSlot(ctx context.Context, ref models.SlotRef, fn func(ctx context.Context, slot *models.AvailabilitySlot) error) error {
	var err error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
			slot, err := l.slots.FindByRefForUpdate(ctx, ref)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrSlotNotFound
			}
			if err != nil {
				return fmt.Errorf("lock slot %s: %w", ref, err)
			}
			return fn(ctx, slot)
		})
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
	}
	return err
}
