package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/repository"
)

// ExpireHolds expires up to limit lapsed holds and, in the same transaction
// as each hold, moves its booking to EXPIRED unless the booking already
// ended. It returns how many holds this call expired.
func (c *Coordinator) ExpireHolds(ctx context.Context, limit int) (int, error) {
	expired := make(map[string]*models.Booking)
	owners := make(map[string]*models.Booking)

	ids, err := c.ledger.SweepExpired(ctx, c.clock.Now(), limit, ledger.ExpiryHooks{
		// Lock the booking before the hold, the same order cancel and
		// capture use.
		Before: func(ctx context.Context, hold *models.ReservationHold) error {
			delete(owners, hold.ID)
			b, err := c.bookings.FindByHoldID(ctx, hold.ID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if b, err = c.bookings.FindByIDForUpdate(ctx, b.ID); err != nil {
				return err
			}
			owners[hold.ID] = b
			return nil
		},
		After: func(ctx context.Context, hold *models.ReservationHold) error {
			b, ok := owners[hold.ID]
			if !ok || b.State.IsTerminal() {
				return nil
			}

			out, err := c.machine.Apply(ctx, b, booking.EventHoldExpired)
			if errors.Is(err, booking.ErrStateConflict) {
				return nil
			}
			if err != nil || !out.Applied {
				return err
			}
			expired[hold.ID] = b
			return c.closeLatestTransaction(ctx, b.ID, models.TxCancelled, "hold expired")
		},
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if b, ok := expired[id]; ok {
			c.logger.Info("booking expired", "booking_id", b.ID, "hold_id", id)
			c.emit(ctx, notifier.BookingExpired, b)
		}
	}
	return len(ids), nil
}

// Sweeper periodically expires lapsed holds and purges stale idempotency
// records. It keeps running while the storage gate is closed so that holds
// taken before an outage still expire once storage is back.
type Sweeper struct {
	coord    *Coordinator
	idem     idempotency.Store
	interval time.Duration
	batch    int
	clock    clock.Clock
	logger   *slog.Logger
}

func NewSweeper(coord *Coordinator, idem idempotency.Store, interval time.Duration, batch int, clk clock.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		coord:    coord,
		idem:     idem,
		interval: interval,
		batch:    batch,
		clock:    clk,
		logger:   logger.With("component", "sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "batch", s.batch)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce drains every lapsed hold in batches, then purges idempotency
// records past their retention.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	total := 0
	for {
		n, err := s.coord.ExpireHolds(ctx, s.batch)
		if err != nil {
			s.logger.Error("hold sweep failed", "error", err)
			break
		}
		total += n
		if n < s.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired holds", "count", total)
	}

	purged, err := s.idem.Purge(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("idempotency purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Debug("purged idempotency records", "count", purged)
	}
}
