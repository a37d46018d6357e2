package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = models.SlotRef{ResourceID: "museum", SlotID: "2026-05-01T10:00"}

func setup(t *testing.T, capacity int) (*ledger.Ledger, *testutil.Store, *clock.Manual) {
	t.Helper()
	store := testutil.NewStore()
	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := ledger.New(store, store.Slots(), store.Holds(), clk, testutil.DiscardLogger())

	err := l.DefineSlot(context.Background(), &models.AvailabilitySlot{
		ResourceID:    ref.ResourceID,
		SlotID:        ref.SlotID,
		Date:          time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Timeslot:      "10:00",
		TotalCapacity: capacity,
		UnitAmount:    1500,
		Currency:      "EUR",
	})
	require.NoError(t, err)
	return l, store, clk
}

func assertCounters(t *testing.T, store *testutil.Store, held, sold int) {
	t.Helper()
	slot := store.SlotSnapshot(ref)
	assert.Equal(t, held, slot.HeldCount, "held")
	assert.Equal(t, sold, slot.SoldCount, "sold")
}

func TestTryHold_ScenarioA(t *testing.T) {
	l, store, _ := setup(t, 3)
	ctx := context.Background()

	first, err := l.TryHold(ctx, ref, 2, time.Minute)
	require.NoError(t, err)

	_, err = l.TryHold(ctx, ref, 2, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)

	_, err = l.TryHold(ctx, ref, 1, time.Minute)
	require.NoError(t, err)
	assertCounters(t, store, 3, 0)

	require.NoError(t, l.Release(ctx, first.ID))
	assertCounters(t, store, 1, 0)

	_, err = l.TryHold(ctx, ref, 2, time.Minute)
	require.NoError(t, err)
	assertCounters(t, store, 3, 0)
}

func TestTryHold_Validation(t *testing.T) {
	l, _, _ := setup(t, 3)

	_, err := l.TryHold(context.Background(), ref, 0, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	_, err = l.TryHold(context.Background(), models.SlotRef{ResourceID: "museum", SlotID: "nope"}, 1, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrSlotNotFound)
}

func TestTryHold_SetsExpiry(t *testing.T) {
	l, _, clk := setup(t, 3)

	hold, err := l.TryHold(context.Background(), ref, 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.HoldActive, hold.State)
	assert.Equal(t, clk.Now().Add(15*time.Minute), hold.ExpiresAt)
}

func TestConsume_IsIdempotent(t *testing.T) {
	l, store, _ := setup(t, 3)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 2, time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Consume(ctx, hold.ID))
	require.NoError(t, l.Consume(ctx, hold.ID))
	assertCounters(t, store, 0, 2)
	assert.Equal(t, models.HoldConsumed, store.HoldSnapshot(hold.ID).State)

	// a consumed hold cannot be released
	assert.ErrorIs(t, l.Release(ctx, hold.ID), ledger.ErrHoldNotActive)
	assertCounters(t, store, 0, 2)
}

func TestConsume_ReleasedHoldIsRejected(t *testing.T) {
	l, store, _ := setup(t, 3)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, hold.ID))

	assert.ErrorIs(t, l.Consume(ctx, hold.ID), ledger.ErrHoldNotActive)
	assertCounters(t, store, 0, 0)
}

func TestConsume_PastExpiryExpiresHold(t *testing.T) {
	l, store, clk := setup(t, 3)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 2, time.Minute)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	err = l.Consume(ctx, hold.ID)
	assert.ErrorIs(t, err, ledger.ErrHoldExpired)
	assert.ErrorIs(t, err, ledger.ErrHoldNotActive)
	assert.Equal(t, models.HoldExpired, store.HoldSnapshot(hold.ID).State)
	assertCounters(t, store, 0, 0)
}

func TestRelease_IsIdempotent(t *testing.T) {
	l, store, _ := setup(t, 3)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 2, time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, hold.ID))
	require.NoError(t, l.Release(ctx, hold.ID))
	assertCounters(t, store, 0, 0)

	assert.ErrorIs(t, l.Release(ctx, "missing"), ledger.ErrHoldNotFound)
}

func TestSweepExpired(t *testing.T) {
	l, store, clk := setup(t, 5)
	ctx := context.Background()

	short, err := l.TryHold(ctx, ref, 2, time.Second)
	require.NoError(t, err)
	long, err := l.TryHold(ctx, ref, 1, time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	expired, err := l.SweepExpired(ctx, clk.Now(), 10, ledger.ExpiryHooks{})
	require.NoError(t, err)
	assert.Equal(t, []string{short.ID}, expired)
	assert.Equal(t, models.HoldExpired, store.HoldSnapshot(short.ID).State)
	assert.Equal(t, models.HoldActive, store.HoldSnapshot(long.ID).State)
	assertCounters(t, store, 1, 0)

	// releasing an expired hold is a no-op
	require.NoError(t, l.Release(ctx, short.ID))
	assertCounters(t, store, 1, 0)
}

func TestSweepExpired_HooksWrapHoldExpiry(t *testing.T) {
	l, store, clk := setup(t, 5)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 2, time.Second)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	var seen []models.HoldState
	record := func(ctx context.Context, h *models.ReservationHold) error {
		cur, err := store.Holds().FindByID(ctx, h.ID)
		if err != nil {
			return err
		}
		seen = append(seen, cur.State)
		return nil
	}
	expired, err := l.SweepExpired(ctx, clk.Now(), 10, ledger.ExpiryHooks{Before: record, After: record})
	require.NoError(t, err)
	assert.Equal(t, []string{hold.ID}, expired)
	assert.Equal(t, []models.HoldState{models.HoldActive, models.HoldExpired}, seen)
}

func TestSweepExpired_BeforeErrorLeavesHoldActive(t *testing.T) {
	l, store, clk := setup(t, 5)
	ctx := context.Background()

	hold, err := l.TryHold(ctx, ref, 2, time.Second)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	expired, err := l.SweepExpired(ctx, clk.Now(), 10, ledger.ExpiryHooks{
		Before: func(context.Context, *models.ReservationHold) error { return errors.New("lock timeout") },
	})
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, models.HoldActive, store.HoldSnapshot(hold.ID).State)
	assertCounters(t, store, 2, 0)
}

func TestSweepExpired_ConcurrentSweepersExpireOnce(t *testing.T) {
	l, store, clk := setup(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.TryHold(ctx, ref, 2, time.Second)
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := l.SweepExpired(ctx, clk.Now(), 100, ledger.ExpiryHooks{})
			assert.NoError(t, err)
			mu.Lock()
			total += len(ids)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	assertCounters(t, store, 0, 0)
}

func TestCapacityInvariant_ConcurrentOperations(t *testing.T) {
	const capacity = 7
	l, store, _ := setup(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hold, err := l.TryHold(ctx, ref, 1+i%3, time.Minute)
			if errors.Is(err, ledger.ErrInsufficientCapacity) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			if i%2 == 0 {
				assert.NoError(t, l.Consume(ctx, hold.ID))
			} else {
				assert.NoError(t, l.Release(ctx, hold.ID))
			}

			slot := store.SlotSnapshot(ref)
			assert.LessOrEqual(t, slot.HeldCount+slot.SoldCount, capacity)
		}(i)
	}
	wg.Wait()

	slot := store.SlotSnapshot(ref)
	assert.Equal(t, 0, slot.HeldCount)
	assert.LessOrEqual(t, slot.SoldCount, capacity)
}

func TestDefineSlot_CapacityCannotDropBelowCommitted(t *testing.T) {
	l, store, _ := setup(t, 5)
	ctx := context.Background()

	_, err := l.TryHold(ctx, ref, 4, time.Minute)
	require.NoError(t, err)

	slot := store.SlotSnapshot(ref)
	slot.TotalCapacity = 3
	assert.ErrorIs(t, l.DefineSlot(ctx, &slot), ledger.ErrCapacityBelowCommitted)

	slot.TotalCapacity = 8
	require.NoError(t, l.DefineSlot(ctx, &slot))
	got := store.SlotSnapshot(ref)
	assert.Equal(t, 8, got.TotalCapacity)
	assert.Equal(t, 4, got.HeldCount, "counters survive a catalog update")
}
