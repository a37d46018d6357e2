package booking_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_TransitionTable(t *testing.T) {
	tests := []struct {
		from    models.BookingState
		event   booking.Event
		to      models.BookingState
		applied bool
		err     error
	}{
		{models.BookingCreated, booking.EventHoldAcquired, models.BookingHoldActive, true, nil},
		{models.BookingCreated, booking.EventCapacityRejected, models.BookingFailed, true, nil},
		{models.BookingHoldActive, booking.EventSessionCreated, models.BookingPaymentPending, true, nil},
		{models.BookingHoldActive, booking.EventSessionFailed, models.BookingFailed, true, nil},
		{models.BookingHoldActive, booking.EventHoldExpired, models.BookingExpired, true, nil},
		{models.BookingPaymentPending, booking.EventPaymentCaptured, models.BookingConfirmed, true, nil},
		{models.BookingPaymentPending, booking.EventPaymentFailed, models.BookingFailed, true, nil},
		{models.BookingPaymentPending, booking.EventHoldExpired, models.BookingExpired, true, nil},
		{models.BookingCreated, booking.EventCancelled, models.BookingCancelled, true, nil},
		{models.BookingHoldActive, booking.EventCancelled, models.BookingCancelled, true, nil},
		{models.BookingPaymentPending, booking.EventCancelled, models.BookingCancelled, true, nil},

		// same terminal transition twice is a no-op
		{models.BookingConfirmed, booking.EventPaymentCaptured, models.BookingConfirmed, false, nil},
		{models.BookingCancelled, booking.EventCancelled, models.BookingCancelled, false, nil},
		{models.BookingExpired, booking.EventHoldExpired, models.BookingExpired, false, nil},
		{models.BookingFailed, booking.EventPaymentFailed, models.BookingFailed, false, nil},

		// terminal states accept nothing else
		{models.BookingExpired, booking.EventPaymentCaptured, models.BookingExpired, false, booking.ErrStateConflict},
		{models.BookingConfirmed, booking.EventCancelled, models.BookingConfirmed, false, booking.ErrStateConflict},
		{models.BookingCancelled, booking.EventPaymentCaptured, models.BookingCancelled, false, booking.ErrStateConflict},
		{models.BookingConfirmed, booking.EventHoldExpired, models.BookingConfirmed, false, booking.ErrStateConflict},

		// no skipping ahead
		{models.BookingCreated, booking.EventPaymentCaptured, models.BookingCreated, false, booking.ErrStateConflict},
		{models.BookingHoldActive, booking.EventPaymentCaptured, models.BookingHoldActive, false, booking.ErrStateConflict},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			to, applied, err := booking.Next(tt.from, tt.event)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.applied, applied)
		})
	}
}

func newStoredBooking(t *testing.T, store *testutil.Store, state models.BookingState) *models.Booking {
	t.Helper()
	b := &models.Booking{
		ID:             "b-1",
		IdempotencyKey: "key-1",
		ResourceID:     "museum",
		SlotID:         "2026-05-01T10:00",
		Quantity:       1,
		CustomerRef:    "cust-1",
		Amount:         1500,
		Currency:       "EUR",
		State:          state,
	}
	require.NoError(t, store.Bookings().Create(context.Background(), b))
	return b
}

func TestMachine_Apply_PersistsTransitionAndMutations(t *testing.T) {
	store := testutil.NewStore()
	m := booking.NewMachine(store.Bookings())
	b := newStoredBooking(t, store, models.BookingCreated)

	out, err := m.Apply(context.Background(), b, booking.EventHoldAcquired, booking.WithHold("hold-1"))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, models.BookingHoldActive, b.State)

	stored, err := store.Bookings().FindByID(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingHoldActive, stored.State)
	require.NotNil(t, stored.HoldID)
	assert.Equal(t, "hold-1", *stored.HoldID)
}

func TestMachine_Apply_StaleCopyResolvesAgainstWinner(t *testing.T) {
	store := testutil.NewStore()
	m := booking.NewMachine(store.Bookings())
	b := newStoredBooking(t, store, models.BookingPaymentPending)

	stale := *b
	_, err := m.Apply(context.Background(), b, booking.EventCancelled)
	require.NoError(t, err)

	// a capture racing the cancel loses and reports the conflict
	out, err := m.Apply(context.Background(), &stale, booking.EventPaymentCaptured)
	assert.ErrorIs(t, err, booking.ErrStateConflict)
	assert.False(t, out.Applied)
	assert.Equal(t, models.BookingCancelled, stale.State)

	// a second cancel from a stale copy is a no-op
	stale2 := *b
	stale2.State = models.BookingPaymentPending
	out, err = m.Apply(context.Background(), &stale2, booking.EventCancelled)
	assert.NoError(t, err)
	assert.False(t, out.Applied)
}

func TestMachine_Apply_ConcurrentTerminalTransitionsFirstWriterWins(t *testing.T) {
	store := testutil.NewStore()
	m := booking.NewMachine(store.Bookings())
	b := newStoredBooking(t, store, models.BookingPaymentPending)

	events := []booking.Event{booking.EventPaymentCaptured, booking.EventCancelled, booking.EventPaymentFailed, booking.EventHoldExpired}
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for _, ev := range events {
		wg.Add(1)
		go func(ev booking.Event) {
			defer wg.Done()
			cp := *b
			out, _ := m.Apply(context.Background(), &cp, ev)
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(ev)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	stored, err := store.Bookings().FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, stored.State.IsTerminal())
}
