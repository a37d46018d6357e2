//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/saga"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *stack) book(ctx context.Context, key string, quantity int) (*saga.View, error) {
	return s.coord.CreateBooking(ctx, saga.BookingRequest{
		IdempotencyKey: key,
		Slot:           slotRef,
		Quantity:       quantity,
		CustomerRef:    "cust-" + key,
	})
}

func (s *stack) deliver(t *testing.T, typ payment.EventType, txn *models.Transaction) (*saga.WebhookResult, error) {
	t.Helper()
	raw, err := json.Marshal(payment.Notification{
		EventID:           "evt_" + uuid.NewString(),
		EventType:         typ,
		ProviderReference: *txn.ProviderReference,
		MerchantReference: txn.ID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		OccurredAt:        s.clock.Now(),
	})
	require.NoError(t, err)
	return s.coord.HandlePaymentNotification(context.Background(), raw, s.verifier.Sign(raw))
}

// Test: 40 customers race for 10 seats → exactly 10 holds, 30 rejections
func TestConcurrentBooking_NeverOversells(t *testing.T) {
	s := newStack(t, 10)

	total := 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	var held, rejected int
	var unexpected []error

	wg.Add(total)
	for i := 0; i < total; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.book(t.Context(), fmt.Sprintf("key-%03d", i), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				held++
			case errors.Is(err, ledger.ErrInsufficientCapacity):
				rejected++
			default:
				unexpected = append(unexpected, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, 10, held)
	assert.Equal(t, 30, rejected)

	slot := s.slot(t)
	assert.Equal(t, 10, slot.HeldCount)
	assert.Equal(t, 0, slot.SoldCount)
	assert.Equal(t, 0, slot.Available())
}

// Test: same idempotency key sent concurrently → one booking, one hold
func TestConcurrentBooking_SameKeyCreatesOneBooking(t *testing.T) {
	s := newStack(t, 10)

	total := 10
	ids := make(chan string, total)
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		go func() {
			defer wg.Done()
			v, err := s.book(t.Context(), "same-key", 2)
			if assert.NoError(t, err) {
				ids <- v.Booking.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	distinct := map[string]bool{}
	for id := range ids {
		distinct[id] = true
	}
	assert.Len(t, distinct, 1)
	assert.Equal(t, 2, s.slot(t).HeldCount)
	assert.Equal(t, int32(1), s.gateway.SessionCalls.Load())
}

func TestBookingLifecycle_CaptureConfirmsOnce(t *testing.T) {
	s := newStack(t, 3)
	ctx := t.Context()

	v, err := s.book(ctx, "key-1", 2)
	require.NoError(t, err)
	require.Equal(t, models.BookingPaymentPending, v.Booking.State)
	require.NotEmpty(t, v.RedirectURL())

	var wg sync.WaitGroup
	results := make([]*saga.WebhookResult, 5)
	raw, err := json.Marshal(payment.Notification{
		EventID:           "evt_capture",
		EventType:         payment.EventCaptured,
		ProviderReference: *v.Transaction.ProviderReference,
		MerchantReference: v.Transaction.ID,
		Amount:            v.Transaction.Amount,
		Currency:          "EUR",
		OccurredAt:        s.clock.Now(),
	})
	require.NoError(t, err)
	sig := s.verifier.Sign(raw)

	wg.Add(len(results))
	for i := range results {
		go func(i int) {
			defer wg.Done()
			res, err := s.coord.HandlePaymentNotification(ctx, raw, sig)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].Outcome, res.Outcome)
	}

	got, err := s.coord.GetBooking(ctx, v.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, got.Booking.State)
	assert.Equal(t, models.TxCaptured, got.Transaction.State)

	slot := s.slot(t)
	assert.Equal(t, 0, slot.HeldCount)
	assert.Equal(t, 2, slot.SoldCount)
	assert.Equal(t, 1, s.emitter.Count(notifier.BookingConfirmed, v.Booking.ID))
}

func TestBookingLifecycle_ExpiryThenLateCaptureRefunds(t *testing.T) {
	s := newStack(t, 2)
	ctx := t.Context()

	v, err := s.book(ctx, "key-1", 1)
	require.NoError(t, err)

	s.clock.Advance(16 * time.Minute)
	n, err := s.coord.ExpireHolds(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.coord.GetBooking(ctx, v.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingExpired, got.Booking.State)
	assert.Equal(t, 0, s.slot(t).HeldCount)

	res, err := s.deliver(t, payment.EventCaptured, v.Transaction)
	require.NoError(t, err)
	assert.Equal(t, saga.OutcomeConflict, res.Outcome)

	got, err = s.coord.GetBooking(ctx, v.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingExpired, got.Booking.State)
	assert.Equal(t, models.TxCaptured, got.Transaction.State)
	require.Len(t, got.Refunds, 1)
	assert.Equal(t, v.Transaction.Amount, got.Refunds[0].Amount)
	assert.Equal(t, 0, s.slot(t).SoldCount)
	assert.Equal(t, 1, s.emitter.Count(notifier.BookingExpired, v.Booking.ID))
	assert.Zero(t, s.emitter.Count(notifier.BookingConfirmed, v.Booking.ID))
}

func TestCancel_ReleasesHold(t *testing.T) {
	s := newStack(t, 1)
	ctx := t.Context()

	v, err := s.book(ctx, "key-1", 1)
	require.NoError(t, err)
	_, err = s.book(ctx, "key-2", 1)
	require.ErrorIs(t, err, ledger.ErrInsufficientCapacity)

	cancelled, err := s.coord.CancelBooking(ctx, v.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Booking.State)
	assert.Equal(t, models.TxCancelled, cancelled.Transaction.State)

	_, err = s.book(ctx, "key-3", 1)
	assert.NoError(t, err)
}

func TestRefund_CappedAtCapture(t *testing.T) {
	s := newStack(t, 2)
	ctx := t.Context()

	v, err := s.book(ctx, "key-1", 1)
	require.NoError(t, err)
	_, err = s.deliver(t, payment.EventCaptured, v.Transaction)
	require.NoError(t, err)

	_, err = s.coord.RequestRefund(ctx, saga.RefundRequest{BookingID: v.Booking.ID, Amount: 2500, IdempotencyKey: "r1"})
	require.NoError(t, err)
	_, err = s.coord.RequestRefund(ctx, saga.RefundRequest{BookingID: v.Booking.ID, Amount: 2000, IdempotencyKey: "r2"})
	assert.ErrorIs(t, err, saga.ErrRefundExceedsCapture)
	_, err = s.coord.RequestRefund(ctx, saga.RefundRequest{BookingID: v.Booking.ID, Amount: 1500, IdempotencyKey: "r3"})
	assert.NoError(t, err)
}

// Cancel and the expiry sweep lock the booking before its hold, so racing
// them never ends in a Postgres deadlock abort.
func TestCancelRacingExpirySweep_NoDeadlock(t *testing.T) {
	const bookings = 12
	s := newStack(t, bookings)
	ctx := t.Context()

	ids := make([]string, 0, bookings)
	for i := 0; i < bookings; i++ {
		v, err := s.book(ctx, fmt.Sprintf("key-%d", i), 1)
		require.NoError(t, err)
		ids = append(ids, v.Booking.ID)
	}
	s.clock.Advance(16 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	cancelled, swept := 0, 0

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.coord.CancelBooking(ctx, id)
			if err != nil && !errors.Is(err, booking.ErrStateConflict) {
				t.Errorf("cancel %s: %v", id, err)
				return
			}
			if err == nil {
				mu.Lock()
				cancelled++
				mu.Unlock()
			}
		}(id)
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.coord.ExpireHolds(ctx, 100)
			assert.NoError(t, err)
			mu.Lock()
			swept += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, bookings, cancelled+swept, "every hold ends exactly once")
	for _, id := range ids {
		got, err := s.coord.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, []models.BookingState{models.BookingCancelled, models.BookingExpired}, got.Booking.State)
	}
	slot := s.slot(t)
	assert.Zero(t, slot.HeldCount)
	assert.Zero(t, slot.SoldCount)
}
