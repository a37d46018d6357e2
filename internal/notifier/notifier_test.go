package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	publishFn func(ctx context.Context, routingKey string, payload any) error
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	return m.publishFn(ctx, routingKey, payload)
}

func TestBrokerEmitter_PublishesPayloadUnderEventType(t *testing.T) {
	var gotKey string
	var gotBody []byte
	pub := &mockPublisher{publishFn: func(ctx context.Context, routingKey string, payload any) error {
		gotKey = routingKey
		var err error
		gotBody, err = json.Marshal(payload)
		return err
	}}

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	b := &models.Booking{ID: "b-1", ResourceID: "museum", SlotID: "s-1", Quantity: 2}
	NewBrokerEmitter(pub, slog.Default()).Emit(context.Background(), NewEvent(BookingConfirmed, b, at))

	assert.Equal(t, "booking.confirmed", gotKey)
	assert.JSONEq(t, `{"bookingId":"b-1","slotId":"s-1","quantity":2,"timestamp":"2026-05-01T10:00:00Z"}`, string(gotBody))
}

func TestBrokerEmitter_PublishFailureIsLoggedNotRaised(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	pub := &mockPublisher{publishFn: func(ctx context.Context, routingKey string, payload any) error {
		return errors.New("channel closed")
	}}

	require.NotPanics(t, func() {
		NewBrokerEmitter(pub, logger).Emit(context.Background(), Event{Type: BookingFailed, BookingID: "b-2"})
	})
	assert.Contains(t, buf.String(), "channel closed")
	assert.Contains(t, buf.String(), "b-2")
}
