package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/google/uuid"
)

// DiscardLogger drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// IdempotencyStore is an in-memory idempotency.Store.
type IdempotencyStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]models.IdempotencyRecord
}

func NewIdempotencyStore(clk clock.Clock) *IdempotencyStore {
	return &IdempotencyStore{clock: clk, records: map[string]models.IdempotencyRecord{}}
}

func (s *IdempotencyStore) Get(_ context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope+"|"+key]
	if !ok || !rec.ExpiresAt.After(s.clock.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *IdempotencyStore) Save(_ context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.Scope + "|" + rec.Key
	if existing, ok := s.records[k]; ok && existing.ExpiresAt.After(s.clock.Now()) {
		return &existing, false, nil
	}
	s.records[k] = *rec
	return rec, true, nil
}

func (s *IdempotencyStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held, expired or not.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Gateway is a payment.Gateway whose calls are served by the func fields.
// Nil fields answer with a successful default.
type Gateway struct {
	CreateSessionFunc func(ctx context.Context, req payment.SessionRequest) (*payment.Session, error)
	CaptureFunc       func(ctx context.Context, req payment.CaptureRequest) (*payment.CaptureResult, error)
	RefundFunc        func(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error)

	SessionCalls atomic.Int32
	CaptureCalls atomic.Int32
	RefundCalls  atomic.Int32
}

func (g *Gateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.SessionCalls.Add(1)
	if g.CreateSessionFunc != nil {
		return g.CreateSessionFunc(ctx, req)
	}
	id := "sess_" + req.TransactionID
	return &payment.Session{ID: id, RedirectURL: "https://pay.example.test/" + id}, nil
}

func (g *Gateway) Capture(ctx context.Context, req payment.CaptureRequest) (*payment.CaptureResult, error) {
	g.CaptureCalls.Add(1)
	if g.CaptureFunc != nil {
		return g.CaptureFunc(ctx, req)
	}
	return &payment.CaptureResult{Status: "captured"}, nil
}

func (g *Gateway) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	g.RefundCalls.Add(1)
	if g.RefundFunc != nil {
		return g.RefundFunc(ctx, req)
	}
	return &payment.RefundResult{ID: "rf_" + uuid.NewString(), Status: "pending"}, nil
}

// Emitter records emitted events in order.
type Emitter struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (e *Emitter) Emit(_ context.Context, ev notifier.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *Emitter) Events() []notifier.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notifier.Event(nil), e.events...)
}

// Count returns how many events of type t were emitted for a booking.
func (e *Emitter) Count(t notifier.EventType, bookingID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t && ev.BookingID == bookingID {
			n++
		}
	}
	return n
}
