package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	calls     atomic.Int32
	sessionFn func() (*Session, error)
}

func (s *stubGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	s.calls.Add(1)
	return s.sessionFn()
}
func (s *stubGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	s.calls.Add(1)
	return &CaptureResult{Status: "captured"}, nil
}
func (s *stubGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	s.calls.Add(1)
	return &RefundResult{Status: "pending"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	stub := &stubGateway{sessionFn: func() (*Session, error) {
		if failing.Load() {
			return nil, ErrGatewayUnavailable
		}
		return &Session{ID: "sess_ok"}, nil
	}}
	gw := WithBreaker(stub, BreakerSettings{Failures: 5, Window: time.Minute, Cooldown: 50 * time.Millisecond}, discardLogger())

	for i := 0; i < 5; i++ {
		_, err := gw.CreateSession(context.Background(), SessionRequest{})
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	require.Equal(t, int32(5), stub.calls.Load())

	// open: fails fast without reaching the provider
	_, err := gw.CreateSession(context.Background(), SessionRequest{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, int32(5), stub.calls.Load())

	// half-open after cooldown: one successful trial closes it
	time.Sleep(70 * time.Millisecond)
	failing.Store(false)
	s, err := gw.CreateSession(context.Background(), SessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sess_ok", s.ID)

	_, err = gw.CreateSession(context.Background(), SessionRequest{})
	assert.NoError(t, err)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	stub := &stubGateway{sessionFn: func() (*Session, error) { return nil, ErrGatewayUnavailable }}
	gw := WithBreaker(stub, BreakerSettings{Failures: 2, Window: time.Minute, Cooldown: 30 * time.Millisecond}, discardLogger())

	_, _ = gw.CreateSession(context.Background(), SessionRequest{})
	_, _ = gw.CreateSession(context.Background(), SessionRequest{})

	time.Sleep(40 * time.Millisecond)
	_, err := gw.CreateSession(context.Background(), SessionRequest{})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.NotErrorIs(t, err, ErrCircuitOpen, "trial call reaches the provider")

	_, err = gw.CreateSession(context.Background(), SessionRequest{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestBreaker_DeclinesDoNotTrip(t *testing.T) {
	stub := &stubGateway{sessionFn: func() (*Session, error) {
		return nil, errors.Join(ErrDeclined, errors.New("card expired"))
	}}
	gw := WithBreaker(stub, BreakerSettings{Failures: 2, Window: time.Minute, Cooldown: time.Minute}, discardLogger())

	for i := 0; i < 5; i++ {
		_, err := gw.CreateSession(context.Background(), SessionRequest{})
		assert.ErrorIs(t, err, ErrDeclined)
	}
	assert.Equal(t, int32(5), stub.calls.Load())
}

func TestBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sess_1","redirectUrl":"https://pay/sess_1"}`))
	}))
	defer srv.Close()

	gw := WithBreaker(NewClient(srv.URL, "", time.Second), BreakerSettings{Failures: 2, Window: time.Minute, Cooldown: time.Minute}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 4; i++ {
		_, err := gw.CreateSession(ctx, SessionRequest{TransactionID: "tx-1"})
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	s, err := gw.CreateSession(context.Background(), SessionRequest{TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", s.ID)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	stub := &stubGateway{sessionFn: func() (*Session, error) { return nil, ErrGatewayUnavailable }}
	gw := WithBreaker(stub, BreakerSettings{Failures: 1, Window: time.Minute, Cooldown: time.Minute}, discardLogger())

	_, _ = gw.CreateSession(context.Background(), SessionRequest{})
	_, err := gw.CreateSession(context.Background(), SessionRequest{})
	require.ErrorIs(t, err, ErrCircuitOpen)

	res, err := gw.Capture(context.Background(), CaptureRequest{})
	require.NoError(t, err)
	assert.True(t, res.Captured())
}
