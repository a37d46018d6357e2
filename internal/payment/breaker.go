package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures int
	// Window clears the failure count while the circuit is closed.
	Window time.Duration
	// Cooldown is how long the circuit stays open before one trial call.
	Cooldown time.Duration
}

// breakerGateway guards each provider endpoint with its own circuit breaker,
// shared by every caller of the gateway.
type breakerGateway struct {
	next    Gateway
	session *gobreaker.CircuitBreaker[*Session]
	capture *gobreaker.CircuitBreaker[*CaptureResult]
	refund  *gobreaker.CircuitBreaker[*RefundResult]
}

func WithBreaker(next Gateway, st BreakerSettings, logger *slog.Logger) Gateway {
	return &breakerGateway{
		next:    next,
		session: gobreaker.NewCircuitBreaker[*Session](settings("gateway.session", st, logger)),
		capture: gobreaker.NewCircuitBreaker[*CaptureResult](settings("gateway.capture", st, logger)),
		refund:  gobreaker.NewCircuitBreaker[*RefundResult](settings("gateway.refund", st, logger)),
	}
}

func settings(name string, st BreakerSettings, logger *slog.Logger) gobreaker.Settings {
	threshold := uint32(st.Failures)
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    st.Window,
		Timeout:     st.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A decline is the provider working correctly.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeclined) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

func (g *breakerGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	s, err := g.session.Execute(func() (*Session, error) {
		return g.next.CreateSession(ctx, req)
	})
	return s, breakerErr(err)
}

func (g *breakerGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	r, err := g.capture.Execute(func() (*CaptureResult, error) {
		return g.next.Capture(ctx, req)
	})
	return r, breakerErr(err)
}

func (g *breakerGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	r, err := g.refund.Execute(func() (*RefundResult, error) {
		return g.next.Refund(ctx, req)
	})
	return r, breakerErr(err)
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
