// Package payment talks to the external payment provider: outbound session,
// capture and refund calls, and verification of inbound signed notifications.
package payment

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable covers transport failures, timeouts, 5xx
	// responses and an open circuit. Callers may retry later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrCircuitOpen        = fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	// ErrDeclined is a definitive 4xx answer from the provider.
	ErrDeclined = errors.New("payment request declined by provider")
)

type SessionRequest struct {
	TransactionID string
	BookingID     string
	Amount        int64
	Currency      string
	ReturnURL     string
}

type Session struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirectUrl"`
}

type CaptureRequest struct {
	TransactionID     string
	ProviderReference string
	Amount            int64
}

type CaptureResult struct {
	Status string `json:"status"`
}

func (r *CaptureResult) Captured() bool {
	return r != nil && r.Status == "captured"
}

type RefundRequest struct {
	RefundID          string
	ProviderReference string
	Amount            int64
}

type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r *RefundResult) Completed() bool {
	return r != nil && r.Status == "completed"
}

// Gateway is the provider API as seen by the coordinator. Capture and Refund
// carry the transaction and refund IDs as provider idempotency keys.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
