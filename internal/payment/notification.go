package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSignature      = errors.New("invalid notification signature")
	ErrMalformedNotification = errors.New("malformed notification")
)

type EventType string

const (
	EventAuthorized      EventType = "payment.authorized"
	EventCaptured        EventType = "payment.captured"
	EventFailed          EventType = "payment.failed"
	EventCancelled       EventType = "payment.cancelled"
	EventRefundCompleted EventType = "refund.completed"
	EventRefundFailed    EventType = "refund.failed"
)

func (t EventType) valid() bool {
	switch t {
	case EventAuthorized, EventCaptured, EventFailed, EventCancelled, EventRefundCompleted, EventRefundFailed:
		return true
	}
	return false
}

func (t EventType) IsRefund() bool {
	return t == EventRefundCompleted || t == EventRefundFailed
}

// Notification is a verified provider callback.
type Notification struct {
	EventID           string    `json:"eventId"`
	EventType         EventType `json:"eventType"`
	ProviderReference string    `json:"providerReference"`
	MerchantReference string    `json:"merchantReference"`
	RefundReference   string    `json:"refundReference,omitempty"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	RiskScore         *float64  `json:"riskScore,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// DedupKey identifies the notification across provider retries.
func (n *Notification) DedupKey() string {
	if n.EventType.IsRefund() {
		return n.RefundReference + ":" + string(n.EventType)
	}
	return n.ProviderReference + ":" + string(n.EventType)
}

// Verifier checks the HMAC-SHA256 signature the provider puts in X-Signature.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify authenticates raw against signature before decoding it. Nothing is
// parsed from an unauthenticated payload.
func (v *Verifier) Verify(raw []byte, signature string) (*Notification, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(got, v.mac(raw)) {
		return nil, ErrInvalidSignature
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if !n.EventType.valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedNotification, n.EventType)
	}
	if n.EventType.IsRefund() {
		if n.RefundReference == "" {
			return nil, fmt.Errorf("%w: refundReference is required", ErrMalformedNotification)
		}
	} else if n.ProviderReference == "" {
		return nil, fmt.Errorf("%w: providerReference is required", ErrMalformedNotification)
	}
	return &n, nil
}

// Sign returns the hex signature the provider would send for raw.
func (v *Verifier) Sign(raw []byte) string {
	return hex.EncodeToString(v.mac(raw))
}

func (v *Verifier) mac(raw []byte) []byte {
	m := hmac.New(sha256.New, v.secret)
	m.Write(raw)
	return m.Sum(nil)
}
