// Package idempotency records the first outcome produced for a key so that
// retried client requests and redelivered webhooks observe a stable result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
)

// Scopes partition the key space.
const (
	ScopeWebhook = "webhook"
)

// Store needs only per-key atomicity: Save is a single insert-if-absent.
type Store interface {
	// Get returns nil, nil when no live record exists.
	Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
	// Save stores rec unless a live record exists for the key. It returns the
	// record that is now authoritative and whether rec was the one stored.
	Save(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error)
	// Purge deletes records that expired before the given time.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// NewRecord builds a record that lives for ttl from now.
func NewRecord(scope, key, requestHash string, status int, body []byte, now time.Time, ttl time.Duration) *models.IdempotencyRecord {
	return &models.IdempotencyRecord{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		StatusCode:  status,
		Body:        body,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
