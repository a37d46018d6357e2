package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// RedisStore keeps records as JSON values whose TTL matches the record expiry.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(scope, key string) string {
	return redisKeyPrefix + scope + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, redisKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotency record: %w", err)
	}

	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("idempotency record %s/%s already expired", rec.Scope, rec.Key)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode idempotency record: %w", err)
	}

	stored, err := s.client.SetNX(ctx, redisKey(rec.Scope, rec.Key), raw, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx idempotency record: %w", err)
	}
	if stored {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, rec.Scope, rec.Key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// expired between SETNX and GET
		return s.Save(ctx, rec)
	}
	return existing, false, nil
}

// Purge is a no-op: redis evicts records through their TTL.
func (s *RedisStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}
