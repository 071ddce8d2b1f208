package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares decisions across bridge replicas through
// Redis. SET NX preserves first-write-wins under concurrent submissions.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore wraps a Redis client. Zero ttl means no expiry.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "sentinel:intent:"}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, intentID string) (*CachedDecision, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+intentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("api: redis idempotency get: %w", err)
	}
	var dec CachedDecision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, false, fmt.Errorf("api: redis idempotency decode: %w", err)
	}
	return &dec, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, dec CachedDecision) error {
	if dec.CachedAt.IsZero() {
		dec.CachedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("api: redis idempotency encode: %w", err)
	}
	if err := s.client.SetNX(ctx, s.prefix+dec.IntentID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("api: redis idempotency put: %w", err)
	}
	return nil
}
