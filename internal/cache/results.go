// Package cache provides a Redis-backed idempotency cache for finished
// skill executions, keyed by skill id and input content hash.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Results caches execution results so a repeated request with identical
// input can be answered without re-running the skill.
type Results struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewResults creates a Redis-backed result cache.
func NewResults(redisURL string, ttl time.Duration, logger *zap.Logger) (*Results, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Results{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Get loads a cached result into v. Returns false on a miss. Cache errors
// are reported but callers should treat them as misses.
func (r *Results) Get(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores a result under the cache TTL.
func (r *Results) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	r.logger.Debug("result cached", zap.String("key", key))
	return nil
}

// Close shuts down the Redis connection.
func (r *Results) Close() error {
	return r.rdb.Close()
}
