// Package cache provides Redis-backed exact-match response caching, scoped
// per virtual key (see Key).
//
// Graceful degradation: when Redis is unavailable, Get returns (nil, false)
// and Set returns nil so the proxy never fails due to a missing cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-operation budget. A slow cache must never hold up the request path;
// anything over this is treated as a miss.
const defaultCacheTimeout = 500 * time.Millisecond

// ExactCache implements Cache over a shared Redis instance so all gateway
// replicas see the same entries. Reads and writes degrade to misses and
// no-ops on Redis errors; only Delete propagates failures, since callers
// invalidating an entry need to know it may still exist.
type ExactCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewExactCacheFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewExactCacheFromClient(redisCli *redis.Client) *ExactCache {
	return &ExactCache{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// Get returns (body, true) on a hit, (nil, false) on a miss or any Redis
// error. Errors other than a plain miss are logged at WARN.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, redis.Nil):
		return nil, false
	default:
		slog.WarnContext(ctx, "cache_get_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
}

// Set stores value under key. A zero or negative ttl is treated as a 1-hour
// TTL. Always returns nil; Redis errors are logged and swallowed.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key. Unlike Get/Set this surfaces the Redis error.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}
