// Package ratelimit implements per-virtual-key requests-per-minute limiting
// using Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:vk:"

// RPMLimiter enforces each virtual key's RPM limit using a Redis sliding
// window. Keys without an explicit limit get defaultLimit; a defaultLimit
// of 0 means unlimited.
type RPMLimiter struct {
	rdb          *redis.Client
	defaultLimit int
}

func NewRPMLimiter(rdb *redis.Client, defaultLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, defaultLimit: defaultLimit}
}

// Allow reports whether the virtual key may make another request this
// minute. limit ≤ 0 falls back to the default; no effective limit allows
// everything.
func (r *RPMLimiter) Allow(ctx context.Context, virtualKeyID string, limit int) (bool, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + virtualKeyID},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
