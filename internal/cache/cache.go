package cache

import (
	"context"
	"time"
)

// Cache is the backend surface the gateway's response cache is written
// against. Implementations must be safe for concurrent use; Get reports
// misses rather than errors so a degraded backend never fails a request.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
