package cache

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = 5 * time.Minute

type entry struct {
	body      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL. Safe for concurrent
// use; a janitor goroutine evicts expired entries so memory stays bounded by
// the working set. Not shared across replicas — use ExactCache when more than
// one gateway instance runs behind the same keys.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the janitor. The janitor
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.janitor(ctx)
	return c
}

// Get returns the cached response body for key, or (nil, false) on a miss.
// Expired entries count as misses and are removed on the next sweep. The
// returned slice is a copy; callers may hand it straight to the response.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}

	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body, true
}

// Set stores a copy of value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	body := make([]byte, len(value))
	copy(body, value)

	c.mu.Lock()
	c.entries[key] = entry{body: body, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
