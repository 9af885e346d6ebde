package breaker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const triggerKeyPrefix = "breaker:triggers:"

// RedisTriggerStore mirrors trigger counts into Redis so they survive
// restarts and are visible across replicas.
type RedisTriggerStore struct {
	client *redis.Client
}

// NewRedisTriggerStore wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisTriggerStore(client *redis.Client) *RedisTriggerStore {
	return &RedisTriggerStore{client: client}
}

// IncrementTrigger bumps the durable trigger counter for the upstream key.
func (s *RedisTriggerStore) IncrementTrigger(ctx context.Context, key string) error {
	return s.client.Incr(ctx, triggerKeyPrefix+key).Err()
}

// TriggerCount reads the durable trigger counter. Missing keys read as zero.
func (s *RedisTriggerStore) TriggerCount(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, triggerKeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
