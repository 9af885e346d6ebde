// Package guard implements the policy gates consulted by the proxy pipeline
// before any routing work happens: a Redis-backed IP blocklist and a
// user-agent based anti-bot heuristic. Both are consumed as yes/no decisions;
// the pipeline owns the response shape for blocked requests.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blocklistSetKey     = "blocklist:ip"
	blocklistReasonKey  = "blocklist:reason:"
	defaultQueryTimeout = 300 * time.Millisecond
)

// IPBlocklist answers "is this IP blocked" against a Redis set. On any Redis
// error the request is allowed — the blocklist degrades open so an outage in
// the policy store never takes the gateway down.
type IPBlocklist struct {
	client       *redis.Client
	queryTimeout time.Duration
	log          *slog.Logger
}

// NewIPBlocklist wraps an existing Redis client. The caller owns the client
// lifecycle. Pass nil to disable the blocklist entirely.
func NewIPBlocklist(client *redis.Client, log *slog.Logger) *IPBlocklist {
	if log == nil {
		log = slog.Default()
	}
	return &IPBlocklist{client: client, queryTimeout: defaultQueryTimeout, log: log}
}

// Check returns (true, reason) when ip is on the blocklist. The reason is
// read from a companion key and defaults to "blocked" when absent.
func (b *IPBlocklist) Check(ctx context.Context, ip string) (bool, string) {
	if b == nil || b.client == nil || ip == "" {
		return false, ""
	}

	ctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	blocked, err := b.client.SIsMember(ctx, blocklistSetKey, ip).Result()
	if err != nil {
		b.log.WarnContext(ctx, "ip_blocklist_error",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return false, ""
	}
	if !blocked {
		return false, ""
	}

	reason, err := b.client.Get(ctx, blocklistReasonKey+ip).Result()
	if err != nil || reason == "" {
		reason = "blocked"
	}
	return true, reason
}
