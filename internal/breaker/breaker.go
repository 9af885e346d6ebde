// Package breaker implements the per-upstream circuit breaker.
//
// One state machine exists per upstream key (a provider id, or
// "providerID::modelID" when per-model tracking is wanted). The breaker is
// purely advisory: callers ask IsAvailable before dispatch and report
// outcomes with RecordSuccess / RecordFailure. It never performs retries or
// dispatch itself.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the operational state of one upstream's breaker.
type State int

const (
	StateClosed   State = 0 // normal operation
	StateOpen     State = 1 // rejecting fast
	StateHalfOpen State = 2 // probing
)

// String returns the state label used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults.
const (
	DefaultFailureThreshold    = 2
	DefaultSuccessThreshold    = 2
	DefaultTimeout             = 120 * time.Second
	DefaultHalfOpenMaxAttempts = 3
)

// Config holds breaker tuning parameters. Zero values use the defaults.
type Config struct {
	// FailureThreshold is the closed-state failure count that opens the
	// circuit. Default: 2.
	FailureThreshold int

	// SuccessThreshold is the half-open success count that closes the
	// circuit. Default: 2.
	SuccessThreshold int

	// Timeout is how long an open circuit rejects before allowing a
	// half-open probe. Measured from the last failure. Default: 120s.
	Timeout time.Duration

	// HalfOpenMaxAttempts caps probe admissions while half-open. Default: 3.
	HalfOpenMaxAttempts int
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Config) halfOpenMaxAttempts() int {
	if c.HalfOpenMaxAttempts > 0 {
		return c.HalfOpenMaxAttempts
	}
	return DefaultHalfOpenMaxAttempts
}

// TriggerStore persists circuit-open counts. Implementations must tolerate
// being called from short-lived goroutines; failures are logged, never
// propagated to the request path.
type TriggerStore interface {
	IncrementTrigger(ctx context.Context, key string) error
}

// Stats is a read-only snapshot of one upstream's breaker state.
type Stats struct {
	Failures         int
	Successes        int
	LastFailureTime  time.Time
	State            State
	HalfOpenAttempts int
	TriggerCount     int64
}

type upstream struct {
	mu sync.Mutex

	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	halfOpenAttempts int
	triggerCount     int64
}

// Breaker manages independent circuit breakers keyed by upstream. Safe for
// concurrent use.
type Breaker struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream

	cfg      Config
	triggers TriggerStore
	log      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithTriggerStore enables asynchronous trigger-count persistence.
func WithTriggerStore(ts TriggerStore) Option {
	return func(b *Breaker) { b.triggers = ts }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// New creates a Breaker with the given config.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		upstreams: make(map[string]*upstream),
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Key builds the per-model upstream key.
func Key(providerID, modelID string) string {
	if modelID == "" {
		return providerID
	}
	return providerID + "::" + modelID
}

func (b *Breaker) get(key string) *upstream {
	b.mu.RLock()
	u := b.upstreams[key]
	b.mu.RUnlock()
	if u != nil {
		return u
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if u = b.upstreams[key]; u == nil {
		u = &upstream{state: StateClosed}
		b.upstreams[key] = u
	}
	return u
}

// IsAvailable reports whether the upstream should receive the next request.
//
//   - Closed: always true.
//   - Open: false until Timeout has elapsed since the last failure, then the
//     breaker transitions to HalfOpen and this call counts as the first probe
//     admission.
//   - HalfOpen: true while fewer than HalfOpenMaxAttempts probes have been
//     admitted.
func (b *Breaker) IsAvailable(key string) bool {
	u := b.get(key)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(u.lastFailureTime) >= b.cfg.timeout() {
			u.state = StateHalfOpen
			u.successes = 0
			u.halfOpenAttempts = 1
			return true
		}
		return false

	case StateHalfOpen:
		if u.halfOpenAttempts < b.cfg.halfOpenMaxAttempts() {
			u.halfOpenAttempts++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess reports a successful upstream call.
//
// Closed: decrements the failure counter by one (floored at zero) — a decay,
// not a reset, so one success does not erase a failure streak. HalfOpen:
// counts toward SuccessThreshold; reaching it closes the circuit and resets
// all counters.
func (b *Breaker) RecordSuccess(key string) {
	u := b.get(key)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateClosed:
		if u.failures > 0 {
			u.failures--
		}
	case StateHalfOpen:
		u.successes++
		if u.successes >= b.cfg.successThreshold() {
			u.state = StateClosed
			u.failures = 0
			u.successes = 0
			u.halfOpenAttempts = 0
		}
	}
}

// RecordFailure reports a failed upstream call.
//
// Closed: increments the failure counter; reaching FailureThreshold opens
// the circuit. HalfOpen: any failure immediately reopens. Both open
// transitions bump the trigger count and mirror it asynchronously.
func (b *Breaker) RecordFailure(key string) {
	u := b.get(key)
	u.mu.Lock()
	u.lastFailureTime = b.now()

	opened := false
	switch u.state {
	case StateClosed:
		u.failures++
		if u.failures >= b.cfg.failureThreshold() {
			u.state = StateOpen
			u.triggerCount++
			opened = true
		}
	case StateHalfOpen:
		u.state = StateOpen
		u.triggerCount++
		opened = true
	case StateOpen:
		// Already open; just refresh the failure time.
	}
	u.mu.Unlock()

	if opened {
		b.persistTrigger(key)
	}
}

// persistTrigger mirrors the trigger count to durable storage without ever
// blocking the request path.
func (b *Breaker) persistTrigger(key string) {
	if b.triggers == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.triggers.IncrementTrigger(ctx, key); err != nil {
			b.log.Warn("breaker_trigger_persist_failed",
				slog.String("upstream", key),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	u := b.get(key)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Snapshot returns a copy of the stats for key.
func (b *Breaker) Snapshot(key string) Stats {
	u := b.get(key)
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		Failures:         u.failures,
		Successes:        u.successes,
		LastFailureTime:  u.lastFailureTime,
		State:            u.state,
		HalfOpenAttempts: u.halfOpenAttempts,
		TriggerCount:     u.triggerCount,
	}
}
