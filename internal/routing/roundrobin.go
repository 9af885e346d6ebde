package routing

import "sync"

// RoundRobin keeps per-routing-config cursors for the fallback strategy.
// State is explicit and injected so tests (and a future multi-instance
// deployment) control its lifetime; cursors live for the process.
type RoundRobin struct {
	mu  sync.Mutex
	idx map[string]int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{idx: make(map[string]int)}
}

// Next returns the current cursor for key modulo n and advances it.
// n must be positive.
func (r *RoundRobin) Next(key string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.idx[key] % n
	r.idx[key] = i + 1
	return i
}
