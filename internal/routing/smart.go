package routing

import (
	"log/slog"
	"math/rand"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// Availability reports whether an upstream (provider, model) pair is
// currently accepting traffic. The circuit breaker implements it; a nil
// Availability means everything is available.
type Availability interface {
	IsAvailable(providerID, model string) bool
}

// SmartRouter picks one target out of a routing config's target list.
//
// loadbalance draws a weighted-random target; fallback walks the list
// with a strict round-robin cursor keyed by routing config ID.
type SmartRouter struct {
	rr    *RoundRobin
	avail Availability
	log   *slog.Logger

	// randFloat is replaceable in tests.
	randFloat func() float64
}

func NewSmartRouter(rr *RoundRobin, avail Availability, log *slog.Logger) *SmartRouter {
	if log == nil {
		log = slog.Default()
	}
	return &SmartRouter{rr: rr, avail: avail, log: log, randFloat: rand.Float64}
}

// Select returns the target to dispatch to. The config must already be
// validated; an empty target list or unknown strategy is an error.
func (s *SmartRouter) Select(rc *store.RoutingConfig) (*store.RouteTarget, error) {
	if err := rc.Validate(); err != nil {
		return nil, errSmartRouting(err.Error())
	}
	switch rc.Strategy {
	case store.StrategyLoadBalance:
		return s.loadbalance(rc), nil
	case store.StrategyFallback:
		return s.fallback(rc), nil
	default:
		return nil, errSmartRouting("unknown routing strategy: " + rc.Strategy)
	}
}

// targetWeight treats an absent weight as 1 so configs without weights
// balance evenly. Explicit zeros remove a target from the draw.
func targetWeight(t *store.RouteTarget) float64 {
	if t.Weight == nil {
		return 1
	}
	return float64(*t.Weight)
}

// targetModel is the model name the target would dispatch with, for breaker
// lookups. Empty when the target keeps the request's declared model.
func targetModel(t *store.RouteTarget) string {
	if t.OverrideParams != nil {
		return t.OverrideParams.Model
	}
	return ""
}

func (s *SmartRouter) loadbalance(rc *store.RoutingConfig) *store.RouteTarget {
	targets := rc.Targets
	var total float64
	for i := range targets {
		total += targetWeight(&targets[i])
	}
	if total <= 0 {
		// All weights explicitly zero: deterministic first target.
		return &targets[0]
	}
	r := s.randFloat() * total
	pick := 0
	for i := range targets {
		r -= targetWeight(&targets[i])
		if r < 0 {
			pick = i
			break
		}
	}
	return s.preferAvailable(rc, pick)
}

func (s *SmartRouter) fallback(rc *store.RoutingConfig) *store.RouteTarget {
	pick := s.rr.Next(rc.ID, len(rc.Targets))
	return s.preferAvailable(rc, pick)
}

// preferAvailable keeps the selected target unless its breaker is open, in
// which case it scans forward for the next available one. When every
// target is unavailable the original pick goes through anyway and the
// upstream call reports its own failure.
func (s *SmartRouter) preferAvailable(rc *store.RoutingConfig, pick int) *store.RouteTarget {
	targets := rc.Targets
	if s.avail == nil {
		return &targets[pick]
	}
	n := len(targets)
	for off := 0; off < n; off++ {
		t := &targets[(pick+off)%n]
		if s.avail.IsAvailable(t.Provider, targetModel(t)) {
			if off > 0 {
				s.log.Warn("smart_routing_target_skipped",
					"routing_config_id", rc.ID,
					"skipped", off,
					"provider_id", t.Provider)
			}
			return t
		}
	}
	s.log.Warn("smart_routing_all_targets_unavailable", "routing_config_id", rc.ID)
	return &targets[pick]
}
