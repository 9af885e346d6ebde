package routing

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/store"
)

func lbConfig(weights ...*int) *store.RoutingConfig {
	rc := &store.RoutingConfig{ID: "rc-1", Strategy: store.StrategyLoadBalance}
	for i, w := range weights {
		rc.Targets = append(rc.Targets, store.RouteTarget{Provider: provName(i), Weight: w})
	}
	return rc
}

func provName(i int) string {
	return string(rune('a' + i))
}

func TestLoadBalanceAllZeroWeightsPicksFirst(t *testing.T) {
	s := NewSmartRouter(NewRoundRobin(), nil, nil)
	rc := lbConfig(intp(0), intp(0), intp(0))
	for i := 0; i < 10; i++ {
		target, err := s.Select(rc)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if target.Provider != "a" {
			t.Fatalf("pick %d = %s, want a (first target)", i, target.Provider)
		}
	}
}

func TestLoadBalanceWeightedDraw(t *testing.T) {
	s := NewSmartRouter(NewRoundRobin(), nil, nil)
	rc := lbConfig(intp(1), intp(3)) // total 4: a owns [0,1), b owns [1,4)
	draws := map[float64]string{
		0.0:  "a",
		0.24: "a",
		0.26: "b",
		0.99: "b",
	}
	for frac, want := range draws {
		s.randFloat = func() float64 { return frac }
		target, err := s.Select(rc)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if target.Provider != want {
			t.Fatalf("draw %.2f = %s, want %s", frac, target.Provider, want)
		}
	}
}

func TestLoadBalanceMissingWeightsBalanceEvenly(t *testing.T) {
	s := NewSmartRouter(NewRoundRobin(), nil, nil)
	rc := lbConfig(nil, nil)
	s.randFloat = func() float64 { return 0.6 }
	target, err := s.Select(rc)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Provider != "b" {
		t.Fatalf("pick = %s, want b for draw in second half", target.Provider)
	}
}

func TestFallbackRoundRobinAdvances(t *testing.T) {
	s := NewSmartRouter(NewRoundRobin(), nil, nil)
	rc := &store.RoutingConfig{
		ID:       "rc-1",
		Strategy: store.StrategyFallback,
		Targets: []store.RouteTarget{
			{Provider: "a"}, {Provider: "b"}, {Provider: "c"},
		},
	}
	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		target, err := s.Select(rc)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if target.Provider != w {
			t.Fatalf("pick %d = %s, want %s", i, target.Provider, w)
		}
	}
}

func TestFallbackCursorsIndependentPerConfig(t *testing.T) {
	rr := NewRoundRobin()
	s := NewSmartRouter(rr, nil, nil)
	mk := func(id string) *store.RoutingConfig {
		return &store.RoutingConfig{
			ID:       id,
			Strategy: store.StrategyFallback,
			Targets:  []store.RouteTarget{{Provider: "a"}, {Provider: "b"}},
		}
	}
	one, two := mk("rc-1"), mk("rc-2")

	t1, _ := s.Select(one)
	t2, _ := s.Select(two)
	if t1.Provider != "a" || t2.Provider != "a" {
		t.Fatalf("fresh cursors should both start at a, got %s/%s", t1.Provider, t2.Provider)
	}
	t1, _ = s.Select(one)
	if t1.Provider != "b" {
		t.Fatalf("rc-1 second pick = %s, want b", t1.Provider)
	}
}

type availFunc func(providerID, model string) bool

func (f availFunc) IsAvailable(providerID, model string) bool { return f(providerID, model) }

func TestFallbackSkipsUnavailableTarget(t *testing.T) {
	avail := availFunc(func(providerID, _ string) bool { return providerID != "a" })
	s := NewSmartRouter(NewRoundRobin(), avail, nil)
	rc := &store.RoutingConfig{
		ID:       "rc-1",
		Strategy: store.StrategyFallback,
		Targets:  []store.RouteTarget{{Provider: "a"}, {Provider: "b"}},
	}
	target, err := s.Select(rc)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Provider != "b" {
		t.Fatalf("pick = %s, want b (a's breaker is open)", target.Provider)
	}
}

func TestAllTargetsUnavailableStillSelects(t *testing.T) {
	avail := availFunc(func(string, string) bool { return false })
	s := NewSmartRouter(NewRoundRobin(), avail, nil)
	rc := &store.RoutingConfig{
		ID:       "rc-1",
		Strategy: store.StrategyFallback,
		Targets:  []store.RouteTarget{{Provider: "a"}, {Provider: "b"}},
	}
	target, err := s.Select(rc)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Provider != "a" {
		t.Fatalf("pick = %s, want original pick when nothing is available", target.Provider)
	}
}

func TestSelectRejectsInvalidConfig(t *testing.T) {
	s := NewSmartRouter(NewRoundRobin(), nil, nil)
	if _, err := s.Select(&store.RoutingConfig{ID: "rc-1", Strategy: "weighted"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if _, err := s.Select(&store.RoutingConfig{ID: "rc-1", Strategy: store.StrategyFallback}); err == nil {
		t.Fatal("expected error for empty target list")
	}
}

func TestResolveSmartAppliesModelOverride(t *testing.T) {
	st := store.NewMemory()
	st.PutProvider(&store.Provider{ID: "prov-1"})
	st.PutRoutingConfig(&store.RoutingConfig{
		ID:       "rc-1",
		Strategy: store.StrategyFallback,
		Targets: []store.RouteTarget{
			{Provider: "prov-1", OverrideParams: &store.OverrideParams{Model: "gpt-4o-mini"}},
		},
	})
	st.PutModel(&store.Model{ID: "m-1", IsVirtual: true, RoutingConfigID: strp("rc-1")})
	vk := &store.VirtualKey{ID: "vk-1", ModelID: strp("m-1")}

	req := &Request{Body: []byte(`{"model":"smart"}`)}
	res, err := newResolver(st, nil).Resolve(context.Background(), vk, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider.ID != "prov-1" {
		t.Fatalf("provider = %s", res.Provider.ID)
	}
	if got := req.Model(); got != "gpt-4o-mini" {
		t.Fatalf("request model = %q, want override applied", got)
	}
}

// Resolving the same fallback key twice yields two different targets: the
// round-robin cursor is shared process state, not per-request.
func TestResolveFallbackAdvancesAcrossRequests(t *testing.T) {
	st := store.NewMemory()
	st.PutProvider(&store.Provider{ID: "prov-1"})
	st.PutProvider(&store.Provider{ID: "prov-2"})
	st.PutRoutingConfig(&store.RoutingConfig{
		ID:       "rc-1",
		Strategy: store.StrategyFallback,
		Targets:  []store.RouteTarget{{Provider: "prov-1"}, {Provider: "prov-2"}},
	})
	st.PutModel(&store.Model{ID: "m-1", IsVirtual: true, RoutingConfigID: strp("rc-1")})
	vk := &store.VirtualKey{ID: "vk-1", ModelID: strp("m-1")}
	r := newResolver(st, nil)

	first, err := r.Resolve(context.Background(), vk, &Request{Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), vk, &Request{Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.Provider.ID == second.Provider.ID {
		t.Fatalf("both resolutions hit %s, want cursor to advance", first.Provider.ID)
	}
}
