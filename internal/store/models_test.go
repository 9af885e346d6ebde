package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestModel_RetryLimit(t *testing.T) {
	m := &Model{Attributes: json.RawMessage(`{"retry_limit": 3}`)}
	limit, ok := m.RetryLimit()
	if !ok || limit != 3 {
		t.Errorf("got (%d, %v), want (3, true)", limit, ok)
	}

	m = &Model{Attributes: json.RawMessage(`{"context_window": 200000}`)}
	if _, ok := m.RetryLimit(); ok {
		t.Error("retry_limit absent, want ok=false")
	}

	m = &Model{}
	if _, ok := m.RetryLimit(); ok {
		t.Error("empty attributes, want ok=false")
	}

	m = &Model{Attributes: json.RawMessage(`{broken`)}
	if _, ok := m.RetryLimit(); ok {
		t.Error("malformed attributes, want ok=false")
	}
}

func TestProvider_BaseURLFor(t *testing.T) {
	p := &Provider{
		BaseURL: "https://api.example.com",
		ProtocolBaseURLs: map[string]string{
			ProtocolAnthropic: "https://anthropic.example.com",
		},
	}

	if got := p.BaseURLFor(ProtocolAnthropic); got != "https://anthropic.example.com" {
		t.Errorf("anthropic override: got %s", got)
	}
	if got := p.BaseURLFor(ProtocolOpenAI); got != "https://api.example.com" {
		t.Errorf("default fallback: got %s", got)
	}
}

func TestProvider_RemapModel(t *testing.T) {
	p := &Provider{ModelMapping: map[string]string{"fast": "gpt-4o-mini"}}
	if got := p.RemapModel("fast"); got != "gpt-4o-mini" {
		t.Errorf("got %s", got)
	}
	if got := p.RemapModel("unmapped"); got != "unmapped" {
		t.Errorf("unmapped names must pass through, got %s", got)
	}
}

func TestRoutingConfig_Validate(t *testing.T) {
	w := func(n int) *int { return &n }

	cases := []struct {
		name    string
		cfg     RoutingConfig
		wantErr bool
	}{
		{"no targets", RoutingConfig{Strategy: StrategyFallback}, true},
		{"bad strategy", RoutingConfig{Strategy: "mystery", Targets: []RouteTarget{{Provider: "p1"}}}, true},
		{"negative weight", RoutingConfig{Strategy: StrategyLoadBalance, Targets: []RouteTarget{{Provider: "p1", Weight: w(-1)}}}, true},
		{"ok fallback", RoutingConfig{Strategy: StrategyFallback, Targets: []RouteTarget{{Provider: "p1"}, {Provider: "p2"}}}, false},
		{"ok loadbalance", RoutingConfig{Strategy: StrategyLoadBalance, Targets: []RouteTarget{{Provider: "p1", Weight: w(2)}}}, false},
	}

	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestMemory_Lookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.VirtualKeyByHash(ctx, "nope"); !errors.Is(err, ErrVirtualKeyNotFound) {
		t.Errorf("got %v, want ErrVirtualKeyNotFound", err)
	}

	m.PutVirtualKey(&VirtualKey{ID: "vk1", KeyHash: "abc", Enabled: true})
	vk, err := m.VirtualKeyByHash(ctx, "abc")
	if err != nil || vk.ID != "vk1" {
		t.Fatalf("got (%v, %v)", vk, err)
	}

	m.PutModel(&Model{ID: "m1", ModelIdentifier: "gpt-4o"})
	if _, err := m.ModelByID(ctx, "m1"); err != nil {
		t.Errorf("ModelByID: %v", err)
	}
	if _, err := m.ModelByID(ctx, "m2"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("got %v, want ErrModelNotFound", err)
	}

	m.PutProvider(&Provider{ID: "p1"})
	if _, err := m.ProviderByID(ctx, "p1"); err != nil {
		t.Errorf("ProviderByID: %v", err)
	}

	m.PutRoutingConfig(&RoutingConfig{ID: "rc1", Strategy: StrategyFallback, Targets: []RouteTarget{{Provider: "p1"}}})
	if _, err := m.RoutingConfigByID(ctx, "rc1"); err != nil {
		t.Errorf("RoutingConfigByID: %v", err)
	}

	m.PutExpertRoutingConfig(&ExpertRoutingConfig{ID: "er1"})
	if _, err := m.ExpertRoutingConfigByID(ctx, "er1"); err != nil {
		t.Errorf("ExpertRoutingConfigByID: %v", err)
	}
	if _, err := m.ExpertRoutingConfigByID(ctx, "er2"); !errors.Is(err, ErrExpertRoutingNotFound) {
		t.Errorf("got %v, want ErrExpertRoutingNotFound", err)
	}
}
