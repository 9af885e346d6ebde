package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It backs unit tests and the single-binary
// development mode (entities loaded from a seed file at startup).
type Memory struct {
	mu            sync.RWMutex
	keysByHash    map[string]*VirtualKey
	models        map[string]*Model
	providers     map[string]*Provider
	routing       map[string]*RoutingConfig
	expertRouting map[string]*ExpertRoutingConfig
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keysByHash:    make(map[string]*VirtualKey),
		models:        make(map[string]*Model),
		providers:     make(map[string]*Provider),
		routing:       make(map[string]*RoutingConfig),
		expertRouting: make(map[string]*ExpertRoutingConfig),
	}
}

// PutVirtualKey registers a virtual key, keyed by its hash.
func (m *Memory) PutVirtualKey(vk *VirtualKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keysByHash[vk.KeyHash] = vk
}

// PutModel registers a model.
func (m *Memory) PutModel(mod *Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[mod.ID] = mod
}

// PutProvider registers a provider.
func (m *Memory) PutProvider(p *Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

// PutRoutingConfig registers a routing config.
func (m *Memory) PutRoutingConfig(rc *RoutingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing[rc.ID] = rc
}

// PutExpertRoutingConfig registers an expert routing config.
func (m *Memory) PutExpertRoutingConfig(cfg *ExpertRoutingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expertRouting[cfg.ID] = cfg
}

func (m *Memory) VirtualKeyByHash(_ context.Context, hash string) (*VirtualKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vk, ok := m.keysByHash[hash]
	if !ok {
		return nil, ErrVirtualKeyNotFound
	}
	return vk, nil
}

func (m *Memory) ModelByID(_ context.Context, id string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.models[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	return mod, nil
}

func (m *Memory) ProviderByID(_ context.Context, id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

func (m *Memory) RoutingConfigByID(_ context.Context, id string) (*RoutingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.routing[id]
	if !ok {
		return nil, ErrRoutingConfigNotFound
	}
	return rc, nil
}

func (m *Memory) ExpertRoutingConfigByID(_ context.Context, id string) (*ExpertRoutingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.expertRouting[id]
	if !ok {
		return nil, ErrExpertRoutingNotFound
	}
	return cfg, nil
}
