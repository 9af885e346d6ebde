package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// seedDoc is the on-disk shape of a SEED_FILE. It exists so single-binary
// development setups can run without Postgres: provider API keys appear in
// plaintext and are encrypted at load time, virtual keys appear as the raw
// caller-facing string and are hashed at load time.
type seedDoc struct {
	Providers   []seedProvider        `json:"providers"`
	Models      []seedModel           `json:"models"`
	VirtualKeys []seedVirtualKey      `json:"virtual_keys"`
	Routing     []RoutingConfig       `json:"routing_configs"`
	Experts     []ExpertRoutingConfig `json:"expert_routing_configs"`
}

type seedProvider struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	BaseURL          string            `json:"base_url"`
	APIKey           string            `json:"api_key"`
	ProtocolBaseURLs map[string]string `json:"protocol_base_urls,omitempty"`
	ModelMapping     map[string]string `json:"model_mapping,omitempty"`
}

type seedModel struct {
	ID              string          `json:"id"`
	ProviderID      *string         `json:"provider_id,omitempty"`
	ModelIdentifier string          `json:"model_identifier"`
	Protocol        string          `json:"protocol"`
	IsVirtual       bool            `json:"is_virtual"`
	RoutingConfigID *string         `json:"routing_config_id,omitempty"`
	ExpertRoutingID *string         `json:"expert_routing_id,omitempty"`
	Attributes      json.RawMessage `json:"model_attributes,omitempty"`
}

type seedVirtualKey struct {
	ID      string `json:"id"`
	Key     string `json:"key,omitempty"`
	KeyHash string `json:"key_hash,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`

	ModelID    *string  `json:"model_id,omitempty"`
	ModelIDs   []string `json:"model_ids,omitempty"`
	ProviderID *string  `json:"provider_id,omitempty"`

	RoutingStrategy string          `json:"routing_strategy,omitempty"`
	RoutingConfig   json.RawMessage `json:"routing_config,omitempty"`

	CacheEnabled   bool `json:"cache_enabled"`
	LoggingEnabled bool `json:"logging_enabled"`
	RPMLimit       int  `json:"rpm_limit"`
}

// LoadSeed reads a seed file and returns a populated in-memory store.
// Provider API keys in the file are encrypted with enc so that the rest of
// the system handles seeded and database-backed providers identically.
func LoadSeed(path string, enc *Encryption) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: seed: %w", err)
	}

	var doc seedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: seed: parse %s: %w", path, err)
	}

	m := NewMemory()

	for i := range doc.Providers {
		sp := &doc.Providers[i]
		p := &Provider{
			ID:               sp.ID,
			Name:             sp.Name,
			BaseURL:          sp.BaseURL,
			ProtocolBaseURLs: sp.ProtocolBaseURLs,
			ModelMapping:     sp.ModelMapping,
		}
		if sp.APIKey != "" {
			if enc == nil {
				return nil, fmt.Errorf("store: seed: provider %s has an api_key but no encryption is configured", sp.ID)
			}
			ct, err := enc.Encrypt([]byte(sp.APIKey))
			if err != nil {
				return nil, fmt.Errorf("store: seed: provider %s: %w", sp.ID, err)
			}
			p.APIKeyEncrypted = ct
		}
		m.PutProvider(p)
	}

	for i := range doc.Models {
		sm := &doc.Models[i]
		m.PutModel(&Model{
			ID:              sm.ID,
			ProviderID:      sm.ProviderID,
			ModelIdentifier: sm.ModelIdentifier,
			Protocol:        sm.Protocol,
			IsVirtual:       sm.IsVirtual,
			RoutingConfigID: sm.RoutingConfigID,
			ExpertRoutingID: sm.ExpertRoutingID,
			Attributes:      sm.Attributes,
		})
	}

	for i := range doc.VirtualKeys {
		sv := &doc.VirtualKeys[i]
		hash := sv.KeyHash
		if hash == "" {
			if sv.Key == "" {
				return nil, fmt.Errorf("store: seed: virtual key %s needs key or key_hash", sv.ID)
			}
			sum := sha256.Sum256([]byte(sv.Key))
			hash = hex.EncodeToString(sum[:])
		}
		enabled := true
		if sv.Enabled != nil {
			enabled = *sv.Enabled
		}
		m.PutVirtualKey(&VirtualKey{
			ID:              sv.ID,
			KeyHash:         hash,
			Enabled:         enabled,
			ModelID:         sv.ModelID,
			ModelIDs:        sv.ModelIDs,
			ProviderID:      sv.ProviderID,
			RoutingStrategy: sv.RoutingStrategy,
			RoutingConfig:   sv.RoutingConfig,
			CacheEnabled:    sv.CacheEnabled,
			LoggingEnabled:  sv.LoggingEnabled,
			RPMLimit:        sv.RPMLimit,
		})
	}

	for i := range doc.Routing {
		m.PutRoutingConfig(&doc.Routing[i])
	}
	for i := range doc.Experts {
		m.PutExpertRoutingConfig(&doc.Experts[i])
	}

	return m, nil
}
