// Package store provides read-only access to the gateway's configuration
// entities: virtual keys, models, providers, routing configs, and expert
// routing configs. Admin surfaces write these records; the proxy core only
// looks them up by id or key hash.
//
// Two implementations exist: a Postgres-backed store (sqlx) for production
// and an in-memory store for tests and single-binary development setups.
package store

import (
	"encoding/json"
	"strings"
)

// Routing strategy values for VirtualKey.RoutingStrategy and
// RoutingConfig.Strategy.
const (
	StrategyLoadBalance = "loadbalance"
	StrategyFallback    = "fallback"
)

// Protocol identifiers for Model.Protocol and Provider base-URL mappings.
const (
	ProtocolOpenAI    = "openai"
	ProtocolAnthropic = "anthropic"
	ProtocolGemini    = "gemini"
)

// VirtualKey is the caller-facing credential. Exactly one of ModelID,
// ModelIDs, or ProviderID determines how the resolver picks a target.
type VirtualKey struct {
	ID      string `db:"id"`
	KeyHash string `db:"key_hash"`
	Enabled bool   `db:"enabled"`

	ModelID    *string  `db:"model_id"`
	ModelIDs   []string `db:"-"`
	ProviderID *string  `db:"provider_id"`

	RoutingStrategy string          `db:"routing_strategy"`
	RoutingConfig   json.RawMessage `db:"routing_config"`

	CacheEnabled         bool `db:"cache_enabled"`
	LoggingEnabled       bool `db:"logging_enabled"`
	CompressionEnabled   bool `db:"compression_enabled"`
	InterceptTemperature bool `db:"intercept_temperature"`
	RPMLimit             int  `db:"rpm_limit"`
}

// Model is either a real model (ProviderID + ModelIdentifier + Protocol) or a
// virtual one (IsVirtual, carrying at most one of RoutingConfigID or
// ExpertRoutingID).
type Model struct {
	ID              string  `db:"id"`
	ProviderID      *string `db:"provider_id"`
	ModelIdentifier string  `db:"model_identifier"`
	Protocol        string  `db:"protocol"`
	IsVirtual       bool    `db:"is_virtual"`
	RoutingConfigID *string `db:"routing_config_id"`
	ExpertRoutingID *string `db:"expert_routing_id"`

	// Attributes is the free-form model_attributes JSON blob. Known keys:
	// "retry_limit" (empty-output retry override).
	Attributes json.RawMessage `db:"model_attributes"`
}

// RetryLimit returns the per-model empty-output retry limit from
// model_attributes, or (0, false) when not set.
func (m *Model) RetryLimit() (int, bool) {
	if len(m.Attributes) == 0 {
		return 0, false
	}
	var attrs struct {
		RetryLimit *int `json:"retry_limit"`
	}
	if err := json.Unmarshal(m.Attributes, &attrs); err != nil || attrs.RetryLimit == nil {
		return 0, false
	}
	return *attrs.RetryLimit, true
}

// Provider is an upstream endpoint.
type Provider struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	BaseURL string `db:"base_url"`

	// APIKeyEncrypted is the AES-GCM encrypted API key, base64 encoded.
	APIKeyEncrypted string `db:"api_key"`

	// ProtocolBaseURLs optionally overrides BaseURL per wire protocol.
	ProtocolBaseURLs map[string]string `db:"-"`

	// ModelMapping remaps inbound model names to provider-native names.
	ModelMapping map[string]string `db:"-"`
}

// BaseURLFor returns the endpoint for the given protocol, falling back to the
// provider's default base URL.
func (p *Provider) BaseURLFor(protocol string) string {
	if u, ok := p.ProtocolBaseURLs[protocol]; ok && u != "" {
		return u
	}
	return p.BaseURL
}

// RemapModel applies the provider's model-name mapping. Unmapped names pass
// through unchanged.
func (p *Provider) RemapModel(name string) string {
	if mapped, ok := p.ModelMapping[name]; ok && mapped != "" {
		return mapped
	}
	return name
}

// RoutingConfig is a static smart-routing target list.
type RoutingConfig struct {
	ID       string        `json:"id"`
	Strategy string        `json:"strategy"`
	Targets  []RouteTarget `json:"targets"`
}

// RouteTarget is one entry in a RoutingConfig.
type RouteTarget struct {
	Provider       string          `json:"provider"`
	Weight         *int            `json:"weight,omitempty"`
	OverrideParams *OverrideParams `json:"override_params,omitempty"`
	OnStatusCodes  []int           `json:"on_status_codes,omitempty"`
}

// OverrideParams carries request-body overrides applied when a target is
// selected.
type OverrideParams struct {
	Model string `json:"model,omitempty"`
}

// Validate checks the RoutingConfig invariants: at least one target;
// non-negative weights with at least one positive weight in loadbalance mode
// when any weight is present.
func (rc *RoutingConfig) Validate() error {
	if len(rc.Targets) == 0 {
		return ErrInvalidRoutingConfig
	}
	switch rc.Strategy {
	case StrategyLoadBalance, StrategyFallback:
	default:
		return ErrInvalidRoutingConfig
	}
	for _, t := range rc.Targets {
		if t.Weight != nil && *t.Weight < 0 {
			return ErrInvalidRoutingConfig
		}
	}
	return nil
}

// Expert target types.
const (
	ExpertTypeVirtual = "virtual"
	ExpertTypeReal    = "real"
)

// ExpertRoutingConfig drives the cascading intent classifier.
type ExpertRoutingConfig struct {
	ID            string              `json:"id"`
	Preprocessing PreprocessingConfig `json:"preprocessing"`
	Classifier    ClassifierConfig    `json:"classifier"`
	Routing       RoutingModeConfig   `json:"routing"`
	Experts       []ExpertTarget      `json:"experts"`
	Fallback      *ExpertTarget       `json:"fallback,omitempty"`
}

// PreprocessingConfig controls signal extraction from the raw request.
type PreprocessingConfig struct {
	StripTools         bool `json:"strip_tools"`
	StripFiles         bool `json:"strip_files"`
	StripCode          bool `json:"strip_code"`
	StripSystemPrompt  bool `json:"strip_system_prompt"`
	MaxHistoryMessages int  `json:"max_history_messages"`
}

// ClassifierConfig describes the L3 judge model.
type ClassifierConfig struct {
	ProviderID       string   `json:"provider_id"`
	Model            string   `json:"model"`
	Protocol         string   `json:"protocol"`
	PromptTemplate   string   `json:"prompt_template"`
	StructuredOutput bool     `json:"structured_output"`
	IgnoredTags      []string `json:"ignored_tags,omitempty"`
	TimeoutMS        int      `json:"timeout_ms"`
	MaxTokens        int      `json:"max_tokens"`
}

// Routing modes for RoutingModeConfig.Mode.
const (
	RouteModeSemantic = "semantic" // L1 only
	RouteModeHybrid   = "hybrid"   // L1 → L2 → L3
	RouteModeLLM      = "llm"      // L3 only
)

// RoutingModeConfig selects which classifier layers run.
type RoutingModeConfig struct {
	Mode       string          `json:"mode"`
	Semantic   *SemanticConfig `json:"semantic,omitempty"`
	Heuristics []HeuristicRule `json:"heuristics,omitempty"`
}

// SemanticConfig configures the L1 embedding router.
type SemanticConfig struct {
	ProviderID     string          `json:"provider_id"`
	EmbeddingModel string          `json:"embedding_model"`
	Protocol       string          `json:"protocol"`
	Threshold      float64         `json:"threshold"`
	Margin         float64         `json:"margin"`
	Routes         []SemanticRoute `json:"routes"`
}

// SemanticRoute is a category with example utterances.
type SemanticRoute struct {
	Category   string   `json:"category"`
	Utterances []string `json:"utterances"`
}

// HeuristicRule is an L2 keyword/tool-signal rule.
type HeuristicRule struct {
	Category  string   `json:"category"`
	Keywords  []string `json:"keywords,omitempty"`
	ToolNames []string `json:"tool_names,omitempty"`
}

// ExpertTarget names one routing destination. Virtual targets point at a
// model id (which may itself route further); real targets pin a provider and
// model directly.
type ExpertTarget struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Type       string `json:"type"`
	ModelID    string `json:"model_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Model      string `json:"model,omitempty"`

	// OverrideModel, when set on a real target, overwrites the request's
	// declared model field before dispatch.
	OverrideModel string `json:"override_model,omitempty"`
}

// MatchesCategory reports whether the target's category matches the decision
// category, case-insensitively and exactly.
func (t *ExpertTarget) MatchesCategory(category string) bool {
	return strings.EqualFold(t.Category, category)
}
