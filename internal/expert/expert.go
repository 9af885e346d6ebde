package expert

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// Route sources recorded on decisions and audit entries.
const (
	SourceSemantic  = "l1_semantic"
	SourceHeuristic = "l2_heuristic"
	SourceLLM       = "l3_llm"
	SourceFallback  = "fallback"
)

const resultRoutingFailed = "routing_failed"

// RouteDecision is the ephemeral outcome of one classification cascade.
type RouteDecision struct {
	Category     string
	Confidence   float64
	Source       string
	PromptTokens int
}

// RouteAudit is the persisted projection of one routing decision.
type RouteAudit struct {
	RequestID            string
	VirtualKeyID         string
	ExpertRoutingID      string
	RequestHash          string
	ClassifierModel      string
	ClassificationResult string
	SelectedExpertID     string
	SelectedCategory     string
	SelectedType         string
	ClassificationTimeMS int64
	RouteSource          string
	PromptTokens         int
	CleanedContentLength int
	SemanticScore        *float64
}

// AuditSink persists RouteAudit entries. Failures are the sink's problem;
// the router only warns.
type AuditSink interface {
	LogRoute(ctx context.Context, entry *RouteAudit)
}

// Router runs the classification cascade and picks an expert target. It
// implements routing.ExpertRouter.
type Router struct {
	store   store.Store
	enc     *store.Encryption
	clients ClientFactory
	sems    *semanticCache
	audit   AuditSink
	log     *slog.Logger

	now func() time.Time
}

func NewRouter(st store.Store, enc *store.Encryption, clients ClientFactory, audit AuditSink, log *slog.Logger) *Router {
	if clients == nil {
		clients = SDKFactory{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:   st,
		enc:     enc,
		clients: clients,
		sems:    newSemanticCache(clients),
		audit:   audit,
		log:     log,
		now:     time.Now,
	}
}

// Route classifies the request and returns the expert target to dispatch
// to. Classifier failures degrade to the configured fallback; only a
// missing fallback (or a broken config) surfaces as an error.
func (r *Router) Route(ctx context.Context, req *routing.Request, expertRoutingID string) (*store.ExpertTarget, error) {
	start := r.now()

	cfg, err := r.store.ExpertRoutingConfigByID(ctx, expertRoutingID)
	if err != nil {
		return nil, fmt.Errorf("expert: config %s: %w", expertRoutingID, err)
	}

	sig, err := BuildSignal(req.Body, cfg.Preprocessing)
	if err != nil {
		return nil, err
	}

	decision := r.classify(ctx, cfg, sig)

	audit := &RouteAudit{
		RequestID:            req.RequestID,
		VirtualKeyID:         req.VirtualKeyID,
		ExpertRoutingID:      cfg.ID,
		RequestHash:          requestHash(req.Body),
		ClassifierModel:      cfg.Classifier.Model,
		CleanedContentLength: sig.CleanedLen,
	}

	var target *store.ExpertTarget
	if decision != nil {
		audit.RouteSource = decision.Source
		audit.ClassificationResult = decision.Category
		audit.PromptTokens = decision.PromptTokens
		if decision.Source == SourceSemantic {
			score := decision.Confidence
			audit.SemanticScore = &score
		}
		target = matchExpert(cfg.Experts, decision.Category)
	}

	if target == nil {
		// No decision, or the category matched nothing: fall back.
		if cfg.Fallback == nil {
			return nil, fmt.Errorf("expert: no expert matched and no fallback configured (config %s)", cfg.ID)
		}
		target = cfg.Fallback
		audit.RouteSource = SourceFallback
		if audit.ClassificationResult == "" {
			audit.ClassificationResult = resultRoutingFailed
		}
		r.log.Warn("expert_routing_fallback",
			"expert_routing_id", cfg.ID,
			"classification_result", audit.ClassificationResult)
	}

	audit.SelectedExpertID = target.ID
	audit.SelectedCategory = target.Category
	audit.SelectedType = target.Type
	audit.ClassificationTimeMS = r.now().Sub(start).Milliseconds()
	r.logAudit(ctx, audit)

	return target, nil
}

// classify walks the cascade per the configured mode. Stage errors are
// logged and treated as "no decision" so the fallback path decides the
// request's fate.
func (r *Router) classify(ctx context.Context, cfg *store.ExpertRoutingConfig, sig *Signal) *RouteDecision {
	mode := cfg.Routing.Mode
	if mode == "" {
		mode = store.RouteModeHybrid
	}

	if mode != store.RouteModeLLM && cfg.Routing.Semantic != nil && sig.IntentText != "" {
		if d := r.classifySemantic(ctx, cfg, sig); d != nil {
			return d
		}
	}

	if mode == store.RouteModeHybrid && len(cfg.Routing.Heuristics) > 0 {
		if cat, ok := matchHeuristics(cfg.Routing.Heuristics, sig); ok {
			return &RouteDecision{Category: cat, Confidence: 1, Source: SourceHeuristic}
		}
	}

	if mode != store.RouteModeSemantic {
		if d := r.classifyLLM(ctx, cfg, sig); d != nil {
			return d
		}
	}
	return nil
}

func (r *Router) classifySemantic(ctx context.Context, cfg *store.ExpertRoutingConfig, sig *Signal) *RouteDecision {
	sc := cfg.Routing.Semantic
	baseURL, apiKey, err := r.providerCreds(ctx, sc.ProviderID, sc.Protocol)
	if err != nil {
		r.log.Warn("expert_semantic_provider_unavailable", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	router, err := r.sems.get(ctx, cfg.ID, sc, baseURL, apiKey)
	if err != nil {
		r.log.Warn("expert_semantic_index_unavailable", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	cat, score, ok, err := router.classify(ctx, sig.IntentText)
	if err != nil {
		r.log.Warn("expert_semantic_classify_failed", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &RouteDecision{Category: cat, Confidence: score, Source: SourceSemantic}
}

func (r *Router) classifyLLM(ctx context.Context, cfg *store.ExpertRoutingConfig, sig *Signal) *RouteDecision {
	cc := &cfg.Classifier
	baseURL, apiKey, err := r.providerCreds(ctx, cc.ProviderID, cc.Protocol)
	if err != nil {
		r.log.Warn("expert_judge_provider_unavailable", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	completer, err := r.clients.Completer(cc.Protocol, baseURL, apiKey, cc.Model)
	if err != nil {
		r.log.Warn("expert_judge_client_unavailable", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	j := &judge{completer: completer, cfg: cc}
	cat, promptTokens, err := j.classify(ctx, sig)
	if err != nil {
		r.log.Warn("expert_judge_failed", "expert_routing_id", cfg.ID, "error", err)
		return nil
	}
	return &RouteDecision{Category: cat, Confidence: 1, Source: SourceLLM, PromptTokens: promptTokens}
}

// providerCreds resolves a classifier provider's endpoint and decrypted API
// key.
func (r *Router) providerCreds(ctx context.Context, providerID, protocol string) (baseURL, apiKey string, err error) {
	prov, err := r.store.ProviderByID(ctx, providerID)
	if err != nil {
		return "", "", err
	}
	baseURL = prov.BaseURLFor(protocol)
	if prov.APIKeyEncrypted != "" && r.enc != nil {
		key, err := r.enc.Decrypt(prov.APIKeyEncrypted)
		if err != nil {
			return "", "", fmt.Errorf("expert: decrypting provider %s key: %w", providerID, err)
		}
		apiKey = string(key)
	}
	return baseURL, apiKey, nil
}

func (r *Router) logAudit(ctx context.Context, entry *RouteAudit) {
	if r.audit == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("expert_audit_log_panic", "error", rec)
		}
	}()
	r.audit.LogRoute(ctx, entry)
}

// matchExpert maps a decision category to a configured expert in three
// passes over the experts array: case-insensitive exact match, then the
// first expert whose category contains the decision category, then the
// first whose category is contained in it. Array order decides ties within
// a pass; overlapping categories therefore resolve by declaration order,
// which is a documented quirk rather than a best-match search.
func matchExpert(experts []store.ExpertTarget, category string) *store.ExpertTarget {
	if category == "" {
		return nil
	}
	for i := range experts {
		if experts[i].MatchesCategory(category) {
			return &experts[i]
		}
	}
	lower := strings.ToLower(category)
	for i := range experts {
		ec := strings.ToLower(experts[i].Category)
		if ec != "" && strings.Contains(ec, lower) {
			return &experts[i]
		}
	}
	for i := range experts {
		ec := strings.ToLower(experts[i].Category)
		if ec != "" && strings.Contains(lower, ec) {
			return &experts[i]
		}
	}
	return nil
}

// requestHash is the MD5 of the message/tool payload, used to correlate
// audit rows with retried requests.
func requestHash(body []byte) string {
	payload := gjson.GetBytes(body, "messages").Raw + gjson.GetBytes(body, "tools").Raw
	if payload == "" {
		payload = string(body)
	}
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}
