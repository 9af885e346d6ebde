package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/guard"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/protocols"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// ExecContext is the accumulated state of a request that cleared every
// pre-flight stage. Dispatch reads from it; nothing downstream re-derives
// what the pipeline already resolved.
type ExecContext struct {
	RequestID  string
	ClientIP   string
	VirtualKey *store.VirtualKey

	// Req carries the (possibly model-rewritten) body that goes upstream.
	Req        *routing.Request
	Resolution *routing.Resolution
	Provider   *store.Provider

	// Protocol is the effective wire protocol: native-path detection wins
	// over the resolved model's configured protocol.
	Protocol protocols.Protocol

	// Model is the final upstream model name, after provider remapping.
	Model string

	// APIKey is the decrypted provider credential.
	APIKey string

	Streaming bool
}

// Hook is an optional protocol-specific stage run between authentication
// and resolution. Returning false means the hook already wrote a response.
type Hook func(ctx *fasthttp.RequestCtx, vk *store.VirtualKey) bool

// Pipeline runs the ordered pre-flight stages: IP blocklist, anti-bot,
// virtual-key auth, optional hook, model/provider resolution, provider
// config build. Each stage may short-circuit with a protocol-shaped error
// response.
type Pipeline struct {
	store    store.Store
	enc      *store.Encryption
	resolver *routing.Resolver

	// Optional gates — nil-safe when not configured.
	ipBlock *guard.IPBlocklist
	antiBot *guard.AntiBot

	metrics *metrics.Registry
	log     *slog.Logger
}

func NewPipeline(
	st store.Store,
	enc *store.Encryption,
	resolver *routing.Resolver,
	ipBlock *guard.IPBlocklist,
	antiBot *guard.AntiBot,
	m *metrics.Registry,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:    st,
		enc:      enc,
		resolver: resolver,
		ipBlock:  ipBlock,
		antiBot:  antiBot,
		metrics:  m,
		log:      log,
	}
}

// Run executes the stages in order. When it returns ok=false a response
// has already been written and the caller must not touch ctx further.
func (p *Pipeline) Run(ctx *fasthttp.RequestCtx, hook Hook) (*ExecContext, bool) {
	reqID, _ := ctx.UserValue("request_id").(string)
	ip := ctx.RemoteIP().String()
	path := string(ctx.Path())

	// Until auth succeeds we don't know the protocol for sure; native-path
	// detection gives us the right error envelope from the first stage on.
	proto, _ := protocols.DetectFromPath(path)
	if proto == nil {
		proto = protocols.OpenAI{}
	}

	// 1. IP blocklist.
	if p.ipBlock != nil {
		if blocked, reason := p.ipBlock.Check(ctx, ip); blocked {
			p.stage("ip_blocklist", "blocked")
			p.log.Warn("ip_blocked",
				slog.String("request_id", reqID),
				slog.String("ip", ip),
				slog.String("reason", reason))
			proto.WriteError(ctx, fasthttp.StatusForbidden,
				apierr.TypePermissionError, apierr.CodeBlocked, "access denied")
			return nil, false
		}
		p.stage("ip_blocklist", "passed")
	}

	// 2. Anti-bot heuristics.
	if p.antiBot != nil {
		ua := string(ctx.Request.Header.UserAgent())
		verdict := p.antiBot.Inspect(ua)
		if p.antiBot.ShouldBlock(verdict) {
			p.stage("antibot", "blocked")
			p.log.Warn("bot_blocked",
				slog.String("request_id", reqID),
				slog.String("ip", ip),
				slog.String("verdict", verdict.String()),
				slog.String("user_agent", ua))
			proto.WriteError(ctx, fasthttp.StatusForbidden,
				apierr.TypePermissionError, apierr.CodeBlocked, "access denied")
			return nil, false
		}
		p.stage("antibot", "passed")
	}

	// 3. Virtual-key authentication.
	rawKey := extractVirtualKey(ctx)
	if rawKey == "" {
		p.stage("auth", "missing")
		p.log.Warn("auth_missing",
			slog.String("request_id", reqID),
			slog.String("ip", ip))
		proto.WriteError(ctx, fasthttp.StatusUnauthorized,
			apierr.TypeAuthenticationErr, apierr.CodeMissingAuth, "missing authorization")
		return nil, false
	}

	vk, err := p.store.VirtualKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrVirtualKeyNotFound) {
			p.stage("auth", "unknown_key")
			p.log.Warn("auth_unknown_key",
				slog.String("request_id", reqID),
				slog.String("ip", ip),
				slog.String("key", fingerprint(rawKey)))
			proto.WriteError(ctx, fasthttp.StatusUnauthorized,
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey, "invalid API key")
			return nil, false
		}
		p.stage("auth", "error")
		p.log.Error("auth_lookup_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		proto.WriteError(ctx, fasthttp.StatusInternalServerError,
			apierr.TypeServerError, apierr.CodeInternalError, "internal server error")
		return nil, false
	}
	if !vk.Enabled {
		p.stage("auth", "disabled")
		p.log.Warn("auth_key_disabled",
			slog.String("request_id", reqID),
			slog.String("ip", ip),
			slog.String("key", fingerprint(rawKey)),
			slog.String("virtual_key_id", vk.ID))
		proto.WriteError(ctx, fasthttp.StatusForbidden,
			apierr.TypeAuthenticationErr, apierr.CodeKeyDisabled, "API key is disabled")
		return nil, false
	}
	p.stage("auth", "passed")

	// 4. Optional protocol hook.
	if hook != nil && !hook(ctx, vk) {
		p.stage("hook", "short_circuit")
		return nil, false
	}

	// 5. Model/provider resolution.
	req := &routing.Request{
		Body:         append([]byte(nil), ctx.PostBody()...),
		Path:         path,
		RequestID:    reqID,
		VirtualKeyID: vk.ID,
	}
	res, err := p.resolver.Resolve(ctx, vk, req)
	if err != nil {
		code := apierr.CodeInternalError
		msg := err.Error()
		var rerr *routing.Error
		if errors.As(err, &rerr) {
			code, msg = rerr.Code, rerr.Message
		}
		p.stage("resolve", "error")
		if p.metrics != nil {
			p.metrics.RecordResolverError(code)
		}
		p.log.Error("resolution_failed",
			slog.String("request_id", reqID),
			slog.String("ip", ip),
			slog.String("key", fingerprint(rawKey)),
			slog.String("code", code),
			slog.String("error", msg))
		proto.WriteError(ctx, fasthttp.StatusInternalServerError,
			apierr.TypeServerError, code, msg)
		return nil, false
	}
	p.stage("resolve", "passed")

	// 6. Provider config build.
	effective := proto
	if detected, ok := protocols.DetectFromPath(path); ok {
		effective = detected
	} else if res.CurrentModel != nil {
		if configured, ok := protocols.ForName(res.CurrentModel.Protocol); ok {
			effective = configured
		}
	}

	apiKey, err := p.decryptKey(res.Provider)
	if err != nil {
		p.stage("provider_config", "error")
		p.log.Error("provider_key_decrypt_failed",
			slog.String("request_id", reqID),
			slog.String("provider_id", res.Provider.ID),
			slog.String("error", err.Error()))
		effective.WriteError(ctx, fasthttp.StatusInternalServerError,
			apierr.TypeServerError, apierr.CodeInternalError, "provider configuration error")
		return nil, false
	}

	model := effective.ExtractModel(req.Body, path)
	if model == "" && res.CurrentModel != nil {
		model = res.CurrentModel.ModelIdentifier
	}
	if model == "" {
		model = "unknown"
	}
	model = res.Provider.RemapModel(model)

	ec := &ExecContext{
		RequestID:  reqID,
		ClientIP:   ip,
		VirtualKey: vk,
		Req:        req,
		Resolution: res,
		Provider:   res.Provider,
		Protocol:   effective,
		Model:      model,
		APIKey:     apiKey,
		Streaming:  effective.IsStreaming(req.Body, path),
	}
	p.stage("provider_config", "passed")

	p.log.Info("request_resolved",
		slog.String("request_id", reqID),
		slog.String("ip", ip),
		slog.String("key", fingerprint(rawKey)),
		slog.String("virtual_key_id", vk.ID),
		slog.String("provider", res.Provider.Name),
		slog.String("model", model),
		slog.String("protocol", effective.Name()),
		slog.Bool("stream", ec.Streaming))

	return ec, true
}

func (p *Pipeline) stage(stage, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPipelineStage(stage, outcome)
	}
}

func (p *Pipeline) decryptKey(prov *store.Provider) (string, error) {
	if prov.APIKeyEncrypted == "" {
		return "", nil
	}
	if p.enc == nil {
		return "", errors.New("proxy: encryption not configured")
	}
	plain, err := p.enc.Decrypt(prov.APIKeyEncrypted)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// extractVirtualKey pulls the caller credential from the accepted header
// forms, in priority order: Authorization bearer, x-api-key, api-key.
func extractVirtualKey(ctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		if tok := parseBearerToken(raw); tok != "" {
			return tok
		}
	}
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); raw != "" {
		return raw
	}
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("api-key"))); raw != "" {
		return raw
	}
	return ""
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// hashKey returns the SHA-256 hex digest used for virtual-key lookups.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// fingerprint renders a key as first-6 + last-4 for log lines. Short keys
// are fully masked.
func fingerprint(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
