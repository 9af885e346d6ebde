// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an inbound OpenAI, Anthropic, or native Gemini
// request, runs the pre-flight pipeline (blocklist, anti-bot, virtual-key
// auth, model/provider resolution, provider config build), and forwards the
// request to the resolved provider — streaming responses go through the
// empty-output-retry relay, non-streaming ones through a plain upstream call
// with optional response caching.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/protocols"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/relay"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RetryLimit is the default empty-output retry budget for streaming
	// requests, overridable per model via model_attributes. Negative values
	// fall back to relay.DefaultRetryLimit.
	RetryLimit int

	// UpstreamTimeout bounds non-streaming upstream calls. Default: 2m.
	UpstreamTimeout time.Duration

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	pipeline *Pipeline
	relay    *relay.Relay
	breaker  *breaker.Breaker
	client   *http.Client
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	retryLimit      int
	upstreamTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	respCache    cache.Cache
	cacheExclude *cache.ExclusionList
	rpmLimiter   *ratelimit.RPMLimiter
	reqLogger    *logger.Logger

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway. The HTTP client is shared
// between the streaming relay and non-streaming upstream calls.
func NewGateway(baseCtx context.Context, pipeline *Pipeline, brk *breaker.Breaker, client *http.Client, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}

	retryLimit := opts.RetryLimit
	if retryLimit < 0 {
		retryLimit = relay.DefaultRetryLimit
	}
	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = 2 * time.Minute
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		pipeline:        pipeline,
		relay:           relay.New(client, log),
		breaker:         brk,
		client:          client,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		retryLimit:      retryLimit,
		upstreamTimeout: upstreamTimeout,
		cacheTTL:        cacheTTL,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the per-virtual-key RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCache injects the response cache. Lookups and writes are gated by the
// virtual key's cache flag; streaming responses are never cached.
func (g *Gateway) SetCache(c cache.Cache) {
	g.respCache = c
}

// SetCacheExclusions installs model-name rules that bypass the response
// cache even when the virtual key opts in.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclude = el
}

// dispatch is the core handler for every proxy route.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := routeLabel(string(ctx.Path()))
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
	}()

	// 1. Pre-flight pipeline: blocklist, anti-bot, auth, resolution,
	// provider config.
	ec, ok := g.pipeline.Run(ctx, nil)
	if !ok {
		return
	}
	servedProvider = ec.Provider.Name
	streaming = ec.Streaming
	proto := ec.Protocol

	// 2. Rate limit check (RPM, per virtual key).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx, ec.VirtualKey.ID, ec.VirtualKey.RPMLimit)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.Warn("rate_limit_exceeded",
				slog.String("request_id", ec.RequestID),
				slog.String("virtual_key_id", ec.VirtualKey.ID))
			streaming = false
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Circuit breaker fast-reject. OPEN upstreams fail immediately
	// instead of burning a slow timeout.
	cbKey := breaker.Key(ec.Provider.ID, ec.Model)
	if g.breaker != nil && !g.breaker.IsAvailable(cbKey) {
		state := g.breaker.State(cbKey)
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(ec.Provider.Name, state.String())
		}
		g.log.Warn("circuit_breaker_rejected",
			slog.String("request_id", ec.RequestID),
			slog.String("provider", ec.Provider.Name),
			slog.String("model", ec.Model),
			slog.String("state", state.String()))
		streaming = false
		proto.WriteError(ctx, fasthttp.StatusServiceUnavailable,
			apierr.TypeProviderError, apierr.CodeProviderError,
			"upstream temporarily unavailable")
		return
	}

	// Keep the body's declared model in sync with the remapped upstream
	// name. Bodies without a model field (native Gemini) stay untouched.
	if ec.Req.Model() != "" && ec.Req.Model() != ec.Model {
		ec.Req.SetModel(ec.Model)
	}

	if streaming {
		g.dispatchStream(ctx, ec, route, start, reqBytes)
		return
	}

	// 4. Cache lookup — non-streaming only, gated by the key's cache flag.
	cacheEligible := g.respCache != nil && ec.VirtualKey.CacheEnabled && !g.cacheExclude.Excluded(ec.Model)
	cacheKey := ""
	if cacheEligible {
		cacheKey = cache.Key(ec.VirtualKey.ID, ec.Provider.ID, ec.Model, ec.Req.Body)
		if cachedBody, ok := g.respCache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.Debug("cache_hit",
				slog.String("request_id", ec.RequestID),
				slog.String("model", ec.Model))
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			in, out := extractTokens(cachedBody)
			g.logRequest(ec, proto.Name(), 1, in, out, time.Since(start), fasthttp.StatusOK, false, true)
			if g.metrics != nil {
				g.metrics.AddTokens(servedProvider, in, out, true)
			}
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 5. Forward to the provider.
	status, body, err := g.forward(ctx, ec)
	if err != nil {
		g.recordOutcome(cbKey, servedProvider, false)
		g.log.Error("upstream_error",
			slog.String("request_id", ec.RequestID),
			slog.String("provider", servedProvider),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		if ctx.Err() != nil || g.baseCtx.Err() != nil {
			apierr.WriteTimeout(ctx)
		} else {
			proto.WriteError(ctx, fasthttp.StatusBadGateway,
				apierr.TypeProviderError, apierr.CodeProviderError, err.Error())
		}
		g.logRequest(ec, proto.Name(), 1, 0, 0, time.Since(start), fasthttp.StatusBadGateway, false, false)
		return
	}

	if status >= fasthttp.StatusBadRequest {
		// Upstream errors pass through verbatim. Server-side and throttling
		// failures count against the breaker; other client errors prove the
		// provider is reachable and count as successes.
		if status >= fasthttp.StatusInternalServerError || status == fasthttp.StatusTooManyRequests {
			g.recordOutcome(cbKey, servedProvider, false)
		} else {
			g.recordOutcome(cbKey, servedProvider, true)
		}
		g.log.Warn("upstream_status_error",
			slog.String("request_id", ec.RequestID),
			slog.String("provider", servedProvider),
			slog.Int("status", status))
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		respBytes = len(body)
		g.logRequest(ec, proto.Name(), 1, 0, 0, time.Since(start), status, false, false)
		return
	}
	g.recordOutcome(cbKey, servedProvider, true)

	// 6. Populate cache for future identical requests.
	if cacheEligible {
		if err := g.respCache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	in, out := extractTokens(body)
	g.logRequest(ec, proto.Name(), 1, in, out, time.Since(start), fasthttp.StatusOK, false, false)
	if g.metrics != nil {
		g.metrics.AddTokens(servedProvider, in, out, false)
	}

	g.log.Debug("response_ok",
		slog.String("request_id", ec.RequestID),
		slog.String("provider", servedProvider),
		slog.String("model", ec.Model),
		slog.Int("input_tokens", in),
		slog.Int("output_tokens", out),
		slog.Duration("elapsed", time.Since(start)))

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// dispatchStream relays an SSE stream through the empty-output-retry relay.
// The response status is committed before the first upstream attempt, so
// failures after that point surface as an SSE error event.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, ec *ExecContext, route string, start time.Time, reqBytes int) {
	proto := ec.Protocol
	up := &relay.Upstream{
		URL:     ec.Provider.BaseURLFor(proto.Name()) + proto.UpstreamPath(ec.Model, true),
		Headers: authHeaders(proto, ec.APIKey),
		Body:    ec.Req.Body,
	}
	retryLimit := g.retryLimitFor(ec)
	cbKey := breaker.Key(ec.Provider.ID, ec.Model)
	provider := ec.Provider.Name

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	// Everything the stream writer needs is captured here: the RequestCtx
	// must not be touched after the handler returns.
	rel := g.relay
	baseCtx := g.baseCtx
	log := g.log

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		res, err := rel.Stream(baseCtx, up, proto, retryLimit, &relay.BufioWriter{W: w})
		dur := time.Since(start)

		outcome := "success"
		status := fasthttp.StatusOK
		switch {
		case res != nil && res.Disconnected:
			outcome = "disconnect"
		case err != nil:
			outcome = "error"
			status = fasthttp.StatusBadGateway
			g.recordOutcome(cbKey, provider, false)
			writeStreamError(w, proto, err)
			log.Error("relay_failed",
				slog.String("request_id", ec.RequestID),
				slog.String("provider", provider),
				slog.String("model", ec.Model),
				slog.Int("attempts", attempts(res)),
				slog.String("error", err.Error()))
		default:
			g.recordOutcome(cbKey, provider, true)
		}

		usage := protocols.Usage{}
		if res != nil {
			usage = res.Usage
		}
		g.logRequest(ec, proto.Name(), attempts(res),
			usage.PromptTokens, usage.CompletionTokens, dur, status, true, false)

		if g.metrics != nil {
			g.metrics.ObserveRelayAttempt(provider, outcome, dur)
			for i := 1; i < attempts(res); i++ {
				g.metrics.RecordRelayEmptyRetry(provider)
			}
			g.metrics.ObserveHTTP(route, status, dur, reqBytes, -1)
			g.metrics.RecordRequest(provider, status)
			g.metrics.ObserveGatewayRequest(provider, route, "bypass", dur)
			g.metrics.AddTokens(provider, usage.PromptTokens, usage.CompletionTokens, false)
			g.metrics.DecInFlight()
		}
	})
}

// forward performs one non-streaming upstream call and returns the raw
// response. Non-2xx statuses are returned with the body, not as an error.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, ec *ExecContext) (int, []byte, error) {
	proto := ec.Protocol
	url := ec.Provider.BaseURLFor(proto.Name()) + proto.UpstreamPath(ec.Model, false)

	callCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(ec.Req.Body))
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range authHeaders(proto, ec.APIKey) {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: upstream call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: reading upstream response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// retryLimitFor resolves the empty-output retry budget: model attributes
// first, then the gateway default.
func (g *Gateway) retryLimitFor(ec *ExecContext) int {
	if ec.Resolution != nil && ec.Resolution.CurrentModel != nil {
		if limit, ok := ec.Resolution.CurrentModel.RetryLimit(); ok && limit >= 0 {
			return limit
		}
	}
	return g.retryLimit
}

func (g *Gateway) recordOutcome(cbKey, provider string, success bool) {
	if g.breaker == nil {
		return
	}
	if success {
		g.breaker.RecordSuccess(cbKey)
	} else {
		g.breaker.RecordFailure(cbKey)
	}
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(provider, int64(g.breaker.State(cbKey)))
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	ec *ExecContext,
	protocol string,
	attempts int,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	streaming, cached bool,
) {
	if g.reqLogger == nil || !ec.VirtualKey.LoggingEnabled {
		return
	}
	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	g.reqLogger.LogRequest(logger.RequestLog{
		RequestID:    ec.RequestID,
		VirtualKeyID: ec.VirtualKey.ID,
		Provider:     ec.Provider.Name,
		Model:        ec.Model,
		Protocol:     protocol,
		Streaming:    streaming,
		Attempts:     uint8(attempts),
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latencyMs),
		Status:       uint16(status),
		Cached:       cached,
		CreatedAt:    time.Now(),
	})
}

func attempts(res *relay.Result) int {
	if res == nil {
		return 0
	}
	return res.Attempts
}

// authHeaders materializes the protocol's auth headers into the map form
// the relay consumes.
func authHeaders(proto protocols.Protocol, apiKey string) map[string]string {
	h := make(map[string]string, 2)
	proto.ApplyAuth(func(k, v string) { h[k] = v }, apiKey)
	return h
}

// writeStreamError emits a final SSE error event on a stream whose status
// line is already committed.
func writeStreamError(w *bufio.Writer, proto protocols.Protocol, err error) {
	code := apierr.CodeProviderError
	message := "upstream request failed"
	var uerr *relay.UpstreamError
	switch {
	case errors.As(err, &uerr):
		message = fmt.Sprintf("upstream returned %d", uerr.Status)
	case errors.Is(err, relay.ErrEmptyOutput):
		code = apierr.CodeEmptyOutput
		message = "upstream produced no output"
	}
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    apierr.TypeProviderError,
			"code":    code,
		},
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	if proto.ChatStyle() {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	w.Flush() //nolint:errcheck
}

// extractTokens reads whichever usage shape the response body carries:
// OpenAI usage.{prompt,completion}_tokens, Anthropic usage.{input,output}_tokens,
// or Gemini usageMetadata.{prompt,candidates}TokenCount.
func extractTokens(body []byte) (in, out int) {
	if u := gjson.GetBytes(body, "usage.prompt_tokens"); u.Exists() {
		return int(u.Int()), int(gjson.GetBytes(body, "usage.completion_tokens").Int())
	}
	if u := gjson.GetBytes(body, "usage.input_tokens"); u.Exists() {
		return int(u.Int()), int(gjson.GetBytes(body, "usage.output_tokens").Int())
	}
	if u := gjson.GetBytes(body, "usageMetadata.promptTokenCount"); u.Exists() {
		return int(u.Int()), int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int())
	}
	return 0, 0
}

func routeLabel(path string) string {
	switch {
	case path == "/v1/chat/completions":
		return "chat_completions"
	case path == "/v1/completions":
		return "completions"
	case path == "/v1/messages":
		return "messages"
	case len(path) >= len("/v1beta/") && path[:len("/v1beta/")] == "/v1beta/":
		return "gemini_generate"
	}
	return "other"
}
