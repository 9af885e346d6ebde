package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	npCache "github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/expert"
	"github.com/nulpointcorp/llm-router/internal/guard"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// initStore builds the encryption wrapper and the configuration store.
// Postgres when DATABASE_URL is set, otherwise an in-memory store seeded
// from SEED_FILE for single-binary development setups.
func (a *App) initStore(ctx context.Context) error {
	var err error
	if a.cfg.EncryptionKey != "" {
		a.enc, err = store.NewEncryptionFromBase64(a.cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
	} else {
		// Validated earlier: only reachable in seed-file mode.
		a.enc, err = ephemeralEncryption()
		if err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
		a.log.Warn("no ENCRYPTION_KEY set, using an ephemeral key")
	}

	switch {
	case a.cfg.Database.URL != "":
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Database.URL)))
		pg, err := store.Open(ctx, a.cfg.Database.URL, a.cfg.Database.MaxOpenConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.st = pg
		a.log.Info("postgres connected")

	case a.cfg.SeedFile != "":
		mem, err := store.LoadSeed(a.cfg.SeedFile, a.enc)
		if err != nil {
			return err
		}
		a.st = mem
		a.log.Info("seed store loaded", slog.String("file", a.cfg.SeedFile))

	default:
		return fmt.Errorf("no DATABASE_URL or SEED_FILE configured")
	}

	return nil
}

// initInfra establishes optional external connections: Redis (rate limits,
// response cache, blocklist, breaker triggers) and the async request logger
// (ClickHouse when configured, structured stdout otherwise).
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	var sink logger.Sink
	if a.cfg.ClickHouse.Addr != "" {
		ch, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("request logging: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	} else {
		a.log.Info("request logging: stdout")
	}

	reqLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initServices creates the Prometheus registry and the circuit breaker.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	brkOpts := []breaker.Option{breaker.WithLogger(a.log)}
	if a.rdb != nil {
		brkOpts = append(brkOpts, breaker.WithTriggerStore(breaker.NewRedisTriggerStore(a.rdb)))
	}
	a.brk = breaker.New(breaker.Config{
		FailureThreshold:    a.cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    a.cfg.CircuitBreaker.SuccessThreshold,
		Timeout:             a.cfg.CircuitBreaker.Timeout,
		HalfOpenMaxAttempts: a.cfg.CircuitBreaker.HalfOpenMaxAttempts,
	}, brkOpts...)

	return nil
}

// initGateway wires together the pre-flight pipeline, the resolver stack and
// the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Pre-flight guards ────────────────────────────────────────────────────
	var ipBlock *guard.IPBlocklist
	if a.rdb != nil {
		ipBlock = guard.NewIPBlocklist(a.rdb, a.log)
	}

	var antiBot *guard.AntiBot
	if a.cfg.AntiBot.Enabled {
		antiBot = &guard.AntiBot{LogOnly: a.cfg.AntiBot.LogOnly}
	}

	// ── Resolver stack ───────────────────────────────────────────────────────
	experts := expert.NewRouter(a.st, a.enc, nil, a.reqLogger, a.log)
	smart := routing.NewSmartRouter(routing.NewRoundRobin(), breakerAvailability{a.brk}, a.log)
	resolver := routing.NewResolver(a.st, smart, experts, a.log)

	pipeline := proxy.NewPipeline(a.st, a.enc, resolver, ipBlock, antiBot, a.prom, a.log)

	// ── Build the gateway ────────────────────────────────────────────────────
	// No client-level timeout: streaming responses are open-ended and the
	// gateway bounds non-streaming calls itself.
	client := &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: 64},
	}

	gw := proxy.NewGateway(a.baseCtx, pipeline, a.brk, client, proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		RetryLimit:      a.cfg.Relay.RetryLimit,
		UpstreamTimeout: a.cfg.Relay.UpstreamTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available; per-key limits are
	// enforced there, DefaultRPM fills in for keys without one.
	if a.rdb != nil {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.DefaultRPM))
		a.log.Info("rate limiting enabled", slog.Int("default_rpm", a.cfg.RateLimit.DefaultRPM))
	}

	// Response cache — Redis-backed when available, in-process otherwise.
	if a.cfg.Cache.Enabled {
		if a.rdb != nil {
			gw.SetCache(npCache.NewExactCacheFromClient(a.rdb))
			a.log.Info("cache backend: redis")
		} else {
			a.memCache = npCache.NewMemoryCache(a.baseCtx)
			gw.SetCache(a.memCache)
			a.log.Info("cache backend: memory (in-process)")
		}

		if len(a.cfg.Cache.ExcludeModels) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeModels, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			gw.SetCacheExclusions(el)
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Rules()))
		}
	} else {
		a.log.Info("cache backend: disabled")
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
