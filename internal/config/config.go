// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// The gateway needs Postgres (virtual keys, models, providers) and the
// encryption key for provider credentials. Redis and ClickHouse are optional:
// without Redis the blocklist, rate limiter, response cache, and breaker
// trigger persistence are disabled; without ClickHouse request and routing
// logs fall back to slog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Database holds the Postgres connection settings for the config store.
	Database DatabaseConfig

	// EncryptionKey is the base64-encoded AES key (16/24/32 bytes decoded)
	// used to decrypt provider API keys. Required unless SeedFile is set.
	EncryptionKey string

	// SeedFile optionally points at a JSON file of virtual keys, models, and
	// providers loaded into the in-memory store. Development only; when set,
	// Postgres is not used.
	SeedFile string

	// Redis holds the connection URL for the blocklist, rate limiter,
	// response cache, and breaker trigger counters. Optional.
	Redis RedisConfig

	// ClickHouse holds the request/routing log sink settings. Optional.
	ClickHouse ClickHouseConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-upstream breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-virtual-key request-rate limiting.
	RateLimit RateLimitConfig

	// Relay controls the streaming relay.
	Relay RelayConfig

	// AntiBot controls the user-agent heuristics gate.
	AntiBot AntiBotConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	// URL is a postgres:// DSN. Example: postgres://gw:gw@localhost:5432/gateway
	URL string

	// MaxOpenConns bounds the connection pool. Default: 16.
	MaxOpenConns int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the async log sink configuration.
type ClickHouseConfig struct {
	// Addr is the native-protocol address, e.g. "localhost:9000".
	// Empty disables the ClickHouse sink.
	Addr     string
	Database string
	Username string
	Password string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns the Redis response cache on. Individual virtual keys
	// must additionally opt in via their cache flag. Default: true when
	// Redis is configured.
	Enabled bool

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeModels lists model names that must never be cached (exact match).
	ExcludeModels []string

	// ExcludePatterns lists regexes; models matching any are never cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-upstream circuit breaker settings.
// Zero values use the breaker package defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure count that opens the circuit. Default: 2.
	FailureThreshold int

	// SuccessThreshold is the half-open success count that closes the
	// circuit. Default: 2.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before probing. Default: 120s.
	Timeout time.Duration

	// HalfOpenMaxAttempts bounds half-open probe admissions. Default: 3.
	HalfOpenMaxAttempts int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// DefaultRPM applies to virtual keys without an explicit rpm_limit.
	// 0 disables the default limit. Default: 0.
	DefaultRPM int
}

// RelayConfig controls the streaming relay.
type RelayConfig struct {
	// RetryLimit is the default empty-output retry budget; model attributes
	// override it per model. Default: 1.
	RetryLimit int

	// UpstreamTimeout bounds non-streaming upstream calls. Default: 2m.
	UpstreamTimeout time.Duration
}

// AntiBotConfig controls the user-agent gate.
type AntiBotConfig struct {
	// Enabled turns the gate on. Default: true.
	Enabled bool

	// LogOnly reports detections without blocking. Default: true.
	LogOnly bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_OPEN_CONNS", 16)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "1h")

	// Circuit breaker: zero values defer to the breaker package defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 0)
	v.SetDefault("CB_SUCCESS_THRESHOLD", 0)
	v.SetDefault("CB_TIMEOUT", "0s")
	v.SetDefault("CB_HALF_OPEN_MAX_ATTEMPTS", 0)

	v.SetDefault("DEFAULT_RPM_LIMIT", 0)

	v.SetDefault("EMPTY_OUTPUT_RETRY_LIMIT", 1)
	v.SetDefault("UPSTREAM_TIMEOUT", "2m")

	v.SetDefault("ANTIBOT_ENABLED", true)
	v.SetDefault("ANTIBOT_LOG_ONLY", true)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			URL:          v.GetString("DATABASE_URL"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		},

		EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		SeedFile:      v.GetString("SEED_FILE"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Cache: CacheConfig{
			Enabled:         v.GetBool("CACHE_ENABLED"),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeModels:   v.GetStringSlice("CACHE_EXCLUDE_MODELS"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold:    v.GetInt("CB_SUCCESS_THRESHOLD"),
			Timeout:             v.GetDuration("CB_TIMEOUT"),
			HalfOpenMaxAttempts: v.GetInt("CB_HALF_OPEN_MAX_ATTEMPTS"),
		},

		RateLimit: RateLimitConfig{
			DefaultRPM: v.GetInt("DEFAULT_RPM_LIMIT"),
		},

		Relay: RelayConfig{
			RetryLimit:      v.GetInt("EMPTY_OUTPUT_RETRY_LIMIT"),
			UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		AntiBot: AntiBotConfig{
			Enabled: v.GetBool("ANTIBOT_ENABLED"),
			LogOnly: v.GetBool("ANTIBOT_LOG_ONLY"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.SeedFile == "" && c.Database.URL == "" {
		return fmt.Errorf(
			"config: DATABASE_URL is required (or set SEED_FILE for the in-memory development store)",
		)
	}

	if c.EncryptionKey == "" && c.SeedFile == "" {
		return fmt.Errorf(
			"config: ENCRYPTION_KEY is required to decrypt provider API keys",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Relay.RetryLimit < 0 {
		return fmt.Errorf("config: EMPTY_OUTPUT_RETRY_LIMIT must be ≥ 0, got %d", c.Relay.RetryLimit)
	}
	if c.CircuitBreaker.FailureThreshold < 0 ||
		c.CircuitBreaker.SuccessThreshold < 0 ||
		c.CircuitBreaker.HalfOpenMaxAttempts < 0 {
		return fmt.Errorf("config: circuit breaker thresholds must be ≥ 0")
	}
	if c.RateLimit.DefaultRPM < 0 {
		return fmt.Errorf("config: DEFAULT_RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.DefaultRPM)
	}

	if c.ClickHouse.Addr != "" && c.ClickHouse.Database == "" {
		return fmt.Errorf("config: CLICKHOUSE_DATABASE is required when CLICKHOUSE_ADDR is set")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
