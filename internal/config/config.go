// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_URL becomes redis_url
// in YAML.
//
// Callers supply their own provider credentials per request, so no provider
// API keys are required to start. Redis is optional too — set
// CACHE_MODE=memory and AUTH_MODE=static for a zero-dependency instance.
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

	// Provider endpoint overrides. Useful for local mocks and development;
	// leave empty to use each provider's default endpoint.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Redis holds the connection URL shared by the Redis-backed cache,
	// limiter, and key store. Required when CacheMode or AuthMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Auth selects the API key resolver backend.
	Auth AuthConfig

	// UsageLog selects the durable usage log sink.
	UsageLog UsageLogConfig

	// Timeouts bound the best-effort cache-layer calls and the upstream call.
	Timeouts TimeoutConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds per-provider endpoint configuration.
type ProviderConfig struct {
	// BaseURL overrides the provider's default API endpoint.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// Exclude lists model names that must never be cached. Entries with an
	// "re:" prefix are Go regular expressions; anything else matches exactly.
	// Example: ["gpt-4o-realtime", "re:^ft:", "re:.*-preview$"]
	Exclude []string

	// SimilarityThreshold is parsed and validated but not yet acted on;
	// only exact-fingerprint matching is implemented. Range [0,1], default 1.
	SimilarityThreshold float64
}

// AuthConfig selects the API key resolver.
type AuthConfig struct {
	// Mode selects the backend:
	//   "redis"  — keys resolved from Redis hashes (requires REDIS_URL).
	//   "static" — keys parsed from STATIC_API_KEYS. For dev and tests.
	// Default: "static".
	Mode string

	// StaticKeys holds "key:user[:org[:tier]]" entries for static mode.
	StaticKeys []string
}

// UsageLogConfig selects the durable usage log sink.
type UsageLogConfig struct {
	// Sink is "stdout" (structured log lines) or "clickhouse".
	// Default: "stdout".
	Sink string

	// ClickHouseDSN is the connection string for the clickhouse sink,
	// e.g. "clickhouse://localhost:9000/proxy".
	ClickHouseDSN string
}

// TimeoutConfig bounds the cache-layer and upstream calls.
type TimeoutConfig struct {
	// CacheRead / CacheWrite / Stats bound the best-effort cache operations.
	// Defaults: 2s, 2s, 1s.
	CacheRead  time.Duration
	CacheWrite time.Duration
	Stats      time.Duration

	// Provider is the upstream HTTP timeout. Default: 30s.
	Provider time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when CACHE_MODE=redis or AUTH_MODE=redis.
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("SIMILARITY_THRESHOLD", 1.0)

	v.SetDefault("AUTH_MODE", "static")
	v.SetDefault("LOG_SINK", "stdout")

	v.SetDefault("CACHE_READ_TIMEOUT", "2s")
	v.SetDefault("CACHE_WRITE_TIMEOUT", "2s")
	v.SetDefault("STATS_TIMEOUT", "1s")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{BaseURL: v.GetString("GEMINI_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:                strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:                 v.GetDuration("CACHE_TTL"),
			Exclude:             v.GetStringSlice("CACHE_EXCLUDE"),
			SimilarityThreshold: v.GetFloat64("SIMILARITY_THRESHOLD"),
		},

		Auth: AuthConfig{
			Mode:       strings.ToLower(v.GetString("AUTH_MODE")),
			StaticKeys: v.GetStringSlice("STATIC_API_KEYS"),
		},

		UsageLog: UsageLogConfig{
			Sink:          strings.ToLower(v.GetString("LOG_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		Timeouts: TimeoutConfig{
			CacheRead:  v.GetDuration("CACHE_READ_TIMEOUT"),
			CacheWrite: v.GetDuration("CACHE_WRITE_TIMEOUT"),
			Stats:      v.GetDuration("STATS_TIMEOUT"),
			Provider:   v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.Auth.Mode {
	case "redis", "static":
	default:
		return fmt.Errorf(
			"config: invalid AUTH_MODE %q; must be one of: redis, static",
			c.Auth.Mode,
		)
	}

	switch c.UsageLog.Sink {
	case "stdout", "clickhouse":
	default:
		return fmt.Errorf(
			"config: invalid LOG_SINK %q; must be one of: stdout, clickhouse",
			c.UsageLog.Sink,
		)
	}

	// Redis URL is required when any backend selects it.
	if c.RequiresRedis() && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis or AUTH_MODE=redis; " +
				"set CACHE_MODE=memory and AUTH_MODE=static for a standalone instance",
		)
	}

	if c.UsageLog.Sink == "clickhouse" && c.UsageLog.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when LOG_SINK=clickhouse")
	}

	if c.Auth.Mode == "static" && len(c.Auth.StaticKeys) == 0 {
		return fmt.Errorf(
			"config: STATIC_API_KEYS is required when AUTH_MODE=static " +
				`(entries of the form "key:user[:org[:tier]]")`,
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

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf(
			"config: SIMILARITY_THRESHOLD must be in [0, 1], got %g",
			c.Cache.SimilarityThreshold,
		)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Timeouts.Provider <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// RequiresRedis reports whether any configured backend needs a Redis
// connection.
func (c *Config) RequiresRedis() bool {
	return c.Cache.Mode == "redis" || c.Auth.Mode == "redis"
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
