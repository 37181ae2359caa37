package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cachefront/llm-proxy/internal/auth"
	"github.com/cachefront/llm-proxy/internal/cache"
	"github.com/cachefront/llm-proxy/internal/limits"
	"github.com/cachefront/llm-proxy/internal/metrics"
	"github.com/cachefront/llm-proxy/internal/pricing"
	"github.com/cachefront/llm-proxy/internal/providers"
	anthropicprov "github.com/cachefront/llm-proxy/internal/providers/anthropic"
	geminiprov "github.com/cachefront/llm-proxy/internal/providers/gemini"
	openaiprov "github.com/cachefront/llm-proxy/internal/providers/openai"
	"github.com/cachefront/llm-proxy/internal/proxy"
	"github.com/cachefront/llm-proxy/internal/usagelog"
)

// initInfra establishes optional external connections.
// Redis is only required when the cache or the auth store selects it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RequiresRedis() {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the upstream adapter registry. Credentials come from
// the caller per request, so every adapter is always registered.
func (a *App) initProviders(ctx context.Context) error {
	var openaiOpts []openaiprov.Option
	if a.cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(a.cfg.OpenAI.BaseURL))
	}
	var anthropicOpts []anthropicprov.Option
	if a.cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(a.cfg.Anthropic.BaseURL))
	}
	var geminiOpts []geminiprov.Option
	if a.cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(a.cfg.Gemini.BaseURL))
	}

	gem, err := geminiprov.New(ctx, "", geminiOpts...)
	if err != nil {
		return fmt.Errorf("gemini adapter: %w", err)
	}

	a.registry = providers.NewRegistry(
		openaiprov.New("", openaiOpts...),
		anthropicprov.New("", anthropicOpts...),
		gem,
	)

	a.log.Info("providers loaded", slog.Any("providers", a.registry.Names()))

	return nil
}

// initServices creates the cache backend, key resolver, limiter, usage log
// sink, and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = cache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memStore = cache.NewMemoryStore(ctx)
		a.store = a.memStore
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")
	}

	switch a.cfg.Auth.Mode {
	case "redis":
		a.resolver = auth.NewRedisResolver(a.rdb, a.log)
		a.log.Info("auth backend: redis")

	case "static":
		r, err := auth.NewStaticResolver(a.cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("static keys: %w", err)
		}
		a.resolver = r
		a.log.Info("auth backend: static", slog.Int("keys", r.Len()))
	}

	// Quotas need shared counters; the in-process limiter only makes sense
	// for a single replica.
	if a.rdb != nil {
		a.limiter = limits.NewRedisLimiter(a.rdb, a.log)
	} else {
		a.limiter = limits.NewMemoryLimiter()
	}

	var sink usagelog.Sink
	switch a.cfg.UsageLog.Sink {
	case "clickhouse":
		ch, err := usagelog.NewClickHouseSink(ctx, a.cfg.UsageLog.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("usage log sink: clickhouse")

	default:
		sink = usagelog.NewSlogSink(a.log)
		a.log.Info("usage log sink: stdout")
	}

	usage, err := usagelog.New(a.baseCtx, sink)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	a.usage = usage

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.usage.SetOnDrop(a.prom.RecordUsageLogDrop)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func(context.Context) bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.rdb)
	case "memory":
		cacheReady = func(context.Context) bool { return true }
	}

	estimator := pricing.NewEstimator(pricing.DefaultTable(), nil)

	gw := proxy.New(a.baseCtx, a.resolver, estimator, a.registry, a.store, proxy.Options{
		Logger:            a.log,
		Metrics:           a.prom,
		CacheTTL:          a.cfg.Cache.TTL,
		CacheReadTimeout:  a.cfg.Timeouts.CacheRead,
		CacheWriteTimeout: a.cfg.Timeouts.CacheWrite,
		StatsTimeout:      a.cfg.Timeouts.Stats,
		ProviderTimeout:   a.cfg.Timeouts.Provider,
		CacheReady:        cacheReady,
	})

	gw.SetLimiter(a.limiter)
	gw.SetUsageLog(a.usage)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if len(a.cfg.Cache.Exclude) > 0 {
		ex, err := cache.ParseExclusions(a.cfg.Cache.Exclude)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(ex)
		a.log.Info("cache exclusions loaded", slog.Int("rules", ex.Len()))
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
