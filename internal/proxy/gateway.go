// Package proxy is the request-level cache and usage-accounting core.
//
// The Gateway receives a chat request, authenticates the caller's API key,
// checks the organization's quota, and either serves an identical prior
// response from the cache at zero marginal cost or forwards the request to
// the resolved provider, prices the result, and records usage.
//
// Key design constraints:
//   - Cache reads/writes and stats updates are best-effort under explicit
//     deadlines; a slow or dead cache backend never fails a request.
//   - The usage log is the authoritative billing record; hit/miss statistics
//     are advisory.
//   - Limiter, usage logger, and exclusions are optional and nil-safe.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/cachefront/llm-proxy/internal/auth"
	"github.com/cachefront/llm-proxy/internal/cache"
	"github.com/cachefront/llm-proxy/internal/fingerprint"
	"github.com/cachefront/llm-proxy/internal/limits"
	"github.com/cachefront/llm-proxy/internal/metrics"
	"github.com/cachefront/llm-proxy/internal/pricing"
	"github.com/cachefront/llm-proxy/internal/providers"
	"github.com/cachefront/llm-proxy/internal/usagelog"
	"github.com/cachefront/llm-proxy/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	cachedCostLabel = "0.0000 (cached)"

	defaultCacheTTL          = time.Hour
	defaultCacheReadTimeout  = 2 * time.Second
	defaultCacheWriteTimeout = 2 * time.Second
	defaultStatsTimeout      = 1 * time.Second
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the lifetime of cached responses. Default: 1h.
	CacheTTL time.Duration

	// CacheReadTimeout / CacheWriteTimeout / StatsTimeout bound the
	// best-effort cache-layer operations. Defaults: 2s, 2s, 1s.
	CacheReadTimeout  time.Duration
	CacheWriteTimeout time.Duration
	StatsTimeout      time.Duration

	// ProviderTimeout is the upstream call timeout. Default: 30s.
	ProviderTimeout time.Duration

	// CacheReady is an optional readiness probe for the cache backend,
	// surfaced by GET /readiness.
	CacheReady func(context.Context) bool
}

// Gateway is the orchestrator — dependencies are injected via the
// constructor so tests can replace them with doubles.
type Gateway struct {
	resolver  auth.Resolver
	estimator *pricing.Estimator
	registry  *providers.Registry
	store     cache.Store
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	cacheTTL          time.Duration
	cacheReadTimeout  time.Duration
	cacheWriteTimeout time.Duration
	statsTimeout      time.Duration
	providerTimeout   time.Duration

	// Optional dependencies, nil-safe when not configured.
	limiter    limits.Limiter
	usage      *usagelog.Logger
	exclusions *cache.Exclusions

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// New creates a fully configured Gateway. The cache store may be nil, in
// which case every request goes upstream.
func New(
	baseCtx context.Context,
	resolver auth.Resolver,
	estimator *pricing.Estimator,
	registry *providers.Registry,
	store cache.Store,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if resolver == nil {
		panic("gateway: resolver must not be nil")
	}
	if estimator == nil {
		panic("gateway: estimator must not be nil")
	}
	if registry == nil {
		panic("gateway: registry must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		resolver:          resolver,
		estimator:         estimator,
		registry:          registry,
		store:             store,
		baseCtx:           baseCtx,
		log:               log,
		metrics:           opts.Metrics,
		cacheTTL:          orDefault(opts.CacheTTL, defaultCacheTTL),
		cacheReadTimeout:  orDefault(opts.CacheReadTimeout, defaultCacheReadTimeout),
		cacheWriteTimeout: orDefault(opts.CacheWriteTimeout, defaultCacheWriteTimeout),
		statsTimeout:      orDefault(opts.StatsTimeout, defaultStatsTimeout),
		providerTimeout:   orDefault(opts.ProviderTimeout, providers.DefaultTimeout),
	}

	g.health = NewHealthChecker(baseCtx, registry.Names(), opts.CacheReady)

	return g
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetLimiter injects the usage limiter.
func (g *Gateway) SetLimiter(l limits.Limiter) { g.limiter = l }

// SetUsageLog injects the async durable usage logger.
func (g *Gateway) SetUsageLog(l *usagelog.Logger) { g.usage = l }

// SetCacheExclusions injects the model exclusion rules. Matching requests
// skip both cache read and write.
func (g *Gateway) SetCacheExclusions(ex *cache.Exclusions) { g.exclusions = ex }

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// Close stops the background health prober.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Request / response types ──────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	proxyRequest struct {
		APIKey      string           `json:"apiKey"`
		ProviderKey string           `json:"providerKey"`
		Model       string           `json:"model"`
		MaxTokens   int              `json:"maxTokens"`
		NoCache     bool             `json:"noCache"`
		Messages    []inboundMessage `json:"messages"`
	}

	// usageBlock is attached to every 200 response under the "usage" key.
	usageBlock struct {
		pricing.TokenCount
		EstimatedCost string `json:"estimated_cost"`
		Cached        bool   `json:"cached,omitempty"`
	}
)

func validateProxyRequest(req *proxyRequest) []apierr.FieldError {
	var fields []apierr.FieldError
	if req.APIKey == "" {
		fields = append(fields, apierr.FieldError{Field: "apiKey", Message: "API key is required"})
	}
	if req.ProviderKey == "" {
		fields = append(fields, apierr.FieldError{Field: "providerKey", Message: "Provider API key is required"})
	}
	if req.Model == "" {
		fields = append(fields, apierr.FieldError{Field: "model", Message: "Model is required"})
	}
	if len(req.Messages) == 0 {
		fields = append(fields, apierr.FieldError{Field: "messages", Message: "At least one message is required"})
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			fields = append(fields, apierr.FieldError{Field: fmt.Sprintf("messages[%d].role", i), Message: "Role is required"})
		}
		if m.Content == "" {
			fields = append(fields, apierr.FieldError{Field: fmt.Sprintf("messages[%d].content", i), Message: "Content is required"})
		}
	}
	return fields
}

// handleProxy is the core handler for POST /v1/proxy.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "proxy"
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Validate.
	var req proxyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, []apierr.FieldError{
			{Field: "body", Message: fmt.Sprintf("invalid JSON: %s", err.Error())},
		})
		return
	}
	if fields := validateProxyRequest(&req); len(fields) > 0 {
		apierr.WriteValidation(ctx, fields)
		return
	}

	// 2. Authenticate.
	identity, err := g.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		g.log.InfoContext(ctx, "auth_failed",
			slog.String("request_id", reqID))
		apierr.WriteUnauthorized(ctx, "Invalid API key")
		return
	}

	// 3. Resolve the provider from the model name.
	providerName, err := g.estimator.Table().ProviderFor(req.Model)
	if err != nil {
		writeUnsupportedModel(ctx, req.Model)
		return
	}
	adapter, err := g.registry.Get(providerName)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_unavailable",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("user_id", identity.UserID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("no_cache", req.NoCache),
	)

	// 4. Pre-call token estimate.
	estMsgs := make([]pricing.Message, len(req.Messages))
	for i, m := range req.Messages {
		estMsgs[i] = pricing.Message{Role: m.Role, Content: m.Content}
	}
	estimate, err := g.estimator.Estimate(estMsgs, req.Model)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownModel) {
			writeUnsupportedModel(ctx, req.Model)
			return
		}
		g.log.ErrorContext(ctx, "estimate_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	// 5. Quota check. Never blocks the request; limited callers still reach
	// the provider with metering suspended.
	var decision limits.Decision
	if g.limiter != nil {
		decision, err = g.limiter.Check(ctx, identity.OrgID, limits.Tier(identity.Tier))
		if g.metrics != nil {
			switch {
			case err != nil:
				g.metrics.RecordLimiter("error")
			case decision.Limited:
				g.metrics.RecordLimiter("limited")
			default:
				g.metrics.RecordLimiter("allowed")
			}
		}
		if decision.Limited {
			g.log.InfoContext(ctx, "metering_suspended",
				slog.String("request_id", reqID),
				slog.String("org_id", identity.OrgID),
				slog.String("reason", decision.Reason))
		}
	}

	fpMsgs := make([]fingerprint.Message, len(req.Messages))
	for i, m := range req.Messages {
		fpMsgs[i] = fingerprint.Message{Role: m.Role, Content: m.Content}
	}
	key := fingerprint.Fingerprint(fpMsgs, req.Model, providerName)

	cacheEligible := g.store != nil && !req.NoCache && !decision.Limited &&
		!g.exclusions.Excluded(req.Model)

	// 6. Cache read. entry is only read when bestEffort reports completion:
	// the channel receive inside it orders the branch's write before this
	// read, and a read that outlives its deadline is never looked at.
	if cacheEligible {
		var entry *cache.Entry
		completed := g.bestEffort(ctx, "get", g.cacheReadTimeout, func(opCtx context.Context) error {
			if e, ok := g.store.Get(opCtx, key); ok {
				entry = e
			}
			return nil
		})

		if completed && entry != nil {
			g.serveHit(ctx, reqID, identity, entry, start)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 7. Upstream call.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	chatMsgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		chatMsgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	upStart := time.Now()
	completion, err := adapter.Complete(provCtx, req.ProviderKey, &providers.ChatRequest{
		Model:     req.Model,
		Messages:  chatMsgs,
		MaxTokens: req.MaxTokens,
		RequestID: reqID,
	})
	upDur := time.Since(upStart)
	if err != nil {
		g.handleUpstreamError(ctx, reqID, providerName, err, upDur)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(providerName, "success", upDur)
	}

	// 8. Finalize the token count against the real output.
	final, err := g.estimator.Finalize(estimate, completion.Content, req.Model)
	if err != nil {
		g.log.ErrorContext(ctx, "finalize_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	// 9. Populate cache and stats; a failed upstream never reaches here.
	if cacheEligible {
		entry := &cache.Entry{
			Response:   completion.Raw,
			TokenCount: final,
			Timestamp:  time.Now().UnixMilli(),
			Model:      req.Model,
			Provider:   providerName,
		}
		if g.bestEffort(ctx, "set", g.cacheWriteTimeout, func(opCtx context.Context) error {
			return g.store.Set(opCtx, key, entry, g.cacheTTL, identity.UserID)
		}) && g.metrics != nil {
			g.metrics.RecordCacheOp("set", "ok")
		}

		g.bestEffort(ctx, "stat", g.statsTimeout, func(opCtx context.Context) error {
			return g.store.RecordStat(opCtx, identity.UserID, false, 0)
		})
	}

	// 10. Metering and response.
	var systemMessage string
	if decision.Limited {
		systemMessage = fmt.Sprintf("usage metering inactive: %s", decision.Reason)
	} else {
		g.recordUsage(reqID, identity, req.Model, providerName, final, time.Since(start), fasthttp.StatusOK, false)
		if g.limiter != nil {
			_ = g.limiter.RecordRequest(ctx, identity.OrgID)
		}
		if rec, ok := g.resolver.(auth.UseRecorder); ok {
			_ = rec.RecordUse(ctx, identity.KeyID)
		}
		if g.metrics != nil {
			g.metrics.AddTokens(providerName, final.InputTokens, final.OutputTokens, false)
			g.metrics.AddCost(providerName, final.Cost)
		}
	}

	body, err := annotatePayload(completion.Raw, usageBlock{
		TokenCount:    final,
		EstimatedCost: pricing.FormatCost(final.Cost),
	}, systemMessage)
	if err != nil {
		g.log.ErrorContext(ctx, "response_encode_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", req.Model),
		slog.Int("input_tokens", final.InputTokens),
		slog.Int("output_tokens", final.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// serveHit responds with a cached entry and meters the hit.
func (g *Gateway) serveHit(ctx *fasthttp.RequestCtx, reqID string, identity *auth.Identity, entry *cache.Entry, start time.Time) {
	if g.metrics != nil {
		g.metrics.CacheGetHit()
		g.metrics.AddSavings(entry.TokenCount.Cost)
		g.metrics.AddTokens(entry.Provider, entry.TokenCount.InputTokens, entry.TokenCount.OutputTokens, true)
	}

	g.bestEffort(ctx, "stat", g.statsTimeout, func(opCtx context.Context) error {
		return g.store.RecordStat(opCtx, identity.UserID, true, entry.TokenCount.Cost)
	})

	// A hit costs nothing; the log entry carries the served tokens with a
	// zero cost so analytics can still attribute volume.
	zeroCost := entry.TokenCount
	zeroCost.Cost = 0
	g.recordUsage(reqID, identity, entry.Model, entry.Provider, zeroCost, time.Since(start), fasthttp.StatusOK, true)

	// Hits count against quotas and the per-key allowance the same as
	// misses; the limiter meters requests, not upstream spend.
	if g.limiter != nil {
		_ = g.limiter.RecordRequest(ctx, identity.OrgID)
	}
	if rec, ok := g.resolver.(auth.UseRecorder); ok {
		_ = rec.RecordUse(ctx, identity.KeyID)
	}

	body, err := annotatePayload(entry.Response, usageBlock{
		TokenCount:    entry.TokenCount,
		EstimatedCost: cachedCostLabel,
		Cached:        true,
	}, "")
	if err != nil {
		g.log.ErrorContext(ctx, "cached_payload_corrupt",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", reqID),
		slog.String("model", entry.Model),
		slog.String("user_id", identity.UserID),
	)

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleUpstreamError maps provider failures to the client response.
// Non-2xx upstream responses pass through with the provider's status and
// body; everything else is an opaque 500.
func (g *Gateway) handleUpstreamError(ctx *fasthttp.RequestCtx, reqID, providerName string, err error, upDur time.Duration) {
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(providerName, "upstream_error", upDur)
			g.metrics.RecordError(providerName, "upstream")
		}
		g.log.WarnContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.Int("status", provErr.StatusCode),
		)
		apierr.WriteProviderError(ctx, provErr.StatusCode, provErr.Body)
		return
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstream(providerName, "network_error", upDur)
		g.metrics.RecordError(providerName, "network")
	}
	g.log.ErrorContext(ctx, "provider_unreachable",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("error", err.Error()),
	)
	apierr.WriteInternal(ctx)
}

// recordUsage enqueues a usage-log entry. Never blocks.
func (g *Gateway) recordUsage(
	reqID string,
	identity *auth.Identity,
	model, provider string,
	tokens pricing.TokenCount,
	latency time.Duration,
	status int,
	cached bool,
) {
	if g.usage == nil {
		return
	}

	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}

	latencyMs := latency.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}

	g.usage.Record(usagelog.Entry{
		ID:           id,
		UserID:       identity.UserID,
		OrgID:        identity.OrgID,
		KeyID:        identity.KeyID,
		Model:        model,
		Provider:     provider,
		InputTokens:  uint32(tokens.InputTokens),
		OutputTokens: uint32(tokens.OutputTokens),
		Cost:         tokens.Cost,
		LatencyMs:    uint16(latencyMs),
		Status:       uint16(status),
		Success:      status < 400,
		Cached:       cached,
	})
}

// annotatePayload attaches the usage block (and optional system message) to
// the provider's native JSON payload without disturbing its other fields.
func annotatePayload(raw json.RawMessage, usage usageBlock, systemMessage string) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	payload["usage"] = usage
	if systemMessage != "" {
		payload["system_message"] = systemMessage
	}
	return json.Marshal(payload)
}

func writeUnsupportedModel(ctx *fasthttp.RequestCtx, model string) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(fmt.Sprintf("Unsupported model: %s", model))
}

// handleStats serves GET /v1/stats for the authenticated caller.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	identity, ok := g.authenticateHeader(ctx)
	if !ok {
		return
	}
	if g.store == nil {
		writeJSON(ctx, cache.UserStats{})
		return
	}

	stats, err := g.store.Stats(ctx, identity.UserID)
	if err != nil {
		g.log.WarnContext(ctx, "stats_read_failed",
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, stats)
}

// handleCacheClear serves DELETE /v1/cache: drops the caller's cached
// entries and statistics. Administrative, off the hot path.
func (g *Gateway) handleCacheClear(ctx *fasthttp.RequestCtx) {
	identity, ok := g.authenticateHeader(ctx)
	if !ok {
		return
	}
	if g.store == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}

	if err := g.store.ClearUser(ctx, identity.UserID); err != nil {
		g.log.WarnContext(ctx, "cache_clear_failed",
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordCacheOp("clear", "ok")
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// authenticateHeader resolves the Authorization bearer token for the
// management endpoints. Writes a 401 and returns false on failure.
func (g *Gateway) authenticateHeader(ctx *fasthttp.RequestCtx) (*auth.Identity, bool) {
	token := auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization")))
	identity, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		apierr.WriteUnauthorized(ctx, "Invalid API key")
		return nil, false
	}
	return identity, true
}
