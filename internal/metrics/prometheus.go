// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// proxy_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// proxy_upstream_requests_total{provider,outcome}
	upstreamRequests *prometheus.CounterVec

	// proxy_upstream_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// proxy_cache_operations_total{op,result} — op is get|set|stat|clear,
	// result is hit|miss|bypass|ok|error|timeout
	cacheOps *prometheus.CounterVec

	// proxy_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// proxy_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// proxy_savings_usd_total
	savingsTotal prometheus.Counter

	// proxy_limiter_decisions_total{result} — allowed|limited|error
	limiterDecisions *prometheus.CounterVec

	// proxy_usagelog_dropped_total
	usageLogDropped prometheus.Counter

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_requests_total",
				Help: "Total upstream provider calls by outcome",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_duration_seconds",
				Help:    "Upstream provider call duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cache_operations_total",
				Help: "Cache-layer operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token totals from finalized usage accounting",
			},
			[]string{"provider", "direction", "cache"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cost_usd_total",
				Help: "Accumulated upstream spend in USD",
			},
			[]string{"provider"},
		),

		savingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_savings_usd_total",
			Help: "Accumulated USD saved by serving cache hits",
		}),

		limiterDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_limiter_decisions_total",
				Help: "Usage limiter decisions",
			},
			[]string{"result"},
		),

		usageLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_usagelog_dropped_total",
			Help: "Usage log entries dropped due to backpressure",
		}),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamRequests,
		r.upstreamDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.tokensTotal,
		r.costTotal,
		r.savingsTotal,
		r.limiterDecisions,
		r.usageLogDropped,
		r.providerErrors,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstream records one upstream provider call.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

// RecordCacheOp counts one cache-layer operation outcome, including the
// timeout and error results swallowed by best-effort wrappers.
func (r *Registry) RecordCacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(outputTokens))
	}
}

func (r *Registry) AddCost(provider string, cost float64) {
	if cost > 0 {
		r.costTotal.WithLabelValues(provider).Add(cost)
	}
}

func (r *Registry) AddSavings(saved float64) {
	if saved > 0 {
		r.savingsTotal.Add(saved)
	}
}

func (r *Registry) RecordLimiter(result string) {
	r.limiterDecisions.WithLabelValues(result).Inc()
}

func (r *Registry) RecordUsageLogDrop() {
	r.usageLogDropped.Inc()
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
