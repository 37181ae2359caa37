package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/cachefront/llm-proxy/internal/auth"
	"github.com/cachefront/llm-proxy/internal/cache"
	"github.com/cachefront/llm-proxy/internal/limits"
	"github.com/cachefront/llm-proxy/internal/pricing"
	"github.com/cachefront/llm-proxy/internal/providers"
)

// --- helpers ----------------------------------------------------------------

// stubAdapter is a programmable upstream for tests.
type stubAdapter struct {
	name   string
	calls  int
	fn     func(ctx context.Context, apiKey string, req *providers.ChatRequest) (*providers.Completion, error)
	lastIn *providers.ChatRequest
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Complete(ctx context.Context, apiKey string, req *providers.ChatRequest) (*providers.Completion, error) {
	a.calls++
	a.lastIn = req
	return a.fn(ctx, apiKey, req)
}

// okAdapter answers every request with a fixed payload.
func okAdapter(name string) *stubAdapter {
	return &stubAdapter{
		name: name,
		fn: func(_ context.Context, _ string, req *providers.ChatRequest) (*providers.Completion, error) {
			return &providers.Completion{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + name,
				Raw:     json.RawMessage(`{"id":"msg_1","content":"hello from ` + name + `"}`),
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// stubLimiter returns a fixed decision and records RecordRequest calls.
type stubLimiter struct {
	decision limits.Decision
	recorded int
}

func (l *stubLimiter) Check(_ context.Context, _ string, _ limits.Tier) (limits.Decision, error) {
	return l.decision, nil
}

func (l *stubLimiter) RecordRequest(_ context.Context, _ string) error {
	l.recorded++
	return nil
}

// slowStore delays every Get past any reasonable deadline.
type slowStore struct {
	cache.Store
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) (*cache.Entry, bool) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, false
	}
	return s.Store.Get(ctx, key)
}

// laggardStore ignores deadlines entirely; its Get always completes late and
// always claims a hit.
type laggardStore struct {
	cache.Store
	delay time.Duration
	entry *cache.Entry
}

func (s *laggardStore) Get(_ context.Context, _ string) (*cache.Entry, bool) {
	time.Sleep(s.delay)
	return s.entry, true
}

// meteringResolver wraps a Resolver and counts per-key use records.
type meteringResolver struct {
	auth.Resolver
	uses int
}

func (r *meteringResolver) RecordUse(_ context.Context, _ string) error {
	r.uses++
	return nil
}

func testResolver(t *testing.T) auth.Resolver {
	t.Helper()
	r, err := auth.NewStaticResolver([]string{"devkey:alice:acme:PRO"})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestGateway(t *testing.T, store cache.Store, adapters ...providers.Adapter) *Gateway {
	t.Helper()
	if len(adapters) == 0 {
		adapters = []providers.Adapter{okAdapter("openai")}
	}
	gw := New(
		context.Background(),
		testResolver(t),
		pricing.NewEstimator(pricing.DefaultTable(), nil),
		providers.NewRegistry(adapters...),
		store,
		Options{},
	)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func proxyBody(content string, extra string) []byte {
	b := `{"apiKey":"devkey","providerKey":"sk-upstream","model":"gpt-4o","messages":[{"role":"user","content":"` + content + `"}]`
	if extra != "" {
		b += "," + extra
	}
	return []byte(b + "}")
}

// proxyResponse is the decoded shape of a successful proxy response.
type proxyResponse struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	SystemMessage string `json:"system_message"`
	Usage         struct {
		InputTokens   int     `json:"inputTokens"`
		OutputTokens  int     `json:"outputTokens"`
		TotalTokens   int     `json:"totalTokens"`
		Cost          float64 `json:"cost"`
		EstimatedCost string  `json:"estimated_cost"`
		Cached        bool    `json:"cached"`
	} `json:"usage"`
}

// --- constructor ------------------------------------------------------------

func TestNew_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	New(nil, nil, nil, nil, nil, Options{})
}

func TestGateway_Setters(t *testing.T) {
	gw := newTestGateway(t, nil)

	gw.SetLimiter(nil)
	if gw.limiter != nil {
		t.Error("expected nil limiter")
	}

	gw.SetCacheExclusions(nil)
	if gw.exclusions != nil {
		t.Error("expected nil exclusions")
	}

	gw.SetCORSOrigins([]string{"https://example.com"})
	if len(gw.corsOrigins) != 1 || gw.corsOrigins[0] != "https://example.com" {
		t.Error("CORS origins not set correctly")
	}
}

// --- validation and auth ----------------------------------------------------

func TestHandleProxy_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "mock-1")

	gw.handleProxy(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "Invalid request data") {
		t.Errorf("unexpected error body: %s", ctx.Response.Body())
	}
}

func TestHandleProxy_MissingFields(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{}`))
	ctx.SetUserValue("request_id", "mock-2")

	gw.handleProxy(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}

	body := string(ctx.Response.Body())
	for _, want := range []string{
		"API key is required",
		"Provider API key is required",
		"Model is required",
		"At least one message is required",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in %s", want, body)
		}
	}
}

func TestHandleProxy_UnknownAPIKey(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"apiKey":"wrong","providerKey":"sk-x","model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-3")

	gw.handleProxy(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "Invalid API key" {
		t.Errorf("expected plain body, got %q", got)
	}
}

func TestHandleProxy_UnsupportedModel(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"apiKey":"devkey","providerKey":"sk-x","model":"made-up-9000","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-4")

	gw.handleProxy(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "Unsupported model: made-up-9000" {
		t.Errorf("unexpected body %q", got)
	}
}

// --- cache behaviour (via in-memory HTTP server) -----------------------------

func TestHandleProxy_MissThenHit(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	ad := okAdapter("openai")
	gw := newTestGateway(t, store, ad)

	client := serveGateway(t, gw)
	body := proxyBody("cached question", "")

	// First request — miss, goes upstream.
	resp1 := doJSON(t, client, "POST", "/v1/proxy", body)
	out1 := readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp1.StatusCode, out1)
	}
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	var miss proxyResponse
	if err := json.Unmarshal(out1, &miss); err != nil {
		t.Fatalf("parse miss response: %v", err)
	}
	if miss.ID != "msg_1" {
		t.Errorf("provider payload not preserved: %+v", miss)
	}
	if miss.Usage.TotalTokens == 0 || miss.Usage.Cached {
		t.Errorf("unexpected usage on miss: %+v", miss.Usage)
	}
	if miss.Usage.EstimatedCost == "" || strings.Contains(miss.Usage.EstimatedCost, "cached") {
		t.Errorf("unexpected estimated_cost on miss: %q", miss.Usage.EstimatedCost)
	}

	// Second request — identical, served from cache.
	resp2 := doJSON(t, client, "POST", "/v1/proxy", body)
	out2 := readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Fatalf("second request should be a cache HIT: %s", out2)
	}

	var hit proxyResponse
	if err := json.Unmarshal(out2, &hit); err != nil {
		t.Fatalf("parse hit response: %v", err)
	}
	if hit.ID != "msg_1" || hit.Content != miss.Content {
		t.Errorf("cached payload differs from original: %+v", hit)
	}
	if !hit.Usage.Cached {
		t.Error("hit usage should carry cached=true")
	}
	if hit.Usage.EstimatedCost != "0.0000 (cached)" {
		t.Errorf("expected cached cost label, got %q", hit.Usage.EstimatedCost)
	}
	if hit.Usage.TotalTokens != miss.Usage.TotalTokens {
		t.Errorf("hit should report the original token count: %d != %d",
			hit.Usage.TotalTokens, miss.Usage.TotalTokens)
	}

	if ad.calls != 1 {
		t.Errorf("upstream should be called once, got %d", ad.calls)
	}
}

func TestHandleProxy_NoCacheBypassesRead(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	ad := okAdapter("openai")
	gw := newTestGateway(t, store, ad)

	client := serveGateway(t, gw)
	body := proxyBody("fresh please", `"noCache":true`)

	for i := 0; i < 2; i++ {
		resp := doJSON(t, client, "POST", "/v1/proxy", body)
		readBody(t, resp)
		if resp.Header.Get("X-Cache") != xCacheMISS {
			t.Errorf("request %d: noCache must never produce a HIT", i)
		}
	}
	if ad.calls != 2 {
		t.Errorf("upstream should be called each time, got %d", ad.calls)
	}
}

func TestHandleProxy_ExcludedModelNotCached(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	gw := newTestGateway(t, store)

	ex, err := cache.ParseExclusions([]string{"gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	gw.SetCacheExclusions(ex)

	client := serveGateway(t, gw)
	body := proxyBody("excluded", "")

	resp1 := doJSON(t, client, "POST", "/v1/proxy", body)
	readBody(t, resp1)
	resp2 := doJSON(t, client, "POST", "/v1/proxy", body)
	readBody(t, resp2)

	if resp2.Header.Get("X-Cache") == xCacheHIT {
		t.Error("excluded model should never produce a cache HIT")
	}
	if store.Len() != 0 {
		t.Errorf("excluded model must not be written to the cache, got %d entries", store.Len())
	}
}

// --- usage limiting ----------------------------------------------------------

func TestHandleProxy_LimitedSkipsMetering(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	ad := okAdapter("openai")
	gw := newTestGateway(t, store, ad)

	lim := &stubLimiter{decision: limits.Decision{Limited: true, Reason: limits.ReasonDaily}}
	gw.SetLimiter(lim)

	client := serveGateway(t, gw)
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("over quota", ""))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limited callers still get the response, got %d: %s", resp.StatusCode, body)
	}

	var out proxyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.SystemMessage != "usage metering inactive: "+limits.ReasonDaily {
		t.Errorf("unexpected system_message %q", out.SystemMessage)
	}
	if out.ID != "msg_1" {
		t.Error("provider payload should pass through when limited")
	}

	if ad.calls != 1 {
		t.Errorf("upstream should still be called, got %d", ad.calls)
	}
	if lim.recorded != 0 {
		t.Error("limited requests must not be counted against the quota")
	}
	if store.Len() != 0 {
		t.Error("limited requests must not populate the cache")
	}
}

func TestHandleProxy_AllowedRecordsRequest(t *testing.T) {
	gw := newTestGateway(t, nil)
	lim := &stubLimiter{}
	gw.SetLimiter(lim)

	client := serveGateway(t, gw)
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("within quota", ""))
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if lim.recorded != 1 {
		t.Errorf("expected one recorded request, got %d", lim.recorded)
	}
}

// --- upstream failures --------------------------------------------------------

func TestHandleProxy_ProviderErrorPassthrough(t *testing.T) {
	failing := &stubAdapter{
		name: "openai",
		fn: func(_ context.Context, _ string, _ *providers.ChatRequest) (*providers.Completion, error) {
			return nil, &providers.ProviderError{
				Provider:   "openai",
				StatusCode: 429,
				Body:       []byte(`{"error":{"type":"rate_limit_exceeded"}}`),
			}
		},
	}
	gw := newTestGateway(t, nil, failing)

	client := serveGateway(t, gw)
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("fail", ""))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 passthrough, got %d", resp.StatusCode)
	}

	var envelope struct {
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error != "Provider API error" {
		t.Errorf("unexpected error message %q", envelope.Error)
	}
	if !strings.Contains(string(envelope.Details), "rate_limit_exceeded") {
		t.Errorf("provider body should pass through, got %s", envelope.Details)
	}
}

func TestHandleProxy_UpstreamNetworkError(t *testing.T) {
	failing := &stubAdapter{
		name: "openai",
		fn: func(_ context.Context, _ string, _ *providers.ChatRequest) (*providers.Completion, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}
	gw := newTestGateway(t, nil, failing)

	client := serveGateway(t, gw)
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("down", ""))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if string(body) != "Internal server error" {
		t.Errorf("unexpected body %q", body)
	}
}

// --- graceful degradation -----------------------------------------------------

func TestHandleProxy_SlowCacheDegrades(t *testing.T) {
	inner := cache.NewMemoryStore(context.Background())
	defer inner.Close()
	store := &slowStore{Store: inner, delay: time.Second}

	gw := New(
		context.Background(),
		testResolver(t),
		pricing.NewEstimator(pricing.DefaultTable(), nil),
		providers.NewRegistry(okAdapter("openai")),
		store,
		Options{CacheReadTimeout: 20 * time.Millisecond},
	)
	t.Cleanup(gw.Close)

	client := serveGateway(t, gw)
	start := time.Now()
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("slow cache", ""))
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 despite the slow cache, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Error("slow cache read should be treated as a miss")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("request blocked on the cache for %v", elapsed)
	}
}

func TestHandleProxy_LateCacheReadDiscarded(t *testing.T) {
	inner := cache.NewMemoryStore(context.Background())
	defer inner.Close()
	stale := &cache.Entry{
		Response:   json.RawMessage(`{"id":"stale","content":"old answer"}`),
		TokenCount: pricing.TokenCount{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
		Model:      "gpt-4o",
		Provider:   "openai",
	}
	store := &laggardStore{Store: inner, delay: 100 * time.Millisecond, entry: stale}

	gw := New(
		context.Background(),
		testResolver(t),
		pricing.NewEstimator(pricing.DefaultTable(), nil),
		providers.NewRegistry(okAdapter("openai")),
		store,
		Options{CacheReadTimeout: 5 * time.Millisecond},
	)
	t.Cleanup(gw.Close)

	client := serveGateway(t, gw)
	resp := doJSON(t, client, "POST", "/v1/proxy", proxyBody("late read", ""))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Error("a read past its deadline must be treated as a miss")
	}

	var out proxyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "msg_1" {
		t.Errorf("late cache result leaked into the response: %+v", out)
	}

	// Keep the test alive until the late branch finishes its write.
	time.Sleep(150 * time.Millisecond)
}

func TestHandleProxy_HitCountsAgainstQuota(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()

	res := &meteringResolver{Resolver: testResolver(t)}
	gw := New(
		context.Background(),
		res,
		pricing.NewEstimator(pricing.DefaultTable(), nil),
		providers.NewRegistry(okAdapter("openai")),
		store,
		Options{},
	)
	t.Cleanup(gw.Close)

	lim := &stubLimiter{}
	gw.SetLimiter(lim)

	client := serveGateway(t, gw)
	body := proxyBody("count me twice", "")

	readBody(t, doJSON(t, client, "POST", "/v1/proxy", body))
	resp := doJSON(t, client, "POST", "/v1/proxy", body)
	readBody(t, resp)
	if resp.Header.Get("X-Cache") != xCacheHIT {
		t.Fatal("second request should be a cache HIT")
	}

	if lim.recorded != 2 {
		t.Errorf("hits must count against the quota: recorded = %d, want 2", lim.recorded)
	}
	if res.uses != 2 {
		t.Errorf("hits must count against the per-key allowance: uses = %d, want 2", res.uses)
	}
}

// --- management endpoints -----------------------------------------------------

func TestStatsEndpoint(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	gw := newTestGateway(t, store)

	client := serveGateway(t, gw)
	body := proxyBody("stat me", "")

	readBody(t, doJSON(t, client, "POST", "/v1/proxy", body)) // miss
	readBody(t, doJSON(t, client, "POST", "/v1/proxy", body)) // hit

	// Stat writes run asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	var stats cache.UserStats
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest("GET", "http://test/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer devkey")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if err := json.Unmarshal(readBody(t, resp), &stats); err != nil {
			t.Fatal(err)
		}
		if stats.Hits == 1 && stats.Misses == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected hits=1 misses=1, got %+v", stats)
	}
	if stats.Savings <= 0 {
		t.Errorf("expected positive savings, got %g", stats.Savings)
	}
}

func TestStatsEndpoint_Unauthorized(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("GET", "http://test/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCacheClearEndpoint(t *testing.T) {
	store := cache.NewMemoryStore(context.Background())
	defer store.Close()
	ad := okAdapter("openai")
	gw := newTestGateway(t, store, ad)

	client := serveGateway(t, gw)
	body := proxyBody("clear me", "")

	readBody(t, doJSON(t, client, "POST", "/v1/proxy", body))
	if store.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", store.Len())
	}

	req, _ := http.NewRequest("DELETE", "http://test/v1/cache", nil)
	req.Header.Set("Authorization", "Bearer devkey")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if store.Len() != 0 {
		t.Errorf("cache should be empty after clear, got %d", store.Len())
	}

	// The same request misses again.
	resp2 := doJSON(t, client, "POST", "/v1/proxy", body)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheMISS {
		t.Error("request after clear should be a MISS")
	}
}

// --- response assembly --------------------------------------------------------

func TestAnnotatePayload(t *testing.T) {
	raw := json.RawMessage(`{"id":"x","choices":[{"text":"hi"}]}`)
	out, err := annotatePayload(raw, usageBlock{
		TokenCount:    pricing.TokenCount{InputTokens: 3, OutputTokens: 2, TotalTokens: 5, Cost: 0.01},
		EstimatedCost: "0.0100",
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["id"] != "x" {
		t.Error("original fields must survive annotation")
	}
	usage, ok := decoded["usage"].(map[string]any)
	if !ok {
		t.Fatalf("missing usage block: %s", out)
	}
	if usage["totalTokens"] != float64(5) {
		t.Errorf("unexpected usage: %v", usage)
	}
	if _, present := decoded["system_message"]; present {
		t.Error("system_message must be omitted when empty")
	}
}

func TestAnnotatePayload_NonObject(t *testing.T) {
	if _, err := annotatePayload(json.RawMessage(`[1,2,3]`), usageBlock{}, ""); err == nil {
		t.Error("expected error for non-object payload")
	}
}
