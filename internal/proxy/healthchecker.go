package proxy

import (
	"context"
	"sync"
	"time"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs a background cache probe and exposes the latest result.
// Providers are listed as configured, not probed: upstream health is only
// observable per request, and a synthetic probe would burn paid quota.
type HealthChecker struct {
	providerNames []string
	cacheReady    func(context.Context) bool
	baseCtx       context.Context

	cacheStatus componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(ctx context.Context, providerNames []string, cacheReady func(context.Context) bool) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providerNames: providerNames,
		cacheReady:    cacheReady,
		startTime:     time.Now(),
		done:          make(chan struct{}),
		baseCtx:       ctx,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Providers     []string `json:"providers"`
	Cache         string   `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"
	cacheSt := hc.cacheStatus.get()
	if cacheSt == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     hc.providerNames,
		Cache:         cacheSt,
	}
}

// ReadinessOK reports whether the instance should receive traffic. The
// request path itself tolerates a dead cache backend, but readiness is
// strict so the scheduler prefers replicas with a working cache while any
// still exist.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheReady == nil || hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	// Nil probe means "not configured" and counts as healthy.
	if hc.cacheReady == nil {
		hc.cacheStatus.set("ok")
		return
	}

	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	if hc.cacheReady(ctx) {
		hc.cacheStatus.set("ok")
	} else {
		hc.cacheStatus.set("degraded")
	}
}
