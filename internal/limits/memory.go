package limits

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps window counters in process memory. Suitable for single
// instance deployments that run without Redis.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
	now    func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, orgID string, tier Tier) (Decision, error) {
	now := l.now()
	quota := QuotaFor(tier)

	l.mu.Lock()
	day := l.counts[dayKey(orgID, now)]
	month := l.counts[monthKey(orgID, now)]
	l.mu.Unlock()

	if day >= quota.Daily {
		return Decision{Limited: true, Reason: ReasonDaily}, nil
	}
	if month >= quota.Monthly {
		return Decision{Limited: true, Reason: ReasonMonthly}, nil
	}
	return Decision{}, nil
}

func (l *MemoryLimiter) RecordRequest(_ context.Context, orgID string) error {
	now := l.now()

	l.mu.Lock()
	l.counts[dayKey(orgID, now)]++
	l.counts[monthKey(orgID, now)]++
	l.mu.Unlock()
	return nil
}
