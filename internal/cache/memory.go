package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached entry together with its expiry time and owner.
type memItem struct {
	entry     *Entry
	owner     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// Safe for concurrent use. A background goroutine periodically evicts
// expired entries to bound memory growth. Use it for single-instance
// deployments, local development, and tests; multi-replica deployments
// should use RedisStore so all replicas share one cache.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	stats map[string]*UserStats

	done chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts the cleanup loop, which
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		stats: make(map[string]*UserStats),
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

// Get returns the entry for key, or (nil, false) when absent or expired.
// Expired entries are removed lazily on access.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}

	return item.entry, true
}

// Set stores entry under key for ttl. A zero or negative ttl defaults to 1h.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration, owner string) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	s.mu.Lock()
	s.items[key] = memItem{
		entry:     entry,
		owner:     owner,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	return nil
}

// RecordStat increments the user's counters under the store lock.
func (s *MemoryStore) RecordStat(_ context.Context, userID string, hit bool, savedCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stats[userID]
	if !ok {
		rec = &UserStats{}
		s.stats[userID] = rec
	}
	if hit {
		rec.Hits++
		rec.Savings += savedCost
	} else {
		rec.Misses++
	}
	return nil
}

// Stats returns a copy of the user's counters, zeros when absent.
func (s *MemoryStore) Stats(_ context.Context, userID string) (UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.stats[userID]; ok {
		return *rec, nil
	}
	return UserStats{}, nil
}

// ClearUser removes the user's entries and stats record.
func (s *MemoryStore) ClearUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, item := range s.items {
		if item.owner == userID {
			delete(s.items, k)
		}
	}
	delete(s.stats, userID)
	return nil
}

// Len returns the number of entries currently held, including entries that
// expired but have not yet been evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	close(s.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, item := range s.items {
		if now.After(item.expiresAt) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
