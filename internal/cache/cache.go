// Package cache stores proxied provider responses keyed by request
// fingerprint, together with per-user hit/miss/savings counters.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, shared across replicas. Production choice.
//   - MemoryStore — in-process TTL map, zero external dependencies. For
//     single-instance deployments and tests.
//
// Failure semantics are identical for both call paths: the cache is a pure
// optimization, so no operation failure may ever fail a request. Get treats
// every error as a miss; Set degrades silently; stat operations return the
// error so callers can log it under their own deadline and move on.
package cache

import (
	"context"
	"time"

	"github.com/cachefront/llm-proxy/internal/pricing"
)

// Entry is one cached provider response. The response payload is opaque to
// the cache; only the orchestrator interprets it.
type Entry struct {
	// Response is the provider's native JSON payload, stored verbatim.
	Response []byte `json:"response"`

	// TokenCount is the finalized token/cost breakdown from the call that
	// populated this entry.
	TokenCount pricing.TokenCount `json:"tokenCount"`

	// Timestamp is the entry creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// UserStats is the advisory per-user cache statistics record. Hits plus
// misses equals the number of cache-eligible requests observed for the user;
// savings accumulates the cost avoided by hits. The durable usage log — not
// this record — is the billing source of truth.
type UserStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Savings float64 `json:"savings"`
}

// Store is the cache contract consumed by the proxy orchestrator.
//
// Every implementation must be safe for concurrent use. Writes are
// unconditional: the last writer for a key within the TTL window wins, with
// no compare-and-swap. Concurrent identical misses may therefore both call
// upstream and both write — an accepted cost, not a correctness bug, since
// entries are idempotent derivations of the same request.
type Store interface {
	// Get returns the entry for key. A missing key, an expired entry, and
	// any backend error all return (nil, false); errors are logged, never
	// propagated.
	Get(ctx context.Context, key string) (*Entry, bool)

	// Set stores entry under key with the given TTL, overwriting any
	// previous value. The expiry is applied atomically with the write.
	// owner attributes the entry to a user for ClearUser; it does not
	// scope the key itself. Backend errors degrade silently.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration, owner string) error

	// RecordStat increments the user's hit or miss counter and, on a hit,
	// adds savedCost to the savings total. Each field is incremented
	// independently and atomically.
	RecordStat(ctx context.Context, userID string, hit bool, savedCost float64) error

	// Stats returns the user's counters, zeros when no record exists.
	Stats(ctx context.Context, userID string) (UserStats, error)

	// ClearUser removes the cache entries attributed to userID and the
	// user's stats record. Administrative; never on the request hot path.
	ClearUser(ctx context.Context, userID string) error
}
