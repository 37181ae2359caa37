package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statsKeyPrefix = "stats:"
	indexKeyPrefix = "cacheidx:"

	statsFieldHits    = "hits"
	statsFieldMisses  = "misses"
	statsFieldSavings = "savings"

	defaultQueryTimeout = 2 * time.Second
	clearScanCount      = 100
)

// RedisStore implements Store on top of a Redis client.
//
// Entries are JSON blobs under the fingerprint key with SET ... EX, so the
// expiry lands atomically with the write. Stats live in a hash per user and
// are mutated with HINCRBY/HINCRBYFLOAT — independent atomic fields rather
// than a serialized read-modify-write blob, so concurrent requests cannot
// under-count. A per-user set of written keys backs ClearUser.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{client: rdb, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves and deserializes the entry for key.
// Returns (nil, false) on a miss, a decode failure, or any transport error.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is a miss; the next write overwrites it.
		slog.WarnContext(ctx, "cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &entry, true
}

// Set serializes entry and stores it under key with ttl. The owner's index
// set is updated in the same pipeline so ClearUser can find the key later.
// Always returns nil — cache write failures must not fail the request.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration, owner string) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		slog.WarnContext(ctx, "cache_encode_error", slog.String("error", err.Error()))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, raw, ttl)
	if owner != "" {
		idx := indexKeyPrefix + owner
		pipe.SAdd(ctx, idx, key)
		pipe.Expire(ctx, idx, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// RecordStat atomically increments the hit or miss field and, on a hit, the
// savings field of the user's stats hash.
func (s *RedisStore) RecordStat(ctx context.Context, userID string, hit bool, savedCost float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := statsKeyPrefix + userID

	pipe := s.client.Pipeline()
	if hit {
		pipe.HIncrBy(ctx, key, statsFieldHits, 1)
		if savedCost != 0 {
			pipe.HIncrByFloat(ctx, key, statsFieldSavings, savedCost)
		}
	} else {
		pipe.HIncrBy(ctx, key, statsFieldMisses, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: record stat for %s: %w", userID, err)
	}
	return nil
}

// Stats returns the user's counters. A missing record yields zeros, not an
// error.
func (s *RedisStore) Stats(ctx context.Context, userID string) (UserStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, statsKeyPrefix+userID).Result()
	if err != nil {
		return UserStats{}, fmt.Errorf("cache: stats for %s: %w", userID, err)
	}

	var stats UserStats
	stats.Hits, _ = strconv.ParseInt(fields[statsFieldHits], 10, 64)
	stats.Misses, _ = strconv.ParseInt(fields[statsFieldMisses], 10, 64)
	stats.Savings, _ = strconv.ParseFloat(fields[statsFieldSavings], 64)
	return stats, nil
}

// ClearUser deletes every cache entry recorded in the user's index set,
// then the index and stats records themselves. Entries that expired on
// their own are simply absent — deleting them is a no-op.
func (s *RedisStore) ClearUser(ctx context.Context, userID string) error {
	idx := indexKeyPrefix + userID

	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.SScan(ctx, idx, cursor, "", clearScanCount).Result()
		if err != nil {
			return fmt.Errorf("cache: scan index for %s: %w", userID, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	keys = append(keys, idx, statsKeyPrefix+userID)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: clear user %s: %w", userID, err)
	}
	return nil
}

// Ping reports backend reachability. Used by readiness probes only.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
