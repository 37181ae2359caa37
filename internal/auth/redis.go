package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyHashPrefix  = "apikey:"
	useCountPrefix = "apikeyuse:"

	fieldUserID       = "user_id"
	fieldOrgID        = "org_id"
	fieldTier         = "tier"
	fieldEnabled      = "enabled"
	fieldMonthlyLimit = "monthly_limit"

	// Counters outlive their calendar month so late reads still resolve.
	useCountTTL = 40 * 24 * time.Hour

	resolveTimeout = 1 * time.Second
)

// useScript atomically increments a per-key monthly counter and sets its TTL
// on first use.
// KEYS[1] = counter key
// ARGV[1] = TTL in seconds
var useScript = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return n
`)

// RedisResolver looks keys up in Redis hashes written by the control plane.
// Each key is stored at "apikey:{sha256(key)}" with user_id, org_id, tier,
// enabled, and an optional monthly_limit field. Unlike the cache and quota
// layers this one fails closed: if Redis is down, nobody authenticates.
type RedisResolver struct {
	rdb    redis.Cmdable
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisResolver(rdb redis.Cmdable, logger *slog.Logger) *RedisResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResolver{rdb: rdb, logger: logger, now: time.Now}
}

func (r *RedisResolver) Resolve(ctx context.Context, apiKey string) (*Identity, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	keyID := KeyID(apiKey)

	fields, err := r.rdb.HGetAll(ctx, keyHashPrefix+keyID).Result()
	if err != nil {
		r.logger.Warn("api key lookup failed",
			slog.String("key_id", keyID[:12]),
			slog.String("error", err.Error()))
		return nil, ErrUnauthorized
	}
	if len(fields) == 0 {
		return nil, ErrUnauthorized
	}
	if fields[fieldEnabled] != "1" && fields[fieldEnabled] != "true" {
		return nil, ErrUnauthorized
	}
	if r.overMonthlyLimit(ctx, keyID, fields[fieldMonthlyLimit]) {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID: fields[fieldUserID],
		OrgID:  fields[fieldOrgID],
		Tier:   fields[fieldTier],
		KeyID:  keyID,
	}, nil
}

// overMonthlyLimit compares the key's monthly counter against its configured
// allowance. Zero or absent monthly_limit means unlimited. A failed counter
// read does not block the key; the identity lookup above already proved
// Redis is reachable, so this only covers transient mid-request errors.
func (r *RedisResolver) overMonthlyLimit(ctx context.Context, keyID, rawLimit string) bool {
	limit, err := strconv.ParseInt(rawLimit, 10, 64)
	if err != nil || limit <= 0 {
		return false
	}

	used, err := r.rdb.Get(ctx, useCountKey(keyID, r.now())).Int64()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("key usage read failed",
				slog.String("key_id", keyID[:12]),
				slog.String("error", err.Error()))
		}
		return false
	}
	return used >= limit
}

// RecordUse bumps the key's monthly request counter.
func (r *RedisResolver) RecordUse(ctx context.Context, keyID string) error {
	if _, err := useScript.Run(ctx, r.rdb,
		[]string{useCountKey(keyID, r.now())}, int(useCountTTL.Seconds())).Result(); err != nil {
		r.logger.Warn("key usage record failed",
			slog.String("key_id", keyID[:12]),
			slog.String("error", err.Error()))
	}
	return nil
}

func useCountKey(keyID string, now time.Time) string {
	return useCountPrefix + keyID + ":" + now.UTC().Format("200601")
}
