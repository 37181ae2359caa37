package limits

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// countScript atomically increments a fixed-window counter and sets its TTL
// on first use so abandoned windows expire on their own.
// KEYS[1] = counter key
// ARGV[1] = TTL in seconds
// Returns the counter value after the increment.
var countScript = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return n
`)

const (
	dayKeyTTL   = 48 * time.Hour
	monthKeyTTL = 40 * 24 * time.Hour

	defaultCheckTimeout = 1 * time.Second
)

// RedisLimiter enforces quotas with Redis fixed-window counters, one per day
// and one per calendar month. When Redis is unreachable the limiter fails
// open: traffic keeps flowing uncounted rather than being rejected.
type RedisLimiter struct {
	rdb    redis.Cmdable
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisLimiter builds a limiter on an existing Redis client.
func NewRedisLimiter(rdb redis.Cmdable, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, logger: logger, now: time.Now}
}

// Check compares the current window counters against the tier's caps.
func (l *RedisLimiter) Check(ctx context.Context, orgID string, tier Tier) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	now := l.now()
	quota := QuotaFor(tier)

	vals, err := l.rdb.MGet(ctx, dayKey(orgID, now), monthKey(orgID, now)).Result()
	if err != nil {
		l.logger.Warn("quota check failed, allowing request",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()))
		return Decision{}, nil
	}

	if asInt64(vals[0]) >= quota.Daily {
		return Decision{Limited: true, Reason: ReasonDaily}, nil
	}
	if asInt64(vals[1]) >= quota.Monthly {
		return Decision{Limited: true, Reason: ReasonMonthly}, nil
	}
	return Decision{}, nil
}

// RecordRequest bumps both window counters.
func (l *RedisLimiter) RecordRequest(ctx context.Context, orgID string) error {
	now := l.now()

	if _, err := countScript.Run(ctx, l.rdb,
		[]string{dayKey(orgID, now)}, int(dayKeyTTL.Seconds())).Result(); err != nil {
		l.logger.Warn("quota record failed",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()))
		return nil
	}
	if _, err := countScript.Run(ctx, l.rdb,
		[]string{monthKey(orgID, now)}, int(monthKeyTTL.Seconds())).Result(); err != nil {
		l.logger.Warn("quota record failed",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()))
	}
	return nil
}

func asInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
