package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/finly-app/gateway/internal/config"
)

const rateKeyPrefix = "ratelimit:chat:"

// RateLimiter implements a Redis sorted-set sliding window per identity.
// Every attempt is recorded in the window, allowed or not: hammering a
// denied identity keeps consuming its budget instead of being free to retry.
type RateLimiter struct {
	rdb    redis.Cmdable
	max    int
	window time.Duration
}

func NewRateLimiter(rdb redis.Cmdable, cfg config.QuotaConfig) *RateLimiter {
	return &RateLimiter{rdb: rdb, max: cfg.RateMax, window: cfg.RateWindow}
}

// Allow prunes entries older than the window, records this attempt, and
// reports whether the identity is under its per-window budget.
func (rl *RateLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	key := rateKeyPrefix + identity
	now := time.Now()
	windowStart := float64(now.Add(-rl.window).UnixMilli())

	pipe := rl.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline: %w", err)
	}

	return countCmd.Val() < int64(rl.max), nil
}

// Usage returns the number of attempts currently inside the window.
func (rl *RateLimiter) Usage(ctx context.Context, identity string) (int, error) {
	key := rateKeyPrefix + identity
	now := time.Now()
	windowStart := strconv.FormatFloat(float64(now.Add(-rl.window).UnixMilli()), 'f', 0, 64)
	nowMs := strconv.FormatFloat(float64(now.UnixMilli()), 'f', 0, 64)

	count, err := rl.rdb.ZCount(ctx, key, windowStart, nowMs).Result()
	if err != nil {
		return 0, fmt.Errorf("reading window usage: %w", err)
	}
	return int(count), nil
}
