package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter; the session panel uses it to cap manual payment retries.
type RateLimiter struct {
	c      redis.UniversalClient
	limit  int64
	window time.Duration
}

func NewRateLimiter(c redis.UniversalClient, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RateLimiter{c: c, limit: limit, window: window}
}

// Allow делает INCR по ключу и продлевает TTL на окно.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= rl.limit, n, nil
}
