// Package ratelimit throttles abusive callers of the coupon and payment
// endpoints per browsing session.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more hit on key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, limit int) (Decision, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// SlidingWindow keeps one sorted set of hit timestamps per key.
type SlidingWindow struct {
	Client redis.Cmdable
	Prefix string
	Now    func() time.Time
}

// Allow records a hit for key and reports whether it is within limit.
// Rejected hits still count, so a caller hammering the endpoint stays out.
func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, limit int) (Decision, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	reset := now.Add(window)
	if l.Client == nil || limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: limit, ResetAt: reset}, nil
	}

	redisKey := l.Prefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())})
	count := pipe.ZCard(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{ResetAt: reset}, fmt.Errorf("ratelimit: %w", err)
	}

	current := int(count.Val())
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: current <= limit, Remaining: remaining, ResetAt: reset}, nil
}
