package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed window counter shared by every gateway process.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, cfg *Config) *RedisLimiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, window: window, now: time.Now}
}

// WindowKey is the counter key for key in the window starting at start.
func WindowKey(key string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())
}

// Allow counts one call against key's current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Result, error) {
	now := l.now()
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: math.MaxInt32, Reset: now}, nil
	}

	start := now.Truncate(l.window)
	reset := start.Add(l.window)
	windowKey := WindowKey(key, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, l.window)
		return nil
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "rate limit counter")
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
