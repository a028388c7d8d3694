// Package ratelimit limits calls per consumer per window.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter decides whether a key may make another call. limit is the number of
// calls allowed per window; zero or less means no limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Result, error)
}

// Config holds rate limiter configuration.
type Config struct {
	Window          time.Duration `mapstructure:"window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LocalLimiter is an in-process token bucket per key. Counts are not shared
// between gateway processes.
type LocalLimiter struct {
	limiters        map[string]*clientLimiter
	mu              sync.RWMutex
	window          time.Duration
	burstMultiplier float64
	cleanupInterval time.Duration
	now             func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

type clientLimiter struct {
	bucket     *rate.Limiter
	limit      int
	lastAccess time.Time
	mu         sync.Mutex
}

// NewLocalLimiter creates a new in-process limiter.
func NewLocalLimiter(cfg *Config) *LocalLimiter {
	l := &LocalLimiter{
		limiters:        make(map[string]*clientLimiter),
		window:          cfg.Window,
		burstMultiplier: cfg.BurstMultiplier,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if l.burstMultiplier <= 0 {
		l.burstMultiplier = 1
	}
	if l.cleanupInterval <= 0 {
		l.cleanupInterval = 5 * time.Minute
	}

	go l.cleanupLoop()

	return l
}

// Close stops the cleanup goroutine.
func (l *LocalLimiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Allow takes one token from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int) (Result, error) {
	now := l.now()
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: math.MaxInt32, Reset: now}, nil
	}

	cl := l.getOrCreate(key, limit)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.lastAccess = now
	if cl.limit != limit {
		cl.bucket.SetLimitAt(now, l.perSecond(limit))
		cl.bucket.SetBurstAt(now, l.burst(limit))
		cl.limit = limit
	}

	allowed := cl.bucket.AllowN(now, 1)
	tokens := cl.bucket.TokensAt(now)

	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	// The next token arrives after one refill interval at most.
	reset := now
	if tokens < 1 {
		need := (1 - tokens) / float64(l.perSecond(limit))
		reset = now.Add(time.Duration(need * float64(time.Second)))
	}

	return Result{Allowed: allowed, Limit: limit, Remaining: remaining, Reset: reset}, nil
}

func (l *LocalLimiter) perSecond(limit int) rate.Limit {
	return rate.Limit(float64(limit) / l.window.Seconds())
}

func (l *LocalLimiter) burst(limit int) int {
	b := int(float64(limit) * l.burstMultiplier)
	if b < 1 {
		b = 1
	}
	return b
}

func (l *LocalLimiter) getOrCreate(key string, limit int) *clientLimiter {
	l.mu.RLock()
	cl, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok {
		return cl
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if cl, ok = l.limiters[key]; ok {
		return cl
	}

	cl = &clientLimiter{
		bucket:     rate.NewLimiter(l.perSecond(limit), l.burst(limit)),
		limit:      limit,
		lastAccess: l.now(),
	}
	l.limiters[key] = cl
	return cl
}

func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

// cleanup removes limiters that haven't been accessed recently.
func (l *LocalLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.cleanupInterval * 2)
	for key, cl := range l.limiters {
		cl.mu.Lock()
		stale := cl.lastAccess.Before(threshold)
		cl.mu.Unlock()
		if stale {
			delete(l.limiters, key)
		}
	}
}

// Keys returns the number of tracked keys.
func (l *LocalLimiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
