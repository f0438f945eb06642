package tenant

import (
	"context"
	"math"
	"sync"
	"time"
)

// Key identifies a rate-limit bucket. Tool is ignored unless the limiter is
// configured per tool.
type Key struct {
	Tenant string
	Tool   string
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter admits or rejects one request for a bucket.
type RateLimiter interface {
	CheckLimit(ctx context.Context, key Key) (Decision, error)
}

// LimiterConfig configures both limiter implementations.
//
// Overrides are looked up as "tenant:tool" first, then "tenant".
type LimiterConfig struct {
	Limit     int
	Window    time.Duration
	PerTool   bool
	Overrides map[string]int
}

func (c LimiterConfig) limitFor(k Key) int {
	if c.PerTool && k.Tool != "" {
		if v, ok := c.Overrides[k.Tenant+":"+k.Tool]; ok && v > 0 {
			return v
		}
	}
	if v, ok := c.Overrides[k.Tenant]; ok && v > 0 {
		return v
	}
	if c.Limit <= 0 {
		return 1
	}
	return c.Limit
}

func (c LimiterConfig) window() time.Duration {
	if c.Window <= 0 {
		return time.Minute
	}
	return c.Window
}

func (c LimiterConfig) bucketID(k Key) string {
	if c.PerTool && k.Tool != "" {
		return k.Tenant + ":" + k.Tool
	}
	return k.Tenant
}

// tokenBucket refills continuously at limit/window tokens per second and
// never holds more than limit tokens.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func (b *tokenBucket) take(now time.Time, limit int, window time.Duration) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := float64(limit) / window.Seconds()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(limit), b.tokens+elapsed*rate)
		b.lastRefill = now
	}
	// a lowered override takes effect immediately
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return decide(allowed, b.tokens, limit, rate, now)
}

// decide builds a Decision from the post-consumption token count.
func decide(allowed bool, tokens float64, limit int, rate float64, now time.Time) Decision {
	d := Decision{
		Allowed:   allowed,
		Remaining: int(math.Floor(tokens)),
		Limit:     limit,
		ResetAt:   now.Add(secondsToDuration((float64(limit) - tokens) / rate)),
	}
	if !allowed {
		d.RetryAfter = secondsToDuration((1 - tokens) / rate)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

// maxIdleBuckets triggers a sweep of buckets that have been idle for a
// full window and would therefore be full anyway.
const maxIdleBuckets = 10_000

// MemoryLimiter is a single-instance token bucket limiter.
type MemoryLimiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewMemoryLimiter creates an in-process limiter. now may be nil.
func NewMemoryLimiter(cfg LimiterConfig, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{cfg: cfg, now: now, buckets: make(map[string]*tokenBucket)}
}

func (l *MemoryLimiter) CheckLimit(_ context.Context, key Key) (Decision, error) {
	limit := l.cfg.limitFor(key)
	window := l.cfg.window()
	now := l.now()

	l.mu.Lock()
	id := l.cfg.bucketID(key)
	b, ok := l.buckets[id]
	if !ok {
		if len(l.buckets) >= maxIdleBuckets {
			l.sweepLocked(now, window)
		}
		b = &tokenBucket{tokens: float64(limit), lastRefill: now}
		l.buckets[id] = b
	}
	l.mu.Unlock()

	return b.take(now, limit, window), nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time, window time.Duration) {
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill) >= window
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
		}
	}
}
