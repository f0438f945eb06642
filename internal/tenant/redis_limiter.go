package tenant

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript runs the same refill-then-consume step as tokenBucket
// atomically inside Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = ttl seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    last_refill = now
end
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

const redisKeyPrefix = "gateway:ratelimit:"

// RedisLimiter shares buckets between gateway instances.
type RedisLimiter struct {
	client redis.Scripter
	cfg    LimiterConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisLimiter creates a limiter backed by client. now may be nil.
func NewRedisLimiter(client redis.Scripter, cfg LimiterConfig, now func() time.Time, logger *zap.Logger) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, cfg: cfg, now: now, logger: logger}
}

func (l *RedisLimiter) CheckLimit(ctx context.Context, key Key) (Decision, error) {
	limit := l.cfg.limitFor(key)
	window := l.cfg.window()
	rate := float64(limit) / window.Seconds()
	now := l.now()
	ts := float64(now.UnixMicro()) / 1e6
	ttl := int(math.Ceil(window.Seconds())) + 1

	res, err := tokenBucketScript.Run(ctx, l.client, []string{redisKeyPrefix + l.cfg.bucketID(key)},
		rate, limit, ts, ttl).Result()
	if err != nil {
		l.logger.Warn("redis rate limit check failed",
			zap.String("tenant_id", key.Tenant),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("CheckLimit: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("CheckLimit: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	raw, _ := results[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("CheckLimit: parse tokens: %w", err)
	}
	return decide(allowed == 1, tokens, limit, rate, now), nil
}
