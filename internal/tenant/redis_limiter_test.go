package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clk := newClock()
	l := NewRedisLimiter(client, LimiterConfig{Limit: 2, Window: 2 * time.Second}, clk.Now, zap.NewNop())
	key := Key{Tenant: "acme"}
	ctx := context.Background()

	first, err := l.CheckLimit(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	if second, _ := l.CheckLimit(ctx, key); !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third, _ := l.CheckLimit(ctx, key)
	if third.Allowed {
		t.Fatalf("expected third request rejected, got %+v", third)
	}
	if third.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %v", third.RetryAfter)
	}

	clk.Advance(time.Second)
	if d, _ := l.CheckLimit(ctx, key); !d.Allowed {
		t.Fatalf("expected refill after 1s, got %+v", d)
	}

	if !mr.Exists(redisKeyPrefix + "acme") {
		t.Fatal("expected bucket key in redis")
	}
	if ttl := mr.TTL(redisKeyPrefix + "acme"); ttl <= 0 {
		t.Fatalf("expected bucket key to expire, ttl=%v", ttl)
	}
}

func TestRedisLimiter_ErrorWhenUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisLimiter(client, LimiterConfig{Limit: 2, Window: time.Second}, nil, nil)
	if _, err := l.CheckLimit(context.Background(), Key{Tenant: "acme"}); err == nil {
		t.Fatal("expected error with redis down")
	}
}
