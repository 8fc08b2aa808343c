package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	other, _ := bucket.Allow(ctx, "other-tenant")
	if !other {
		t.Fatalf("buckets must be per key")
	}

	clock = clock.Add(1500 * time.Millisecond)
	allowed, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected refill after 1.5s")
	}
	if !mr.Exists("ratelimit:tenant") {
		t.Fatalf("expected prefixed key in redis")
	}
}

func TestTokenBucketRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	if _, err := bucket.Allow(context.Background(), "tenant"); err == nil {
		t.Fatalf("expected error with redis down")
	}

	f := NewFallback(bucket, NewLocal(1, 0.001), zerolog.Nop())
	allowed, err := f.Allow(context.Background(), "tenant")
	if err != nil || !allowed {
		t.Fatalf("fallback should allow first request: allowed=%v err=%v", allowed, err)
	}
	allowed, _ = f.Allow(context.Background(), "tenant")
	if allowed {
		t.Fatalf("fallback bucket should be exhausted")
	}
}

func TestLocalPerKey(t *testing.T) {
	l := NewLocal(1, 0.001)
	ctx := context.Background()
	if ok, _ := l.Allow(ctx, "a"); !ok {
		t.Fatalf("first a allowed")
	}
	if ok, _ := l.Allow(ctx, "a"); ok {
		t.Fatalf("second a rejected")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatalf("b has its own bucket")
	}
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }

func TestFallbackPrefersPrimary(t *testing.T) {
	deny := NewLocal(0, 0)
	f := NewFallback(deny, NewLocal(10, 10), zerolog.Nop())
	if ok, _ := f.Allow(context.Background(), "x"); ok {
		t.Fatalf("primary decision must win when it answers")
	}
	f = NewFallback(errLimiter{}, NewLocal(10, 10), zerolog.Nop())
	if ok, _ := f.Allow(context.Background(), "x"); !ok {
		t.Fatalf("secondary must answer when primary errors")
	}
}
