package ratelimit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Local is an in-process limiter keyed per tenant. It serves single-node
// deployments without Redis and backs the Redis bucket when Redis fails.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// Fallback asks primary and falls back to secondary when primary errors.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	logger    zerolog.Logger
}

func NewFallback(primary, secondary Limiter, logger zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := f.primary.Allow(ctx, key)
	if err == nil {
		return ok, nil
	}
	f.logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, using local bucket")
	return f.secondary.Allow(ctx, key)
}
