// Package ratelimit guards the shared upstream search budget: a token bucket
// bounds the request rate and a weighted semaphore bounds requests in flight.
// One Limiter is shared by every batch and tenant in the process.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/kwrank/connectivity"
)

// Config sizes the limiter.
type Config struct {
	PerMinute   float64 `yaml:"per_minute"`    // refill rate
	Burst       int     `yaml:"burst"`         // bucket capacity
	MaxInFlight int64   `yaml:"max_in_flight"` // concurrency cap
}

func (c *Config) defaults() {
	if c.PerMinute <= 0 {
		c.PerMinute = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10
	}
}

// Limiter combines the token bucket and the concurrency cap.
type Limiter struct {
	tokens     *rate.Limiter
	sem        *semaphore.Weighted
	max        int64
	inFlight   atomic.Int64
	dispatched atomic.Int64
}

// New creates a limiter. Zero fields take the defaults: 20 requests per
// minute, burst 5, 10 in flight.
func New(cfg Config) *Limiter {
	cfg.defaults()
	return NewWithLimit(rate.Limit(cfg.PerMinute/60), cfg.Burst, cfg.MaxInFlight)
}

// NewWithLimit creates a limiter from a raw rate, for callers that need an
// interval the per-minute form cannot express (rate.Every(time.Hour)).
func NewWithLimit(limit rate.Limit, burst int, maxInFlight int64) *Limiter {
	return &Limiter{
		tokens: rate.NewLimiter(limit, burst),
		sem:    semaphore.NewWeighted(maxInFlight),
		max:    maxInFlight,
	}
}

// Acquire blocks until both a concurrency slot and a token are available,
// or ctx ends. The slot is taken first so waiting callers never hoard
// tokens. On success the caller must call release exactly once.
//
// Errors wrap connectivity.ErrNotAttempted. rate.Limiter refuses up front
// when ctx has a deadline shorter than the token wait; that refusal is not
// a context error, so the sentinel is what keeps it apart from an upstream
// failure.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ratelimit: wait slot: %w: %w", connectivity.ErrNotAttempted, err)
	}
	if err := l.tokens.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, fmt.Errorf("ratelimit: wait token: %w: %w", connectivity.ErrNotAttempted, err)
	}
	l.inFlight.Add(1)
	l.dispatched.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		}
	}, nil
}

// Middleware adapts the limiter to the connectivity chain: every call
// through it holds a slot and spends a token.
func (l *Limiter) Middleware() connectivity.HandlerMiddleware {
	return func(next connectivity.Handler) connectivity.Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			release, err := l.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer release()
			return next(ctx, payload)
		}
	}
}

// InFlight reports requests currently holding a slot.
func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }

// Dispatched reports the total requests admitted since creation.
func (l *Limiter) Dispatched() int64 { return l.dispatched.Load() }

// MaxInFlight reports the concurrency cap.
func (l *Limiter) MaxInFlight() int64 { return l.max }

// Interval returns the refill interval of the token bucket.
func (l *Limiter) Interval() time.Duration {
	lim := l.tokens.Limit()
	if lim <= 0 || lim == rate.Inf {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(lim))
}
