// Package politeness paces outgoing fetches per source so concurrent
// workers cannot hammer one remote host even when the class budget allows
// it.
package politeness

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Waiter blocks until a fetch against the source key may proceed.
type Waiter interface {
	Wait(ctx context.Context, sourceKey string) error
}

// Unlimited never waits. It is the default: allocation budgets already
// bound concurrency, so pacing is opt-in.
type Unlimited struct{}

// Wait for Unlimited returns immediately.
func (Unlimited) Wait(context.Context, string) error {
	return nil
}

// Config sets the per-source token bucket parameters.
type Config struct {
	// RPS is the sustained request rate per source; zero or negative means
	// unlimited.
	RPS float64
	// Burst is the bucket depth, minimum one.
	Burst int
}

// Limiter keeps one token bucket per source key. Buckets are created on
// first use and never expire; the key space is bounded by the number of
// distinct remote hosts.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// New constructs a Limiter from the config.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// Wait blocks until the source's bucket grants a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, sourceKey string) error {
	if sourceKey == "" {
		sourceKey = "unknown"
	}
	l.mu.Lock()
	bucket, ok := l.buckets[sourceKey]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[sourceKey] = bucket
	}
	l.mu.Unlock()

	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", sourceKey, err)
	}
	return nil
}
