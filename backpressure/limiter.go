// Package backpressure gates dispatch with three independent throttles:
// per-process concurrency counters, a distributed token-bucket rate limiter
// and a per-host circuit breaker.
package backpressure

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/hqm/queue"
)

// GlobalScope is the bucket key shared by every host.
const GlobalScope = "global"

// hostScope namespaces per-host buckets so a host literally named "global"
// cannot share the global bucket.
func hostScope(host string) string { return "host:" + host }

// LimiterConfig configures the token-bucket rate limiter.
type LimiterConfig struct {
	RequestsPerSecond float64
	// RequestsPerMinute is advisory; the per-second rate is authoritative.
	RequestsPerMinute float64
	// BurstSize defaults to ceil(1.5 * RequestsPerSecond).
	BurstSize int
}

// DefaultLimiterConfig allows 50 rps with a burst of 75.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{RequestsPerSecond: 50}
}

func (c LimiterConfig) burst() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return int(math.Ceil(1.5 * c.RequestsPerSecond))
}

func (c LimiterConfig) hostRate() float64 {
	return math.Ceil(c.RequestsPerSecond / 10)
}

func (c LimiterConfig) hostBurst() int {
	return int(math.Ceil(float64(c.burst()) / 5))
}

// RateLimiter consumes tokens from the index store's buckets: one global
// scope, then one per-host scope. A process-local pre-gate built on
// x/time/rate short-circuits the index round trip when this process alone
// has already exhausted a scope's rate.
type RateLimiter struct {
	index queue.Index
	cfg   LimiterConfig

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter over the given index store.
func NewRateLimiter(index queue.Index, cfg LimiterConfig) *RateLimiter {
	return &RateLimiter{
		index: index,
		cfg:   cfg,
		local: make(map[string]*rate.Limiter),
	}
}

// preGate reserves from the local limiter for the scope. A denial returns
// the local wait; tokens consumed here are an upper bound on what the
// distributed bucket would grant this process anyway.
func (l *RateLimiter) preGate(scope string, r float64, burst int) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.local[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r), burst)
		l.local[scope] = lim
	}
	l.mu.Unlock()

	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *RateLimiter) acquireScope(ctx context.Context, scope string, r float64, burst int) (queue.RateResult, error) {
	if ok, delay := l.preGate(scope, r, burst); !ok {
		return queue.RateResult{Allowed: false, RetryAfter: delay}, nil
	}
	return l.index.RateLimit(ctx, scope, r, burst)
}

// Acquire consumes one global token, then one host token when host is
// non-empty. A denial at either scope carries the scope's retry delay.
func (l *RateLimiter) Acquire(ctx context.Context, host string) (queue.RateResult, error) {
	res, err := l.acquireScope(ctx, GlobalScope, l.cfg.RequestsPerSecond, l.cfg.burst())
	if err != nil || !res.Allowed {
		return res, err
	}
	if host == "" {
		return res, nil
	}
	return l.acquireScope(ctx, hostScope(host), l.cfg.hostRate(), l.cfg.hostBurst())
}

// WaitForToken polls Acquire, sleeping the returned delay, until a token is
// granted or maxWait elapses.
func (l *RateLimiter) WaitForToken(ctx context.Context, host string, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	for {
		res, err := l.Acquire(ctx, host)
		if err != nil {
			return false, err
		}
		if res.Allowed {
			return true, nil
		}

		sleep := res.RetryAfter
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
