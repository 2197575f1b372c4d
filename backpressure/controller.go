package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/hqm/observability"
)

// Denial reasons reported by CanProceed.
const (
	ReasonConcurrency = "concurrency"
	ReasonCircuitOpen = "circuit-open"
	ReasonRateLimit   = "rate-limit"
)

// concurrencyPollInterval paces WaitForSlot while blocked on concurrency;
// rate-limit and circuit denials sleep the reported retry delay instead.
const concurrencyPollInterval = 50 * time.Millisecond

// Decision is the outcome of a composite admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// ControllerConfig bounds in-process concurrency.
type ControllerConfig struct {
	MaxConcurrency int
	// PerHostConcurrency of 0 disables the per-host bound.
	PerHostConcurrency int
}

// State is a snapshot of the controller's counters.
type State struct {
	TotalActive    int            `json:"totalActive"`
	MaxConcurrency int            `json:"maxConcurrency"`
	ActiveByHost   map[string]int `json:"activeByHost"`
}

// Controller composes the concurrency counters, circuit breaker and rate
// limiter into a single admission decision. Counters are per-process;
// cross-process throughput is bounded by the shared rate limiter.
type Controller struct {
	cfg     ControllerConfig
	breaker *CircuitBreaker
	limiter *RateLimiter

	mu           sync.Mutex
	totalActive  int
	activeByHost map[string]int
}

// NewController wires the three throttles together.
func NewController(cfg ControllerConfig, breaker *CircuitBreaker, limiter *RateLimiter) *Controller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	return &Controller{
		cfg:          cfg,
		breaker:      breaker,
		limiter:      limiter,
		activeByHost: make(map[string]int),
	}
}

// CanProceed runs the admission checks in order: total concurrency, per-host
// concurrency, circuit breaker, rate limiter.
func (c *Controller) CanProceed(ctx context.Context, host string) (Decision, error) {
	c.mu.Lock()
	if c.totalActive >= c.cfg.MaxConcurrency {
		c.mu.Unlock()
		observability.DispatchDecisions.WithLabelValues("deny", ReasonConcurrency).Inc()
		return Decision{Reason: ReasonConcurrency}, nil
	}
	if c.cfg.PerHostConcurrency > 0 && c.activeByHost[host] >= c.cfg.PerHostConcurrency {
		c.mu.Unlock()
		observability.DispatchDecisions.WithLabelValues("deny", ReasonConcurrency).Inc()
		return Decision{Reason: ReasonConcurrency}, nil
	}
	c.mu.Unlock()

	allowed, _, err := c.breaker.IsAllowed(ctx, host)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		st, err := c.breaker.GetState(ctx, host)
		if err != nil {
			return Decision{}, err
		}
		observability.DispatchDecisions.WithLabelValues("deny", ReasonCircuitOpen).Inc()
		return Decision{Reason: ReasonCircuitOpen, RetryAfter: st.TimeUntilReset}, nil
	}

	res, err := c.limiter.Acquire(ctx, host)
	if err != nil {
		return Decision{}, err
	}
	if !res.Allowed {
		observability.DispatchDecisions.WithLabelValues("deny", ReasonRateLimit).Inc()
		return Decision{Reason: ReasonRateLimit, RetryAfter: res.RetryAfter}, nil
	}

	observability.DispatchDecisions.WithLabelValues("admit", "").Inc()
	return Decision{Allowed: true}, nil
}

// WaitForSlot loops CanProceed until admitted or maxWait elapses. Sleep
// granularity follows the denial: concurrency polls every 50ms, the other
// reasons sleep the reported retry delay.
func (c *Controller) WaitForSlot(ctx context.Context, host string, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	for {
		d, err := c.CanProceed(ctx, host)
		if err != nil {
			return false, err
		}
		if d.Allowed {
			return true, nil
		}

		sleep := concurrencyPollInterval
		if d.Reason != ReasonConcurrency && d.RetryAfter > 0 {
			sleep = d.RetryAfter
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

// Acquire claims one slot for host.
func (c *Controller) Acquire(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalActive++
	c.activeByHost[host]++
	observability.ActiveRequests.Set(float64(c.totalActive))
}

// Release frees one slot for host, saturating at zero.
func (c *Controller) Release(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalActive > 0 {
		c.totalActive--
	}
	if n := c.activeByHost[host]; n > 1 {
		c.activeByHost[host] = n - 1
	} else {
		delete(c.activeByHost, host)
	}
	observability.ActiveRequests.Set(float64(c.totalActive))
}

// RecordSuccess forwards a success to the circuit breaker.
func (c *Controller) RecordSuccess(ctx context.Context, host string) error {
	return c.breaker.RecordSuccess(ctx, host)
}

// RecordFailure forwards a failure to the circuit breaker.
func (c *Controller) RecordFailure(ctx context.Context, host string) error {
	return c.breaker.RecordFailure(ctx, host)
}

// Breaker exposes the underlying circuit breaker for operator commands.
func (c *Controller) Breaker() *CircuitBreaker { return c.breaker }

// Snapshot copies the current counters.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	byHost := make(map[string]int, len(c.activeByHost))
	for h, n := range c.activeByHost {
		byHost[h] = n
	}
	return State{
		TotalActive:    c.totalActive,
		MaxConcurrency: c.cfg.MaxConcurrency,
		ActiveByHost:   byHost,
	}
}
