package backpressure

import (
	"context"
	"time"

	"github.com/itskum47/hqm/observability"
	"github.com/itskum47/hqm/queue"
)

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int
	SuccessThreshold    int
	HalfOpenMaxRequests int
	ResetTimeout        time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures, probes with up to
// 3 half-open requests, and closes after 2 probe successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 3,
		ResetTimeout:        60 * time.Second,
	}
}

// BreakerStatus is the externally visible state of one host's breaker.
type BreakerStatus struct {
	State          string
	Failures       int
	Successes      int
	TimeUntilReset time.Duration
}

// CircuitBreaker is a per-host three-state machine persisted in the index
// store so every worker process observes the same state.
type CircuitBreaker struct {
	index queue.Index
	cfg   BreakerConfig
}

// NewCircuitBreaker builds a breaker over the given index store.
func NewCircuitBreaker(index queue.Index, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{index: index, cfg: cfg}
}

func breakerGauge(state string) float64 {
	switch state {
	case queue.BreakerOpen:
		return 2
	case queue.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

// IsAllowed reports whether a request to host may proceed, along with the
// observed state. The open-to-half-open transition happens here as a side
// effect once the reset timeout has elapsed.
func (cb *CircuitBreaker) IsAllowed(ctx context.Context, host string) (bool, string, error) {
	allowed := true
	observed := queue.BreakerClosed

	_, err := cb.index.UpdateBreaker(ctx, host, func(snap *queue.BreakerSnapshot) *queue.BreakerSnapshot {
		if snap == nil {
			// no row: closed, nothing to persist
			allowed, observed = true, queue.BreakerClosed
			return nil
		}
		switch snap.State {
		case queue.BreakerOpen:
			if time.Since(snap.StateChangedAt) >= cb.cfg.ResetTimeout {
				snap.State = queue.BreakerHalfOpen
				snap.Failures = 0
				snap.Successes = 0
				snap.StateChangedAt = time.Now()
				allowed, observed = true, queue.BreakerHalfOpen
			} else {
				allowed, observed = false, queue.BreakerOpen
			}
		case queue.BreakerHalfOpen:
			allowed = snap.Successes+snap.Failures < cb.cfg.HalfOpenMaxRequests
			observed = queue.BreakerHalfOpen
		default:
			allowed, observed = true, queue.BreakerClosed
		}
		return snap
	})
	if err != nil {
		return false, "", err
	}
	observability.BreakerState.WithLabelValues(host).Set(breakerGauge(observed))
	return allowed, observed, nil
}

// RecordSuccess feeds a successful outcome into the host's breaker.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, host string) error {
	snap, err := cb.index.UpdateBreaker(ctx, host, func(snap *queue.BreakerSnapshot) *queue.BreakerSnapshot {
		if snap == nil {
			return nil
		}
		switch snap.State {
		case queue.BreakerHalfOpen:
			snap.Successes++
			if snap.Successes >= cb.cfg.SuccessThreshold {
				snap.State = queue.BreakerClosed
				snap.Failures = 0
				snap.Successes = 0
				snap.StateChangedAt = time.Now()
			}
		case queue.BreakerClosed:
			snap.Failures = 0
		}
		return snap
	})
	if err == nil && snap != nil {
		observability.BreakerState.WithLabelValues(host).Set(breakerGauge(snap.State))
	}
	return err
}

// RecordFailure feeds a failed outcome into the host's breaker.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, host string) error {
	snap, err := cb.index.UpdateBreaker(ctx, host, func(snap *queue.BreakerSnapshot) *queue.BreakerSnapshot {
		if snap == nil {
			snap = &queue.BreakerSnapshot{State: queue.BreakerClosed, StateChangedAt: time.Now()}
		}
		switch snap.State {
		case queue.BreakerClosed:
			snap.Failures++
			if snap.Failures >= cb.cfg.FailureThreshold {
				snap.State = queue.BreakerOpen
				snap.Failures = 0
				snap.Successes = 0
				snap.StateChangedAt = time.Now()
			}
		case queue.BreakerHalfOpen:
			snap.State = queue.BreakerOpen
			snap.Failures = 0
			snap.Successes = 0
			snap.StateChangedAt = time.Now()
		}
		return snap
	})
	if err == nil && snap != nil {
		observability.BreakerState.WithLabelValues(host).Set(breakerGauge(snap.State))
	}
	return err
}

// Reset forces the host's breaker back to closed.
func (cb *CircuitBreaker) Reset(ctx context.Context, host string) error {
	_, err := cb.index.UpdateBreaker(ctx, host, func(*queue.BreakerSnapshot) *queue.BreakerSnapshot {
		return nil
	})
	if err == nil {
		observability.BreakerState.WithLabelValues(host).Set(0)
	}
	return err
}

// GetState returns the host's breaker status, including the time remaining
// until an open breaker admits a probe.
func (cb *CircuitBreaker) GetState(ctx context.Context, host string) (BreakerStatus, error) {
	snap, err := cb.index.GetBreaker(ctx, host)
	if err != nil {
		return BreakerStatus{}, err
	}
	if snap == nil {
		return BreakerStatus{State: queue.BreakerClosed}, nil
	}
	st := BreakerStatus{
		State:     snap.State,
		Failures:  snap.Failures,
		Successes: snap.Successes,
	}
	if snap.State == queue.BreakerOpen {
		if remaining := cb.cfg.ResetTimeout - time.Since(snap.StateChangedAt); remaining > 0 {
			st.TimeUntilReset = remaining
		}
	}
	return st, nil
}
