package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/hqm/queue"
)

const testHost = "api.example.com"

func newTestBreaker(idx queue.Index, cfg BreakerConfig) *CircuitBreaker {
	return NewCircuitBreaker(idx, cfg)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 2,
		ResetTimeout:        time.Minute,
	})

	for i := 0; i < 2; i++ {
		if err := cb.RecordFailure(ctx, testHost); err != nil {
			t.Fatalf("RecordFailure error: %v", err)
		}
		allowed, state, err := cb.IsAllowed(ctx, testHost)
		if err != nil {
			t.Fatalf("IsAllowed error: %v", err)
		}
		if !allowed || state != queue.BreakerClosed {
			t.Fatalf("after %d failures: allowed=%v state=%s, want closed", i+1, allowed, state)
		}
	}

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	allowed, state, err := cb.IsAllowed(ctx, testHost)
	if err != nil {
		t.Fatalf("IsAllowed error: %v", err)
	}
	if allowed || state != queue.BreakerOpen {
		t.Fatalf("after threshold: allowed=%v state=%s, want open and denied", allowed, state)
	}
}

func TestBreakerSuccessResetsClosedFailureCount(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		HalfOpenMaxRequests: 1,
		ResetTimeout:        time.Minute,
	})

	// interleaved success keeps the consecutive count below threshold
	for i := 0; i < 5; i++ {
		if err := cb.RecordFailure(ctx, testHost); err != nil {
			t.Fatalf("RecordFailure error: %v", err)
		}
		if err := cb.RecordSuccess(ctx, testHost); err != nil {
			t.Fatalf("RecordSuccess error: %v", err)
		}
	}

	allowed, state, err := cb.IsAllowed(ctx, testHost)
	if err != nil {
		t.Fatalf("IsAllowed error: %v", err)
	}
	if !allowed || state != queue.BreakerClosed {
		t.Errorf("allowed=%v state=%s, want closed", allowed, state)
	}
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 3,
		ResetTimeout:        50 * time.Millisecond,
	})

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	if allowed, _, _ := cb.IsAllowed(ctx, testHost); allowed {
		t.Fatal("open breaker admitted a request")
	}

	time.Sleep(60 * time.Millisecond)

	allowed, state, err := cb.IsAllowed(ctx, testHost)
	if err != nil {
		t.Fatalf("IsAllowed error: %v", err)
	}
	if !allowed || state != queue.BreakerHalfOpen {
		t.Fatalf("after reset timeout: allowed=%v state=%s, want half-open probe", allowed, state)
	}

	if err := cb.RecordSuccess(ctx, testHost); err != nil {
		t.Fatalf("RecordSuccess error: %v", err)
	}
	if err := cb.RecordSuccess(ctx, testHost); err != nil {
		t.Fatalf("RecordSuccess error: %v", err)
	}

	st, err := cb.GetState(ctx, testHost)
	if err != nil {
		t.Fatalf("GetState error: %v", err)
	}
	if st.State != queue.BreakerClosed {
		t.Errorf("state after probe successes = %s, want closed", st.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		HalfOpenMaxRequests: 3,
		ResetTimeout:        50 * time.Millisecond,
	})

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if allowed, _, _ := cb.IsAllowed(ctx, testHost); !allowed {
		t.Fatal("probe denied after reset timeout")
	}

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}

	st, err := cb.GetState(ctx, testHost)
	if err != nil {
		t.Fatalf("GetState error: %v", err)
	}
	if st.State != queue.BreakerOpen {
		t.Errorf("state after probe failure = %s, want open", st.State)
	}
	if st.TimeUntilReset <= 0 {
		t.Errorf("TimeUntilReset = %v, want positive", st.TimeUntilReset)
	}
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    5,
		HalfOpenMaxRequests: 2,
		ResetTimeout:        time.Millisecond,
	})

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// first call transitions to half-open and admits the probe
	if allowed, _, _ := cb.IsAllowed(ctx, testHost); !allowed {
		t.Fatal("first probe denied")
	}
	if err := cb.RecordSuccess(ctx, testHost); err != nil {
		t.Fatalf("RecordSuccess error: %v", err)
	}
	if allowed, _, _ := cb.IsAllowed(ctx, testHost); !allowed {
		t.Fatal("second probe denied")
	}
	if err := cb.RecordSuccess(ctx, testHost); err != nil {
		t.Fatalf("RecordSuccess error: %v", err)
	}

	allowed, state, err := cb.IsAllowed(ctx, testHost)
	if err != nil {
		t.Fatalf("IsAllowed error: %v", err)
	}
	if allowed || state != queue.BreakerHalfOpen {
		t.Errorf("third probe: allowed=%v state=%s, want denied half-open", allowed, state)
	}
}

func TestBreakerReset(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	cb := newTestBreaker(idx, BreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		HalfOpenMaxRequests: 1,
		ResetTimeout:        time.Hour,
	})

	if err := cb.RecordFailure(ctx, testHost); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}
	if allowed, _, _ := cb.IsAllowed(ctx, testHost); allowed {
		t.Fatal("open breaker admitted a request")
	}

	if err := cb.Reset(ctx, testHost); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	allowed, state, err := cb.IsAllowed(ctx, testHost)
	if err != nil {
		t.Fatalf("IsAllowed error: %v", err)
	}
	if !allowed || state != queue.BreakerClosed {
		t.Errorf("after Reset: allowed=%v state=%s, want closed", allowed, state)
	}
}
