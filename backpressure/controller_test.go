package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/hqm/queue"
)

func newTestController(idx queue.Index, cfg ControllerConfig) *Controller {
	limiter := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 1000})
	breaker := NewCircuitBreaker(idx, DefaultBreakerConfig())
	return NewController(cfg, breaker, limiter)
}

func TestControllerConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 2})

	for i := 0; i < 2; i++ {
		d, err := c.CanProceed(ctx, testHost)
		if err != nil {
			t.Fatalf("CanProceed error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied below the bound: %+v", i+1, d)
		}
		c.Acquire(testHost)
	}

	d, err := c.CanProceed(ctx, testHost)
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if d.Allowed || d.Reason != ReasonConcurrency {
		t.Fatalf("at the bound: %+v, want concurrency denial", d)
	}

	c.Release(testHost)
	d, err = c.CanProceed(ctx, testHost)
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("after Release: %+v, want admitted", d)
	}
}

func TestControllerPerHostBound(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 10, PerHostConcurrency: 1})
	c.Acquire("a.example.com")

	d, err := c.CanProceed(ctx, "a.example.com")
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if d.Allowed || d.Reason != ReasonConcurrency {
		t.Errorf("saturated host: %+v, want concurrency denial", d)
	}

	d, err = c.CanProceed(ctx, "b.example.com")
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if !d.Allowed {
		t.Errorf("other host: %+v, want admitted", d)
	}
}

func TestControllerCircuitOpenDenial(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 10})
	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		if err := c.RecordFailure(ctx, testHost); err != nil {
			t.Fatalf("RecordFailure error: %v", err)
		}
	}

	d, err := c.CanProceed(ctx, testHost)
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if d.Allowed || d.Reason != ReasonCircuitOpen {
		t.Fatalf("open circuit: %+v, want circuit-open denial", d)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestControllerRateLimitDenial(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	limiter := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	breaker := NewCircuitBreaker(idx, DefaultBreakerConfig())
	c := NewController(ControllerConfig{MaxConcurrency: 10}, breaker, limiter)

	d, err := c.CanProceed(ctx, "")
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first request: %+v, want admitted", d)
	}

	d, err = c.CanProceed(ctx, "")
	if err != nil {
		t.Fatalf("CanProceed error: %v", err)
	}
	if d.Allowed || d.Reason != ReasonRateLimit {
		t.Fatalf("bucket empty: %+v, want rate-limit denial", d)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestControllerWaitForSlot(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 1})
	c.Acquire(testHost)

	// free the slot shortly after the wait begins
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Release(testHost)
	}()

	ok, err := c.WaitForSlot(ctx, testHost, time.Second)
	if err != nil {
		t.Fatalf("WaitForSlot error: %v", err)
	}
	if !ok {
		t.Fatal("WaitForSlot timed out, want admitted after release")
	}
}

func TestControllerWaitForSlotTimesOut(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 1})
	c.Acquire(testHost)

	start := time.Now()
	ok, err := c.WaitForSlot(ctx, testHost, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForSlot error: %v", err)
	}
	if ok {
		t.Fatal("WaitForSlot admitted, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("WaitForSlot blocked %v past its budget", elapsed)
	}
}

func TestControllerSnapshot(t *testing.T) {
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	c := newTestController(idx, ControllerConfig{MaxConcurrency: 4})
	c.Acquire("a.example.com")
	c.Acquire("a.example.com")
	c.Acquire("b.example.com")

	st := c.Snapshot()
	if st.TotalActive != 3 || st.MaxConcurrency != 4 {
		t.Errorf("Snapshot = %+v, want total 3 max 4", st)
	}
	if st.ActiveByHost["a.example.com"] != 2 || st.ActiveByHost["b.example.com"] != 1 {
		t.Errorf("ActiveByHost = %+v", st.ActiveByHost)
	}

	c.Release("b.example.com")
	st = c.Snapshot()
	if st.TotalActive != 2 {
		t.Errorf("TotalActive after Release = %d, want 2", st.TotalActive)
	}
	if _, ok := st.ActiveByHost["b.example.com"]; ok {
		t.Error("zeroed host still present in ActiveByHost")
	}
}
