package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/hqm/queue"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 100, BurstSize: 10})

	for i := 0; i < 5; i++ {
		res, err := l.Acquire(ctx, "")
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
}

func TestRateLimiterDeniesOverBurst(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		res, err := l.Acquire(ctx, "")
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}

	res, err := l.Acquire(ctx, "")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if res.Allowed {
		t.Fatal("request over burst allowed")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", res.RetryAfter)
	}
}

func TestRateLimiterPerHostScope(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	// host rate = ceil(10/10) = 1/s, host burst = ceil(15/5) = 3
	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 10})

	allowed := 0
	for i := 0; i < 10; i++ {
		res, err := l.Acquire(ctx, "api.example.com")
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("host admitted %d requests, want 3 (host burst)", allowed)
	}

	// a different host has its own bucket
	res, err := l.Acquire(ctx, "other.example.com")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !res.Allowed {
		t.Error("fresh host denied, buckets should be independent")
	}
}

func TestRateLimiterHostNamedGlobalHasOwnBucket(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	// global burst 2; a host called "global" must not spend both tokens
	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 2, BurstSize: 2})

	res, err := l.Acquire(ctx, "global")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("host named global denied its first token")
	}

	res, err = l.Acquire(ctx, "other.example.com")
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !res.Allowed {
		t.Error("second host denied, host bucket leaked into the global scope")
	}
}

func TestRateLimiterWaitForToken(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 20, BurstSize: 1})

	if ok, err := l.WaitForToken(ctx, "", time.Second); err != nil || !ok {
		t.Fatalf("first WaitForToken = %v, %v, want granted", ok, err)
	}

	// bucket empty; 20/s refills within the wait budget
	start := time.Now()
	ok, err := l.WaitForToken(ctx, "", time.Second)
	if err != nil {
		t.Fatalf("WaitForToken error: %v", err)
	}
	if !ok {
		t.Fatal("WaitForToken timed out, want granted after refill")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("WaitForToken took %v, want under 900ms", elapsed)
	}
}

func TestRateLimiterWaitForTokenTimesOut(t *testing.T) {
	ctx := context.Background()
	idx := queue.NewMemoryIndex()
	defer idx.Close()

	l := NewRateLimiter(idx, LimiterConfig{RequestsPerSecond: 0.1, BurstSize: 1})

	if ok, _ := l.WaitForToken(ctx, "", time.Second); !ok {
		t.Fatal("first token denied")
	}

	// 10s per token; a 100ms budget cannot succeed
	start := time.Now()
	ok, err := l.WaitForToken(ctx, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForToken error: %v", err)
	}
	if ok {
		t.Fatal("WaitForToken granted, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("WaitForToken blocked %v past its budget", elapsed)
	}
}
