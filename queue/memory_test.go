package queue

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/hqm/store"
)

func testRequest(id string, priority int) *store.Request {
	return &store.Request{
		ID:        id,
		URL:       "https://api.example.com/hook",
		Method:    "POST",
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

func TestMemoryIndexPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	for _, r := range []*store.Request{
		testRequest("low", 10),
		testRequest("high", 90),
		testRequest("mid", 50),
	} {
		if err := idx.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", r.ID, err)
		}
	}

	want := []string{"high", "mid", "low"}
	for _, id := range want {
		r, err := idx.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue error: %v", err)
		}
		if r == nil || r.ID != id {
			t.Fatalf("Dequeue = %+v, want id %s", r, id)
		}
	}
	if r, _ := idx.Dequeue(ctx); r != nil {
		t.Errorf("Dequeue on empty queue = %+v, want nil", r)
	}
}

func TestMemoryIndexInsertionOrderTieBreak(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	ids := []string{"first", "second", "third"}
	for _, id := range ids {
		if err := idx.Enqueue(ctx, testRequest(id, 50)); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", id, err)
		}
		// tie-break resolution is millisecond-granular
		time.Sleep(2 * time.Millisecond)
	}

	for _, id := range ids {
		r, err := idx.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue error: %v", err)
		}
		if r == nil || r.ID != id {
			t.Fatalf("Dequeue = %+v, want id %s", r, id)
		}
	}
}

func TestMemoryIndexDequeueClaimsProcessing(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("a", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	counts, err := idx.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts error: %v", err)
	}
	if counts.Pending != 0 || counts.Processing != 1 {
		t.Errorf("Counts = %+v, want pending 0 processing 1", counts)
	}

	if err := idx.MarkComplete(ctx, "a"); err != nil {
		t.Fatalf("MarkComplete error: %v", err)
	}
	counts, _ = idx.Counts(ctx)
	if counts.Processing != 0 {
		t.Errorf("processing = %d after MarkComplete, want 0", counts.Processing)
	}
}

func TestMemoryIndexCancel(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("queued", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := idx.EnqueueScheduled(ctx, testRequest("later", 50), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueScheduled error: %v", err)
	}

	for _, id := range []string{"queued", "later"} {
		removed, err := idx.Cancel(ctx, id)
		if err != nil {
			t.Fatalf("Cancel(%s) error: %v", id, err)
		}
		if !removed {
			t.Errorf("Cancel(%s) = false, want true", id)
		}
	}

	// already cancelled
	removed, err := idx.Cancel(ctx, "queued")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if removed {
		t.Error("second Cancel = true, want false")
	}

	if r, _ := idx.Dequeue(ctx); r != nil {
		t.Errorf("Dequeue after cancel = %+v, want nil", r)
	}
}

func TestMemoryIndexCancelDoesNotTouchProcessing(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("claimed", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	removed, err := idx.Cancel(ctx, "claimed")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if removed {
		t.Error("Cancel on processing request = true, want false")
	}
}

func TestMemoryIndexScheduleRetryAndPromote(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("r", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if err := idx.ScheduleRetry(ctx, "r", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleRetry error: %v", err)
	}

	moved, err := idx.PromoteScheduled(ctx)
	if err != nil {
		t.Fatalf("PromoteScheduled error: %v", err)
	}
	if len(moved) != 1 || moved[0] != "r" {
		t.Fatalf("PromoteScheduled = %v, want [r]", moved)
	}

	r, err := idx.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if r == nil || r.ID != "r" {
		t.Fatalf("Dequeue after promote = %+v, want r", r)
	}
}

func TestMemoryIndexPromoteSkipsFutureEntries(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.EnqueueScheduled(ctx, testRequest("future", 50), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueScheduled error: %v", err)
	}
	moved, err := idx.PromoteScheduled(ctx)
	if err != nil {
		t.Fatalf("PromoteScheduled error: %v", err)
	}
	if len(moved) != 0 {
		t.Errorf("PromoteScheduled = %v, want empty", moved)
	}
}

func TestMemoryIndexDeadLetterRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	r := testRequest("doomed", 50)
	if err := idx.Enqueue(ctx, r); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if err := idx.MoveToDead(ctx, "doomed"); err != nil {
		t.Fatalf("MoveToDead error: %v", err)
	}

	counts, _ := idx.Counts(ctx)
	if counts.Dead != 1 || counts.Processing != 0 {
		t.Fatalf("Counts = %+v, want dead 1 processing 0", counts)
	}

	if err := idx.RetryDead(ctx, r); err != nil {
		t.Fatalf("RetryDead error: %v", err)
	}
	counts, _ = idx.Counts(ctx)
	if counts.Dead != 0 || counts.Pending != 1 {
		t.Fatalf("Counts = %+v, want dead 0 pending 1", counts)
	}

	got, err := idx.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if got == nil || got.ID != "doomed" {
		t.Fatalf("Dequeue = %+v, want doomed", got)
	}
}

func TestMemoryIndexReclaimOrphans(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("stuck", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	// age the claim past the cutoff
	idx.mu.Lock()
	idx.processing["stuck"] = time.Now().Add(-10 * time.Minute).UnixMilli()
	idx.mu.Unlock()

	moved, err := idx.ReclaimOrphans(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimOrphans error: %v", err)
	}
	if len(moved) != 1 || moved[0] != "stuck" {
		t.Fatalf("ReclaimOrphans = %v, want [stuck]", moved)
	}

	r, err := idx.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if r == nil || r.ID != "stuck" {
		t.Fatalf("Dequeue after reclaim = %+v, want stuck", r)
	}
}

func TestMemoryIndexReclaimSkipsFreshClaims(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if err := idx.Enqueue(ctx, testRequest("fresh", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := idx.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	moved, err := idx.ReclaimOrphans(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimOrphans error: %v", err)
	}
	if len(moved) != 0 {
		t.Errorf("ReclaimOrphans = %v, want empty", moved)
	}
}

func TestMemoryIndexRateLimit(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	// burst 2, 1 token/sec
	for i := 0; i < 2; i++ {
		res, err := idx.RateLimit(ctx, "global", 1, 2)
		if err != nil {
			t.Fatalf("RateLimit error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	res, err := idx.RateLimit(ctx, "global", 1, 2)
	if err != nil {
		t.Fatalf("RateLimit error: %v", err)
	}
	if res.Allowed {
		t.Fatal("third request allowed, want denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 1100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want (0, 1.1s]", res.RetryAfter)
	}
}

func TestMemoryIndexRateLimitScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	if res, _ := idx.RateLimit(ctx, "a.example.com", 1, 1); !res.Allowed {
		t.Fatal("first token for scope a denied")
	}
	if res, _ := idx.RateLimit(ctx, "a.example.com", 1, 1); res.Allowed {
		t.Fatal("second token for scope a allowed, want denied")
	}
	if res, _ := idx.RateLimit(ctx, "b.example.com", 1, 1); !res.Allowed {
		t.Fatal("scope b denied, buckets should be independent")
	}
}

func TestMemoryIndexLocks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	token, err := idx.AcquireLock(ctx, "janitor", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	if token == "" {
		t.Fatal("AcquireLock returned empty token")
	}

	second, err := idx.AcquireLock(ctx, "janitor", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	if second != "" {
		t.Fatal("second AcquireLock succeeded while held")
	}

	if ok, _ := idx.ReleaseLock(ctx, "janitor", "wrong-token"); ok {
		t.Error("ReleaseLock with wrong token = true")
	}
	if ok, _ := idx.ReleaseLock(ctx, "janitor", token); !ok {
		t.Error("ReleaseLock with owner token = false")
	}

	third, err := idx.AcquireLock(ctx, "janitor", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	if third == "" {
		t.Error("AcquireLock after release failed")
	}
}

func TestMemoryIndexSubscribe(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	defer idx.Close()

	sub, err := idx.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	if err := idx.Enqueue(ctx, testRequest("n", 50)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	select {
	case n := <-sub.C():
		if n.Kind != NotifyNewRequest {
			t.Errorf("notification kind = %s, want %s", n.Kind, NotifyNewRequest)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}
