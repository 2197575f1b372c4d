// Package queue implements the fast shared index over the request lifecycle:
// the priority, scheduled, processing and dead sets, rate-limiter buckets,
// circuit-breaker rows, short-lived locks and worker notifications.
package queue

import (
	"context"
	"time"

	"github.com/itskum47/hqm/store"
)

// Notification kinds delivered to subscribed workers.
const (
	NotifyNewRequest = "new-request"
	NotifyRetry      = "retry"
)

// Notification is a wake-up message published on one of the index channels.
type Notification struct {
	Kind    string
	Payload string
}

// Subscription is a live feed of notifications. Close releases the feed;
// the channel is closed afterwards.
type Subscription interface {
	C() <-chan Notification
	Close() error
}

// Counts reports the size of each queue membership set.
type Counts struct {
	Pending    int64
	Scheduled  int64
	Processing int64
	Dead       int64
}

// RateResult is the outcome of one token-bucket consume.
type RateResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// BreakerSnapshot is the persisted per-host circuit-breaker row.
type BreakerSnapshot struct {
	State          string
	Failures       int
	Successes      int
	StateChangedAt time.Time
}

// Index abstracts the shared fast store. All multi-step operations are atomic
// with respect to concurrent workers.
type Index interface {
	// Enqueue stores the request snapshot and adds its id to the priority
	// queue, then publishes a new-request notification.
	Enqueue(ctx context.Context, r *store.Request) error
	// EnqueueBatch enqueues all requests and publishes a single batch
	// notification.
	EnqueueBatch(ctx context.Context, rs []*store.Request) error
	// EnqueueScheduled places the id directly into the scheduled set.
	EnqueueScheduled(ctx context.Context, r *store.Request, at time.Time) error

	// Dequeue atomically moves the lowest-score id from the priority queue
	// into the processing set and returns its snapshot. Returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*store.Request, error)

	// ScheduleRetry moves the id from processing to the scheduled set and
	// publishes a retry notification.
	ScheduleRetry(ctx context.Context, id string, at time.Time) error
	// PromoteScheduled moves every due id from scheduled back to the
	// priority queue at neutral priority and returns the moved ids.
	PromoteScheduled(ctx context.Context) ([]string, error)

	MarkComplete(ctx context.Context, id string) error
	MoveToDead(ctx context.Context, id string) error
	// RetryDead removes the id from the dead set and re-enqueues it.
	RetryDead(ctx context.Context, r *store.Request) error

	// Cancel removes the id from the priority and scheduled sets atomically
	// and reports whether anything was removed. Processing ids are not
	// cancelled.
	Cancel(ctx context.Context, id string) (bool, error)

	// ReclaimOrphans moves processing entries claimed before the cutoff back
	// to the priority queue and returns the moved ids.
	ReclaimOrphans(ctx context.Context, olderThan time.Duration) ([]string, error)

	Counts(ctx context.Context) (Counts, error)

	// RateLimit runs one atomic refill+consume against the scope's bucket.
	RateLimit(ctx context.Context, scope string, ratePerSec float64, burst int) (RateResult, error)

	// GetBreaker returns the breaker row for a host, or nil when absent.
	GetBreaker(ctx context.Context, host string) (*BreakerSnapshot, error)
	// UpdateBreaker applies fn to the current row under a compare-and-set
	// and persists the result (with TTL). fn receives nil when no row
	// exists; returning nil deletes the row.
	UpdateBreaker(ctx context.Context, host string, fn func(*BreakerSnapshot) *BreakerSnapshot) (*BreakerSnapshot, error)

	// AcquireLock returns a unique token on success, "" when held elsewhere.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
	// ReleaseLock deletes the lock only if the token still owns it.
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)

	Subscribe(ctx context.Context) (Subscription, error)

	Close() error
}

// Breaker states persisted in the index store.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerTTL bounds how long an idle breaker row survives.
const BreakerTTL = 5 * time.Minute

const neutralPriority = 50

// priorityScore orders the pending set: lower scores dequeue first. The
// integer part inverts the request priority; the epoch-ms tail breaks ties
// by enqueue time.
func priorityScore(priority int, now time.Time) float64 {
	return float64(100-priority)*1e13 + float64(now.UnixMilli())
}
