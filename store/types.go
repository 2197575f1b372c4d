package store

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead || s == StatusCancelled
}

var (
	// ErrConflict indicates a request with the same id already exists.
	ErrConflict = errors.New("request id already exists")
	// ErrNotFound indicates the request does not exist.
	ErrNotFound = errors.New("request not found")
	// ErrSuperseded indicates a status guard blocked the transition
	// (e.g. a late success racing a cancel).
	ErrSuperseded = errors.New("request status superseded")
)

// Request is the immutable job description supplied at enqueue time.
type Request struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Priority     int               `json:"priority"`
	MaxRetries   int               `json:"maxRetries"`
	TimeoutMs    int64             `json:"timeoutMs"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Timeout returns the per-request execution deadline.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Host returns the host[:port] component of the request URL, or "" if the
// URL does not parse.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// InitialStatus is scheduled when the request carries a future scheduledFor,
// pending otherwise.
func (r *Request) InitialStatus(now time.Time) Status {
	if r.ScheduledFor != nil && r.ScheduledFor.After(now) {
		return StatusScheduled
	}
	return StatusPending
}

// ResponseSummary captures the last successful HTTP response of a request.
type ResponseSummary struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// State is the mutable lifecycle record of a request.
type State struct {
	Status        Status           `json:"status"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time       `json:"nextRetryAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	Error         string           `json:"error,omitempty"`
	Response      *ResponseSummary `json:"response,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// StoredRequest is a request joined with its current state.
type StoredRequest struct {
	Request
	State
}

// Attempt is one recorded execution of a request.
type Attempt struct {
	RequestID       string            `json:"requestId"`
	AttemptNumber   int               `json:"attemptNumber"`
	StatusCode      int               `json:"statusCode,omitempty"`
	DurationMs      int64             `json:"durationMs"`
	Error           string            `json:"error,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// AttemptOutcome is the result of a single execution, logged append-only.
type AttemptOutcome struct {
	StatusCode      int
	DurationMs      int64
	Error           string
	ResponseHeaders map[string]string
}

// StatePatch is a partial update applied alongside a status transition.
// Nil fields are left untouched. Attempts never regresses: the store keeps
// the maximum of the stored and patched value.
type StatePatch struct {
	Attempts      *int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CompletedAt   *time.Time
	Error         *string
	Response      *ResponseSummary

	ClearError     bool
	ClearNextRetry bool

	// UnlessStatus blocks the transition (ErrSuperseded) when the stored
	// status is one of the listed values.
	UnlessStatus []Status
}

// ListQuery filters GetRequestsByStatus.
type ListQuery struct {
	Status Status // "" matches all statuses
	Host   string // substring match against the URL
	Limit  int
	Offset int
}

// Stats aggregates per-status counts and attempt timings.
type Stats struct {
	Pending          int64   `json:"pending"`
	Scheduled        int64   `json:"scheduled"`
	Processing       int64   `json:"processing"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Dead             int64   `json:"dead"`
	Cancelled        int64   `json:"cancelled"`
	AvgProcessingMs  float64 `json:"avgProcessingTime"`
	SuccessRate      float64 `json:"successRate"`
	RecordedAttempts int64   `json:"recordedAttempts"`
}

// Store defines the durable persistence backend for requests and attempts.
// It abstracts over Postgres (production) and an in-memory implementation.
type Store interface {
	SaveRequest(ctx context.Context, r *Request) error
	SaveRequestBatch(ctx context.Context, rs []*Request) error
	GetRequest(ctx context.Context, id string) (*StoredRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, status Status, patch StatePatch) error
	LogAttempt(ctx context.Context, id string, attemptNumber int, out AttemptOutcome) error
	GetAttempts(ctx context.Context, id string) ([]*Attempt, error)
	GetRequestsByStatus(ctx context.Context, q ListQuery) ([]*StoredRequest, error)
	GetStats(ctx context.Context) (*Stats, error)
	CleanupCompleted(ctx context.Context, days int) (int64, error)
	CleanupDead(ctx context.Context, days int) (int64, error)

	// WithTransaction runs fn against a store view bound to a single
	// serializable unit of work.
	WithTransaction(ctx context.Context, fn func(Store) error) error

	Close()
}
