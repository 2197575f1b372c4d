// Package engine ties the durable store, index store, backpressure and
// workers into the queue manager: it validates and admits requests, exposes
// status and stats, and coordinates start, pause, resume and shutdown.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/hqm/backpressure"
	"github.com/itskum47/hqm/observability"
	"github.com/itskum47/hqm/queue"
	"github.com/itskum47/hqm/retry"
	"github.com/itskum47/hqm/store"
	"github.com/itskum47/hqm/worker"
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Config assembles every tunable of the engine.
type Config struct {
	Workers int

	DefaultPriority   int
	DefaultMaxRetries int
	DefaultTimeoutMs  int64

	Retry      retry.Config
	Limiter    backpressure.LimiterConfig
	Breaker    backpressure.BreakerConfig
	Controller backpressure.ControllerConfig
	Worker     worker.Config

	// CleanupInterval of 0 disables the cleanup loop.
	CleanupInterval      time.Duration
	CleanupCompletedDays int
	CleanupDeadDays      int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              1,
		DefaultPriority:      50,
		DefaultMaxRetries:    3,
		DefaultTimeoutMs:     30000,
		Retry:                retry.DefaultConfig(),
		Limiter:              backpressure.DefaultLimiterConfig(),
		Breaker:              backpressure.DefaultBreakerConfig(),
		Controller:           backpressure.ControllerConfig{MaxConcurrency: 10},
		Worker:               worker.DefaultConfig(),
		CleanupInterval:      time.Hour,
		CleanupCompletedDays: 7,
		CleanupDeadDays:      30,
	}
}

// EnqueueInput is the caller-facing enqueue request. Nil optionals take the
// engine defaults.
type EnqueueInput struct {
	ID           string
	URL          string
	Method       string
	Headers      map[string]string
	Body         []byte
	Priority     *int
	MaxRetries   *int
	TimeoutMs    *int64
	ScheduledFor *time.Time
	Metadata     map[string]any
}

// EnqueueResult reports the admitted id and its approximate queue position.
type EnqueueResult struct {
	ID       string `json:"id"`
	Position int64  `json:"position,omitempty"`
}

// Stats is the caller-facing aggregate; pending merges the durable pending
// and scheduled statuses.
type Stats struct {
	Pending           int64   `json:"pending"`
	Processing        int64   `json:"processing"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	Dead              int64   `json:"dead"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
	SuccessRate       float64 `json:"successRate"`
}

// Engine owns the long-lived resources and the worker pool.
type Engine struct {
	cfg     Config
	durable store.Store
	index   queue.Index
	ctrl    *backpressure.Controller
	events  *Dispatcher
	exec    worker.Executor

	mu      sync.Mutex
	workers []*worker.Worker
	baseCtx context.Context
	started bool
	paused  bool

	shuttingDown atomic.Bool
	cleanupStop  chan struct{}
	cleanupDone  chan struct{}
}

// New assembles an engine over the given stores. exec of nil selects the
// default HTTP executor.
func New(durable store.Store, index queue.Index, exec worker.Executor, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 50
	}
	if cfg.DefaultTimeoutMs == 0 {
		cfg.DefaultTimeoutMs = 30000
	}
	if exec == nil {
		exec = worker.NewHTTPExecutor(nil)
	}

	limiter := backpressure.NewRateLimiter(index, cfg.Limiter)
	breaker := backpressure.NewCircuitBreaker(index, cfg.Breaker)
	ctrl := backpressure.NewController(cfg.Controller, breaker, limiter)

	return &Engine{
		cfg:     cfg,
		durable: durable,
		index:   index,
		ctrl:    ctrl,
		events:  NewDispatcher(),
		exec:    exec,
	}
}

// Start launches the worker pool and the cleanup loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.baseCtx = ctx

	if err := e.startWorkersLocked(); err != nil {
		return err
	}

	if e.cfg.CleanupInterval > 0 {
		e.cleanupStop = make(chan struct{})
		e.cleanupDone = make(chan struct{})
		go e.cleanupLoop(ctx)
	}
	e.started = true
	return nil
}

func (e *Engine) startWorkersLocked() error {
	for i := 0; i < e.cfg.Workers; i++ {
		w := worker.New(fmt.Sprintf("w-%d", i), e.index, e.durable, e.ctrl,
			e.cfg.Retry, e.exec, e.events, e.cfg.Worker)
		if err := w.Start(e.baseCtx); err != nil {
			for _, started := range e.workers {
				started.Stop()
			}
			e.workers = nil
			return err
		}
		e.workers = append(e.workers, w)
	}
	return nil
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer close(e.cleanupDone)
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.cleanupStop:
			return
		case <-ticker.C:
			if e.cfg.CleanupCompletedDays > 0 {
				if n, err := e.durable.CleanupCompleted(ctx, e.cfg.CleanupCompletedDays); err != nil {
					log.Printf("cleanup completed failed: %v", err)
				} else if n > 0 {
					log.Printf("cleanup removed %d completed requests", n)
				}
			}
			if e.cfg.CleanupDeadDays > 0 {
				if n, err := e.durable.CleanupDead(ctx, e.cfg.CleanupDeadDays); err != nil {
					log.Printf("cleanup dead failed: %v", err)
				} else if n > 0 {
					log.Printf("cleanup removed %d dead requests", n)
				}
			}
		}
	}
}

func (e *Engine) buildRequest(in EnqueueInput, now time.Time) (*store.Request, error) {
	if in.URL == "" {
		return nil, validationErr("url", "url is required")
	}
	u, err := url.Parse(in.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, validationErr("url", "%q is not an absolute URL", in.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, validationErr("url", "unsupported scheme %q", u.Scheme)
	}

	method := in.Method
	if method == "" {
		method = "GET"
	}
	if !allowedMethods[method] {
		return nil, validationErr("method", "unsupported method %q", method)
	}

	priority := e.cfg.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < 0 || priority > 100 {
		return nil, validationErr("priority", "%d outside [0,100]", priority)
	}

	maxRetries := e.cfg.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if maxRetries < 0 {
		return nil, validationErr("maxRetries", "must be non-negative")
	}

	timeoutMs := e.cfg.DefaultTimeoutMs
	if in.TimeoutMs != nil {
		timeoutMs = *in.TimeoutMs
	}
	if timeoutMs < 0 {
		return nil, validationErr("timeout", "must be non-negative")
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &store.Request{
		ID:           id,
		URL:          in.URL,
		Method:       method,
		Headers:      in.Headers,
		Body:         in.Body,
		Priority:     priority,
		MaxRetries:   maxRetries,
		TimeoutMs:    timeoutMs,
		ScheduledFor: in.ScheduledFor,
		Metadata:     in.Metadata,
		CreatedAt:    now,
	}, nil
}

// Enqueue validates and admits one request: durable write first, then the
// index insert that makes it claimable.
func (e *Engine) Enqueue(ctx context.Context, in EnqueueInput) (EnqueueResult, error) {
	if e.shuttingDown.Load() {
		return EnqueueResult{}, ErrShuttingDown
	}

	now := time.Now()
	r, err := e.buildRequest(in, now)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := e.durable.SaveRequest(ctx, r); err != nil {
		return EnqueueResult{}, err
	}

	if r.InitialStatus(now) == store.StatusScheduled {
		err = e.index.EnqueueScheduled(ctx, r, *r.ScheduledFor)
	} else {
		err = e.index.Enqueue(ctx, r)
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("index enqueue failed: %w", err)
	}

	res := EnqueueResult{ID: r.ID}
	if counts, err := e.index.Counts(ctx); err == nil {
		res.Position = counts.Pending
	}
	return res, nil
}

// EnqueueMany admits a batch: one durable transaction, then a single index
// batch insert with one notification.
func (e *Engine) EnqueueMany(ctx context.Context, ins []EnqueueInput) ([]EnqueueResult, error) {
	if e.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	now := time.Now()
	rs := make([]*store.Request, 0, len(ins))
	for _, in := range ins {
		r, err := e.buildRequest(in, now)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	if err := e.durable.SaveRequestBatch(ctx, rs); err != nil {
		return nil, err
	}

	var immediate []*store.Request
	for _, r := range rs {
		if r.InitialStatus(now) == store.StatusScheduled {
			if err := e.index.EnqueueScheduled(ctx, r, *r.ScheduledFor); err != nil {
				return nil, fmt.Errorf("index enqueue failed: %w", err)
			}
		} else {
			immediate = append(immediate, r)
		}
	}
	if len(immediate) > 0 {
		if err := e.index.EnqueueBatch(ctx, immediate); err != nil {
			return nil, fmt.Errorf("index enqueue failed: %w", err)
		}
	}

	out := make([]EnqueueResult, len(rs))
	for i, r := range rs {
		out[i] = EnqueueResult{ID: r.ID}
	}
	return out, nil
}

// GetStatus returns the lifecycle state of a request, or nil when unknown.
func (e *Engine) GetStatus(ctx context.Context, id string) (*store.State, error) {
	sr, err := e.durable.GetRequest(ctx, id)
	if err != nil || sr == nil {
		return nil, err
	}
	st := sr.State
	return &st, nil
}

// GetRequest returns the full stored request.
func (e *Engine) GetRequest(ctx context.Context, id string) (*store.StoredRequest, error) {
	return e.durable.GetRequest(ctx, id)
}

// Cancel removes the request from the priority or scheduled sets and marks
// the durable row cancelled. A request already claimed by a worker is not
// cancelled; the method reports false.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := e.index.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	if err := e.durable.UpdateRequestStatus(ctx, id, store.StatusCancelled, store.StatePatch{}); err != nil {
		return false, err
	}
	return true, nil
}

// GetStats aggregates durable counts and refreshes the queue-depth gauges.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	s, err := e.durable.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	if counts, err := e.index.Counts(ctx); err == nil {
		observability.QueueDepth.WithLabelValues("pending").Set(float64(counts.Pending))
		observability.QueueDepth.WithLabelValues("scheduled").Set(float64(counts.Scheduled))
		observability.QueueDepth.WithLabelValues("processing").Set(float64(counts.Processing))
		observability.QueueDepth.WithLabelValues("dead").Set(float64(counts.Dead))
	}
	return &Stats{
		Pending:           s.Pending + s.Scheduled,
		Processing:        s.Processing,
		Completed:         s.Completed,
		Failed:            s.Failed,
		Dead:              s.Dead,
		AvgProcessingTime: s.AvgProcessingMs,
		SuccessRate:       s.SuccessRate,
	}, nil
}

// GetBackpressureState snapshots the admission counters.
func (e *Engine) GetBackpressureState() backpressure.State {
	return e.ctrl.Snapshot()
}

// GetDeadLetterRequests lists dead requests, newest first.
func (e *Engine) GetDeadLetterRequests(ctx context.Context, limit int) ([]*store.StoredRequest, error) {
	return e.durable.GetRequestsByStatus(ctx, store.ListQuery{Status: store.StatusDead, Limit: limit})
}

// RetryDeadRequest flips a dead request back to pending with a clean slate
// and re-enqueues it; subsequent attempts number from 1 again.
func (e *Engine) RetryDeadRequest(ctx context.Context, id string) error {
	sr, err := e.durable.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if sr == nil {
		return store.ErrNotFound
	}
	if sr.Status != store.StatusDead {
		return ErrNotDead
	}

	zero := 0
	if err := e.durable.UpdateRequestStatus(ctx, id, store.StatusPending, store.StatePatch{
		Attempts:       &zero,
		ClearError:     true,
		ClearNextRetry: true,
	}); err != nil {
		return err
	}
	return e.index.RetryDead(ctx, &sr.Request)
}

// ResetBreaker forces a host's circuit breaker closed.
func (e *Engine) ResetBreaker(ctx context.Context, host string) error {
	return e.ctrl.Breaker().Reset(ctx, host)
}

// BreakerState returns the breaker status for a host.
func (e *Engine) BreakerState(ctx context.Context, host string) (backpressure.BreakerStatus, error) {
	return e.ctrl.Breaker().GetState(ctx, host)
}

// Pause stops the workers. Notifications keep flowing; workers self-heal on
// resume via the initial drain and the promotion tick.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || !e.started {
		return
	}
	for _, w := range e.workers {
		w.Stop()
	}
	e.workers = nil
	e.paused = true
	log.Printf("engine paused")
}

// Resume restarts the workers after a Pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused || e.shuttingDown.Load() {
		return nil
	}
	if err := e.startWorkersLocked(); err != nil {
		return err
	}
	e.paused = false
	log.Printf("engine resumed")
	return nil
}

// Subscriptions.

func (e *Engine) OnComplete(fn func(CompleteEvent)) { e.events.OnComplete(fn) }
func (e *Engine) OnError(fn func(ErrorEvent))       { e.events.OnError(fn) }
func (e *Engine) OnRetry(fn func(RetryEvent))       { e.events.OnRetry(fn) }
func (e *Engine) OnDead(fn func(DeadEvent))         { e.events.OnDead(fn) }
func (e *Engine) OnAnyEvent(fn func(Event))         { e.events.OnAny(fn) }

// Shutdown is idempotent: it rejects further enqueues, stops the workers
// (joining their in-flight requests) and the cleanup loop. Stores stay open
// until Close.
func (e *Engine) Shutdown() {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	workers := e.workers
	e.workers = nil
	cleanupStop := e.cleanupStop
	cleanupDone := e.cleanupDone
	e.cleanupStop = nil
	e.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	if cleanupStop != nil {
		close(cleanupStop)
		<-cleanupDone
	}
	log.Printf("engine shut down")
}

// Close releases the stores. Call after Shutdown.
func (e *Engine) Close() {
	e.index.Close()
	e.durable.Close()
}
