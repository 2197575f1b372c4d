// Package worker implements the dispatch loop: claim a request from the
// index store, execute it, classify the outcome, and drive the retry or
// dead-letter transition.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itskum47/hqm/backpressure"
	"github.com/itskum47/hqm/observability"
	"github.com/itskum47/hqm/queue"
	"github.com/itskum47/hqm/retry"
	"github.com/itskum47/hqm/store"
)

// EventEmitter receives lifecycle events from the worker. The engine's
// dispatcher implements it.
type EventEmitter interface {
	Complete(req *store.Request, resp *store.ResponseSummary)
	Retry(id string, attempt int, nextRetryAt time.Time, cause string)
	Dead(id string, attempts int, cause string)
	Error(id string, attempt int, cause string, willRetry bool)
}

// Config tunes one worker.
type Config struct {
	// SlotWait bounds how long a claimed request waits for admission.
	SlotWait time.Duration
	// BusyRequeueDelay reschedules a request that found no slot.
	BusyRequeueDelay time.Duration
	// OrphanAge is the processing-set age after which a claim is presumed
	// abandoned by a crashed worker.
	OrphanAge time.Duration
	// MaxInFlight bounds launched executions; the drain pauses beyond it.
	MaxInFlight int
	// StopTimeout bounds the in-flight join on Stop.
	StopTimeout time.Duration
}

// DefaultConfig returns production worker settings.
func DefaultConfig() Config {
	return Config{
		SlotWait:         30 * time.Second,
		BusyRequeueDelay: 5 * time.Second,
		OrphanAge:        5 * time.Minute,
		MaxInFlight:      64,
		StopTimeout:      30 * time.Second,
	}
}

// Worker drives request execution for one process.
type Worker struct {
	id      string
	index   queue.Index
	durable store.Store
	ctrl    *backpressure.Controller
	policy  retry.Config
	exec    Executor
	events  EventEmitter
	cfg     Config

	running    atomic.Bool
	sub        queue.Subscription
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	loopDone   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds a worker. events may be nil.
func New(id string, index queue.Index, durable store.Store, ctrl *backpressure.Controller,
	policy retry.Config, exec Executor, events EventEmitter, cfg Config) *Worker {
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = 30 * time.Second
	}
	if cfg.BusyRequeueDelay <= 0 {
		cfg.BusyRequeueDelay = 5 * time.Second
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = 5 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Worker{
		id:       id,
		index:    index,
		durable:  durable,
		ctrl:     ctrl,
		policy:   policy,
		exec:     exec,
		events:   events,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// Start subscribes to queue notifications, reclaims orphaned claims, runs an
// initial drain, and starts the notification and ticker loops.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	// executions get their own context so Stop can join them gracefully
	// before aborting stragglers
	w.execCtx, w.execCancel = context.WithCancel(ctx)
	ctx, w.loopCancel = context.WithCancel(ctx)

	sub, err := w.index.Subscribe(ctx)
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("subscribe failed: %w", err)
	}
	w.sub = sub

	if ids, err := w.index.ReclaimOrphans(ctx, w.cfg.OrphanAge); err != nil {
		log.Printf("worker %s: orphan reclaim failed: %v", w.id, err)
	} else if len(ids) > 0 {
		log.Printf("worker %s: reclaimed %d orphaned requests", w.id, len(ids))
	}

	w.drain(ctx)

	w.loopDone.Add(2)
	go w.notifyLoop(ctx)
	go w.tickLoop(ctx)
	return nil
}

func (w *Worker) notifyLoop(ctx context.Context) {
	defer w.loopDone.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-w.sub.C():
			if !ok {
				return
			}
			if !w.running.Load() {
				continue
			}
			switch n.Kind {
			case queue.NotifyRetry:
				if moved, err := w.index.PromoteScheduled(ctx); err == nil && len(moved) > 0 {
					w.drain(ctx)
				}
			default:
				w.drain(ctx)
			}
		}
	}
}

func (w *Worker) tickLoop(ctx context.Context) {
	defer w.loopDone.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	reclaimEvery := 60
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.running.Load() {
				continue
			}
			moved, err := w.index.PromoteScheduled(ctx)
			if err != nil {
				log.Printf("worker %s: promote scheduled failed: %v", w.id, err)
			} else if len(moved) > 0 {
				w.drain(ctx)
			}

			tick++
			if tick%reclaimEvery == 0 {
				if ids, err := w.index.ReclaimOrphans(ctx, w.cfg.OrphanAge); err != nil {
					log.Printf("worker %s: orphan reclaim failed: %v", w.id, err)
				} else if len(ids) > 0 {
					log.Printf("worker %s: reclaimed %d orphaned requests", w.id, len(ids))
					w.drain(ctx)
				}
			}
		}
	}
}

// drain pops and launches until the queue is empty, the in-flight bound is
// reached, or the worker stops.
func (w *Worker) drain(ctx context.Context) {
	for w.running.Load() {
		if !w.processNext(ctx) {
			return
		}
	}
}

// processNext claims one request and launches its execution. Returns false
// when the queue is empty or the in-flight set is full.
func (w *Worker) processNext(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.inflight) >= w.cfg.MaxInFlight {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	r, err := w.index.Dequeue(ctx)
	if err != nil {
		log.Printf("worker %s: dequeue failed: %v", w.id, err)
		return false
	}
	if r == nil {
		return false
	}

	w.mu.Lock()
	w.inflight[r.ID] = true
	w.mu.Unlock()

	go func() {
		w.processRequest(w.execCtx, r)
		w.mu.Lock()
		delete(w.inflight, r.ID)
		w.mu.Unlock()
		// the freed slot may unblock a queued claim
		if w.running.Load() {
			w.drain(w.execCtx)
		}
	}()
	return true
}

// updateStatus retries transient durable-store failures before giving up;
// the fault is the engine's, not the request's.
func (w *Worker) updateStatus(ctx context.Context, id string, status store.Status, patch store.StatePatch) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3), ctx)
	return backoff.Retry(func() error {
		err := w.durable.UpdateRequestStatus(ctx, id, status, patch)
		if err == store.ErrNotFound || err == store.ErrSuperseded {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (w *Worker) processRequest(ctx context.Context, r *store.Request) {
	host := r.Host()

	current, err := w.durable.GetRequest(ctx, r.ID)
	if err != nil || current == nil {
		if err != nil {
			log.Printf("worker %s: load %s failed: %v", w.id, r.ID, err)
			w.index.ScheduleRetry(ctx, r.ID, time.Now().Add(w.cfg.BusyRequeueDelay))
		} else {
			// no durable row; drop the claim
			w.index.MarkComplete(ctx, r.ID)
		}
		return
	}
	currentAttempt := current.Attempts + 1

	ok, err := w.ctrl.WaitForSlot(ctx, host, w.cfg.SlotWait)
	if err != nil || !ok {
		// no admission; push back without logging an attempt
		w.index.ScheduleRetry(ctx, r.ID, time.Now().Add(w.cfg.BusyRequeueDelay))
		return
	}

	w.ctrl.Acquire(host)
	defer w.ctrl.Release(host)

	now := time.Now()
	if err := w.updateStatus(ctx, r.ID, store.StatusProcessing, store.StatePatch{
		Attempts:      &currentAttempt,
		LastAttemptAt: &now,
		UnlessStatus:  []store.Status{store.StatusCancelled},
	}); err != nil {
		if err == store.ErrSuperseded {
			// cancelled while queued; release the claim
			w.index.MarkComplete(ctx, r.ID)
			return
		}
		log.Printf("worker %s: transition %s to processing failed: %v", w.id, r.ID, err)
		w.index.ScheduleRetry(ctx, r.ID, time.Now().Add(w.cfg.BusyRequeueDelay))
		return
	}

	resp, execErr := w.exec.Execute(ctx, r)
	if execErr != nil {
		observability.AttemptsTotal.WithLabelValues("transport_error").Inc()
		if err := w.durable.LogAttempt(ctx, r.ID, currentAttempt, store.AttemptOutcome{Error: execErr.Error()}); err != nil {
			log.Printf("worker %s: log attempt %s#%d failed: %v", w.id, r.ID, currentAttempt, err)
		}
		w.handleFailure(ctx, r, currentAttempt, 0, execErr)
		w.ctrl.RecordFailure(ctx, host)
		return
	}

	observability.AttemptDuration.Observe(resp.Duration.Seconds())
	if err := w.durable.LogAttempt(ctx, r.ID, currentAttempt, store.AttemptOutcome{
		StatusCode:      resp.StatusCode,
		DurationMs:      resp.Duration.Milliseconds(),
		ResponseHeaders: resp.Headers,
	}); err != nil {
		log.Printf("worker %s: log attempt %s#%d failed: %v", w.id, r.ID, currentAttempt, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		observability.AttemptsTotal.WithLabelValues("success").Inc()
		w.handleSuccess(ctx, r, resp)
		w.ctrl.RecordSuccess(ctx, host)
		return
	}

	observability.AttemptsTotal.WithLabelValues("http_error").Inc()
	w.handleFailure(ctx, r, currentAttempt, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode))
	// 5xx and 429 count against the breaker; other responses prove the host
	// is reachable and healthy enough to answer
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		w.ctrl.RecordFailure(ctx, host)
	} else {
		w.ctrl.RecordSuccess(ctx, host)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, r *store.Request, resp *Response) {
	summary := &store.ResponseSummary{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		DurationMs: resp.Duration.Milliseconds(),
	}
	now := time.Now()
	err := w.updateStatus(ctx, r.ID, store.StatusCompleted, store.StatePatch{
		CompletedAt:    &now,
		Response:       summary,
		ClearError:     true,
		ClearNextRetry: true,
		UnlessStatus:   []store.Status{store.StatusCancelled},
	})
	if err == store.ErrSuperseded {
		// cancelled mid-flight; the cancel wins
		w.index.MarkComplete(ctx, r.ID)
		return
	}
	if err != nil {
		log.Printf("worker %s: transition %s to completed failed: %v", w.id, r.ID, err)
		w.index.ScheduleRetry(ctx, r.ID, time.Now().Add(w.cfg.BusyRequeueDelay))
		return
	}
	if err := w.index.MarkComplete(ctx, r.ID); err != nil {
		log.Printf("worker %s: mark complete %s failed: %v", w.id, r.ID, err)
	}
	if w.events != nil {
		w.events.Complete(r, summary)
	}
}

func (w *Worker) handleFailure(ctx context.Context, r *store.Request, attempt, statusCode int, cause error) {
	policy := w.policy
	policy.MaxRetries = r.MaxRetries

	causeMsg := cause.Error()
	if policy.ShouldRetry(statusCode, cause, attempt) {
		delay, err := policy.Delay(attempt)
		if err != nil {
			log.Printf("worker %s: retry delay for %s failed: %v", w.id, r.ID, err)
			delay = time.Second
		}
		nextRetryAt := time.Now().Add(delay)
		if err := w.updateStatus(ctx, r.ID, store.StatusPending, store.StatePatch{
			NextRetryAt: &nextRetryAt,
			Error:       &causeMsg,
		}); err != nil {
			log.Printf("worker %s: transition %s to pending failed: %v", w.id, r.ID, err)
		}
		if err := w.index.ScheduleRetry(ctx, r.ID, nextRetryAt); err != nil {
			log.Printf("worker %s: schedule retry %s failed: %v", w.id, r.ID, err)
		}
		if w.events != nil {
			w.events.Retry(r.ID, attempt, nextRetryAt, causeMsg)
			w.events.Error(r.ID, attempt, causeMsg, true)
		}
		return
	}

	if err := w.updateStatus(ctx, r.ID, store.StatusDead, store.StatePatch{
		Error: &causeMsg,
	}); err != nil {
		log.Printf("worker %s: transition %s to dead failed: %v", w.id, r.ID, err)
	}
	if err := w.index.MoveToDead(ctx, r.ID); err != nil {
		log.Printf("worker %s: move to dead %s failed: %v", w.id, r.ID, err)
	}
	if w.events != nil {
		w.events.Dead(r.ID, attempt, causeMsg)
		w.events.Error(r.ID, attempt, causeMsg, false)
	}
}

// InFlight returns the number of launched executions not yet finished.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Stop halts claiming, unsubscribes, and waits for the in-flight set to
// empty, bounded by StopTimeout.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	if w.loopCancel != nil {
		w.loopCancel()
	}
	if w.sub != nil {
		w.sub.Close()
	}
	w.loopDone.Wait()

	deadline := time.Now().Add(w.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if w.InFlight() == 0 {
			w.execCancel()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("worker %s: stop timed out with %d requests in flight, aborting", w.id, w.InFlight())
	if w.execCancel != nil {
		w.execCancel()
	}
}
