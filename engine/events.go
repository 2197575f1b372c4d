package engine

import (
	"log"
	"sync"
	"time"

	"github.com/itskum47/hqm/observability"
	"github.com/itskum47/hqm/store"
)

// Event kinds.
const (
	EventComplete = "complete"
	EventError    = "error"
	EventRetry    = "retry"
	EventDead     = "dead"
)

// Event is a tagged lifecycle event variant.
type Event interface {
	Kind() string
}

// CompleteEvent fires when a request reaches completed.
type CompleteEvent struct {
	Request  *store.Request
	Response *store.ResponseSummary
	At       time.Time
}

func (CompleteEvent) Kind() string { return EventComplete }

// ErrorEvent fires on every failed attempt, whether or not it will retry.
type ErrorEvent struct {
	RequestID string
	Attempt   int
	Cause     string
	WillRetry bool
	At        time.Time
}

func (ErrorEvent) Kind() string { return EventError }

// RetryEvent fires when a failed attempt is rescheduled.
type RetryEvent struct {
	RequestID   string
	Attempt     int
	NextRetryAt time.Time
	Cause       string
	At          time.Time
}

func (RetryEvent) Kind() string { return EventRetry }

// DeadEvent fires when a request exhausts its retries.
type DeadEvent struct {
	RequestID string
	Attempts  int
	Cause     string
	At        time.Time
}

func (DeadEvent) Kind() string { return EventDead }

// Dispatcher is the typed subscription table. Handlers for one event run
// sequentially in registration order; a panicking handler is absorbed so it
// never breaks the pipeline.
type Dispatcher struct {
	mu       sync.RWMutex
	complete []func(CompleteEvent)
	errored  []func(ErrorEvent)
	retried  []func(RetryEvent)
	dead     []func(DeadEvent)
	all      []func(Event)
}

// NewDispatcher initializes an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) OnComplete(fn func(CompleteEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.complete = append(d.complete, fn)
}

func (d *Dispatcher) OnError(fn func(ErrorEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errored = append(d.errored, fn)
}

func (d *Dispatcher) OnRetry(fn func(RetryEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = append(d.retried, fn)
}

func (d *Dispatcher) OnDead(fn func(DeadEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = append(d.dead, fn)
}

// OnAny receives every event; used by the streaming hub.
func (d *Dispatcher) OnAny(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, fn)
}

func invoke[E any](handlers []func(E), ev E, kind string) {
	for _, fn := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("event handler panic on %s: %v", kind, rec)
				}
			}()
			fn(ev)
		}()
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	observability.EventsDispatched.WithLabelValues(ev.Kind()).Inc()
	d.mu.RLock()
	all := d.all
	d.mu.RUnlock()
	invoke(all, ev, ev.Kind())
}

// Complete implements worker.EventEmitter.
func (d *Dispatcher) Complete(req *store.Request, resp *store.ResponseSummary) {
	ev := CompleteEvent{Request: req, Response: resp, At: time.Now()}
	d.mu.RLock()
	handlers := d.complete
	d.mu.RUnlock()
	invoke(handlers, ev, EventComplete)
	d.dispatch(ev)
}

// Retry implements worker.EventEmitter.
func (d *Dispatcher) Retry(id string, attempt int, nextRetryAt time.Time, cause string) {
	ev := RetryEvent{RequestID: id, Attempt: attempt, NextRetryAt: nextRetryAt, Cause: cause, At: time.Now()}
	d.mu.RLock()
	handlers := d.retried
	d.mu.RUnlock()
	invoke(handlers, ev, EventRetry)
	d.dispatch(ev)
}

// Dead implements worker.EventEmitter.
func (d *Dispatcher) Dead(id string, attempts int, cause string) {
	ev := DeadEvent{RequestID: id, Attempts: attempts, Cause: cause, At: time.Now()}
	d.mu.RLock()
	handlers := d.dead
	d.mu.RUnlock()
	invoke(handlers, ev, EventDead)
	d.dispatch(ev)
}

// Error implements worker.EventEmitter.
func (d *Dispatcher) Error(id string, attempt int, cause string, willRetry bool) {
	ev := ErrorEvent{RequestID: id, Attempt: attempt, Cause: cause, WillRetry: willRetry, At: time.Now()}
	d.mu.RLock()
	handlers := d.errored
	d.mu.RUnlock()
	invoke(handlers, ev, EventError)
	d.dispatch(ev)
}
