package engine

import (
	"testing"
	"time"

	"github.com/itskum47/hqm/store"
)

func TestDispatcherRoutesTypedEvents(t *testing.T) {
	d := NewDispatcher()

	var completed, retried, dead, errored int
	d.OnComplete(func(CompleteEvent) { completed++ })
	d.OnRetry(func(RetryEvent) { retried++ })
	d.OnDead(func(DeadEvent) { dead++ })
	d.OnError(func(ErrorEvent) { errored++ })

	var all []string
	d.OnAny(func(ev Event) { all = append(all, ev.Kind()) })

	d.Complete(&store.Request{ID: "a"}, &store.ResponseSummary{StatusCode: 200})
	d.Retry("a", 1, time.Now(), "HTTP 503")
	d.Error("a", 1, "HTTP 503", true)
	d.Dead("a", 3, "HTTP 503")

	if completed != 1 || retried != 1 || dead != 1 || errored != 1 {
		t.Errorf("typed handler counts = %d/%d/%d/%d, want 1 each", completed, retried, dead, errored)
	}

	want := []string{EventComplete, EventRetry, EventError, EventDead}
	if len(all) != len(want) {
		t.Fatalf("OnAny saw %v, want %v", all, want)
	}
	for i, kind := range want {
		if all[i] != kind {
			t.Errorf("OnAny[%d] = %s, want %s", i, all[i], kind)
		}
	}
}

func TestDispatcherHandlersRunInRegistrationOrder(t *testing.T) {
	d := NewDispatcher()

	var order []int
	d.OnDead(func(DeadEvent) { order = append(order, 1) })
	d.OnDead(func(DeadEvent) { order = append(order, 2) })
	d.OnDead(func(DeadEvent) { order = append(order, 3) })

	d.Dead("x", 1, "gone")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("handler order = %v, want [1 2 3]", order)
	}
}

func TestDispatcherAbsorbsHandlerPanic(t *testing.T) {
	d := NewDispatcher()

	var reached bool
	d.OnComplete(func(CompleteEvent) { panic("boom") })
	d.OnComplete(func(CompleteEvent) { reached = true })

	d.Complete(&store.Request{ID: "a"}, nil)

	if !reached {
		t.Error("handler after a panicking one never ran")
	}
}
