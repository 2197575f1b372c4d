package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/hqm/store"
)

// scoredItem is one entry in the in-memory priority heap.
type scoredItem struct {
	id    string
	score float64
}

// scoreHeap implements heap.Interface ordered by ascending score.
type scoreHeap []scoredItem

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(scoredItem)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

type memoryLock struct {
	token   string
	expires time.Time
}

type memoryBucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryIndex implements Index entirely in process. It exists for unit tests
// and single-node operation without a Redis.
type MemoryIndex struct {
	mu sync.Mutex

	pending    scoreHeap
	pendingSet map[string]bool
	scheduled  map[string]int64 // id -> due epoch ms
	processing map[string]int64 // id -> claim epoch ms
	dead       map[string]int64 // id -> death epoch ms
	snapshots  map[string][]byte

	buckets  map[string]*memoryBucket
	breakers map[string]*BreakerSnapshot
	locks    map[string]memoryLock

	subs map[*memorySubscription]bool
}

// NewMemoryIndex initializes an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		pendingSet: make(map[string]bool),
		scheduled:  make(map[string]int64),
		processing: make(map[string]int64),
		dead:       make(map[string]int64),
		snapshots:  make(map[string][]byte),
		buckets:    make(map[string]*memoryBucket),
		breakers:   make(map[string]*BreakerSnapshot),
		locks:      make(map[string]memoryLock),
		subs:       make(map[*memorySubscription]bool),
	}
}

func (x *MemoryIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for sub := range x.subs {
		close(sub.ch)
	}
	x.subs = make(map[*memorySubscription]bool)
	return nil
}

func (x *MemoryIndex) publishLocked(kind, payload string) {
	for sub := range x.subs {
		select {
		case sub.ch <- Notification{Kind: kind, Payload: payload}:
		default:
			// slow subscriber; drop rather than block the queue
		}
	}
}

func (x *MemoryIndex) storeSnapshotLocked(r *store.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	x.snapshots[r.ID] = data
	return nil
}

func (x *MemoryIndex) pushPendingLocked(id string, score float64) {
	if x.pendingSet[id] {
		return
	}
	heap.Push(&x.pending, scoredItem{id: id, score: score})
	x.pendingSet[id] = true
}

func (x *MemoryIndex) Enqueue(ctx context.Context, r *store.Request) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.storeSnapshotLocked(r); err != nil {
		return err
	}
	x.pushPendingLocked(r.ID, priorityScore(r.Priority, time.Now()))
	x.publishLocked(NotifyNewRequest, r.ID)
	return nil
}

func (x *MemoryIndex) EnqueueBatch(ctx context.Context, rs []*store.Request) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	now := time.Now()
	for _, r := range rs {
		if err := x.storeSnapshotLocked(r); err != nil {
			return err
		}
		x.pushPendingLocked(r.ID, priorityScore(r.Priority, now))
	}
	x.publishLocked(NotifyNewRequest, fmt.Sprintf("batch:%d", len(rs)))
	return nil
}

func (x *MemoryIndex) EnqueueScheduled(ctx context.Context, r *store.Request, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.storeSnapshotLocked(r); err != nil {
		return err
	}
	x.scheduled[r.ID] = at.UnixMilli()
	return nil
}

func (x *MemoryIndex) Dequeue(ctx context.Context) (*store.Request, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for x.pending.Len() > 0 {
		item := heap.Pop(&x.pending).(scoredItem)
		if !x.pendingSet[item.id] {
			continue // cancelled while queued
		}
		delete(x.pendingSet, item.id)

		data, ok := x.snapshots[item.id]
		if !ok {
			continue
		}
		x.processing[item.id] = time.Now().UnixMilli()
		var r store.Request
		if err := json.Unmarshal(data, &r); err != nil {
			delete(x.processing, item.id)
			return nil, err
		}
		return &r, nil
	}
	return nil, nil
}

func (x *MemoryIndex) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.processing, id)
	x.scheduled[id] = at.UnixMilli()
	msg, _ := json.Marshal(retryMessage{RequestID: id, RetryAt: at})
	x.publishLocked(NotifyRetry, string(msg))
	return nil
}

func (x *MemoryIndex) PromoteScheduled(ctx context.Context) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := time.Now()
	nowMs := now.UnixMilli()
	var moved []string
	for id, due := range x.scheduled {
		if due <= nowMs {
			delete(x.scheduled, id)
			x.pushPendingLocked(id, priorityScore(neutralPriority, now))
			moved = append(moved, id)
		}
	}
	if len(moved) > 0 {
		x.publishLocked(NotifyNewRequest, fmt.Sprintf("promoted:%d", len(moved)))
	}
	return moved, nil
}

func (x *MemoryIndex) MarkComplete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.processing, id)
	delete(x.snapshots, id)
	return nil
}

func (x *MemoryIndex) MoveToDead(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.processing, id)
	x.dead[id] = time.Now().UnixMilli()
	return nil
}

func (x *MemoryIndex) RetryDead(ctx context.Context, r *store.Request) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.dead, r.ID)
	if err := x.storeSnapshotLocked(r); err != nil {
		return err
	}
	x.pushPendingLocked(r.ID, priorityScore(r.Priority, time.Now()))
	x.publishLocked(NotifyNewRequest, r.ID)
	return nil
}

func (x *MemoryIndex) Cancel(ctx context.Context, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := false
	if x.pendingSet[id] {
		delete(x.pendingSet, id) // heap entry is skipped lazily on pop
		removed = true
	}
	if _, ok := x.scheduled[id]; ok {
		delete(x.scheduled, id)
		removed = true
	}
	if removed {
		delete(x.snapshots, id)
	}
	return removed, nil
}

func (x *MemoryIndex) ReclaimOrphans(ctx context.Context, olderThan time.Duration) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan).UnixMilli()
	var moved []string
	for id, claimed := range x.processing {
		if claimed <= cutoff {
			delete(x.processing, id)
			x.pushPendingLocked(id, priorityScore(neutralPriority, now))
			moved = append(moved, id)
		}
	}
	if len(moved) > 0 {
		x.publishLocked(NotifyNewRequest, fmt.Sprintf("promoted:%d", len(moved)))
	}
	return moved, nil
}

func (x *MemoryIndex) Counts(ctx context.Context) (Counts, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Counts{
		Pending:    int64(len(x.pendingSet)),
		Scheduled:  int64(len(x.scheduled)),
		Processing: int64(len(x.processing)),
		Dead:       int64(len(x.dead)),
	}, nil
}

func (x *MemoryIndex) RateLimit(ctx context.Context, scope string, ratePerSec float64, burst int) (RateResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := time.Now()
	b, ok := x.buckets[scope]
	if !ok {
		b = &memoryBucket{tokens: float64(burst), lastUpdate: now}
		x.buckets[scope] = b
	}
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = math.Min(float64(burst), b.tokens+elapsed*ratePerSec)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return RateResult{Allowed: true}, nil
	}
	waitMs := math.Ceil((1 - b.tokens) / ratePerSec * 1000)
	return RateResult{
		Allowed:    false,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

func (x *MemoryIndex) GetBreaker(ctx context.Context, host string) (*BreakerSnapshot, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	snap, ok := x.breakers[host]
	if !ok {
		return nil, nil
	}
	snapCopy := *snap
	return &snapCopy, nil
}

func (x *MemoryIndex) UpdateBreaker(ctx context.Context, host string, fn func(*BreakerSnapshot) *BreakerSnapshot) (*BreakerSnapshot, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var current *BreakerSnapshot
	if snap, ok := x.breakers[host]; ok {
		snapCopy := *snap
		current = &snapCopy
	}
	next := fn(current)
	if next == nil {
		delete(x.breakers, host)
		return nil, nil
	}
	nextCopy := *next
	x.breakers[host] = &nextCopy
	return next, nil
}

func (x *MemoryIndex) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := time.Now()
	if l, ok := x.locks[resource]; ok && l.expires.After(now) {
		return "", nil
	}
	token := uuid.NewString()
	x.locks[resource] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (x *MemoryIndex) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	l, ok := x.locks[resource]
	if !ok || l.token != token {
		return false, nil
	}
	delete(x.locks, resource)
	return true, nil
}

type memorySubscription struct {
	index *MemoryIndex
	ch    chan Notification
	once  sync.Once
}

func (s *memorySubscription) C() <-chan Notification { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.index.mu.Lock()
		defer s.index.mu.Unlock()
		if s.index.subs[s] {
			delete(s.index.subs, s)
			close(s.ch)
		}
	})
	return nil
}

func (x *MemoryIndex) Subscribe(ctx context.Context) (Subscription, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sub := &memorySubscription{index: x, ch: make(chan Notification, 64)}
	x.subs[sub] = true
	return sub, nil
}

var _ Index = (*MemoryIndex)(nil)
var _ Index = (*RedisIndex)(nil)
