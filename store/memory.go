package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with plain maps. It backs single-node
// deployments without Postgres and the test suite.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*StoredRequest
	attempts map[string][]*Attempt
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*StoredRequest),
		attempts: make(map[string][]*Attempt),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) SaveRequest(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *MemoryStore) saveLocked(r *Request) error {
	if _, exists := s.requests[r.ID]; exists {
		return ErrConflict
	}
	now := time.Now()
	reqCopy := *r
	s.requests[r.ID] = &StoredRequest{
		Request: reqCopy,
		State: State{
			Status:    r.InitialStatus(now),
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) SaveRequestBatch(ctx context.Context, rs []*Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// all-or-nothing: check conflicts before writing anything
	for _, r := range rs {
		if _, exists := s.requests[r.ID]; exists {
			return ErrConflict
		}
	}
	for _, r := range rs {
		if err := s.saveLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*StoredRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	srCopy := *sr
	return &srCopy, nil
}

func (s *MemoryStore) UpdateRequestStatus(ctx context.Context, id string, status Status, patch StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	for _, st := range patch.UnlessStatus {
		if sr.Status == st {
			return ErrSuperseded
		}
	}

	sr.Status = status
	if patch.Attempts != nil {
		if *patch.Attempts == 0 || *patch.Attempts > sr.Attempts {
			sr.Attempts = *patch.Attempts
		}
	}
	if patch.LastAttemptAt != nil {
		t := *patch.LastAttemptAt
		sr.LastAttemptAt = &t
	}
	if patch.NextRetryAt != nil {
		t := *patch.NextRetryAt
		sr.NextRetryAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		sr.CompletedAt = &t
	}
	if patch.Error != nil {
		sr.Error = *patch.Error
	}
	if patch.Response != nil {
		resp := *patch.Response
		sr.Response = &resp
	}
	if patch.ClearError {
		sr.Error = ""
	}
	if patch.ClearNextRetry {
		sr.NextRetryAt = nil
	}
	sr.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) LogAttempt(ctx context.Context, id string, attemptNumber int, out AttemptOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id] = append(s.attempts[id], &Attempt{
		RequestID:       id,
		AttemptNumber:   attemptNumber,
		StatusCode:      out.StatusCode,
		DurationMs:      out.DurationMs,
		Error:           out.Error,
		ResponseHeaders: out.ResponseHeaders,
		CreatedAt:       time.Now(),
	})
	return nil
}

func (s *MemoryStore) GetAttempts(ctx context.Context, id string) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Attempt, 0, len(s.attempts[id]))
	for _, a := range s.attempts[id] {
		aCopy := *a
		out = append(out, &aCopy)
	}
	return out, nil
}

func (s *MemoryStore) GetRequestsByStatus(ctx context.Context, q ListQuery) ([]*StoredRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*StoredRequest
	for _, sr := range s.requests {
		if q.Status != "" && sr.Status != q.Status {
			continue
		}
		if q.Host != "" && !strings.Contains(sr.URL, q.Host) {
			continue
		}
		srCopy := *sr
		matched = append(matched, &srCopy)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, sr := range s.requests {
		switch sr.Status {
		case StatusPending:
			st.Pending++
		case StatusScheduled:
			st.Scheduled++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusDead:
			st.Dead++
		case StatusCancelled:
			st.Cancelled++
		}
	}

	var totalMs int64
	for _, attempts := range s.attempts {
		for _, a := range attempts {
			totalMs += a.DurationMs
			st.RecordedAttempts++
		}
	}
	if st.RecordedAttempts > 0 {
		st.AvgProcessingMs = float64(totalMs) / float64(st.RecordedAttempts)
	}
	finished := st.Completed + st.Failed + st.Dead
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	return &st, nil
}

func (s *MemoryStore) cleanup(status Status, days int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	var removed int64
	for id, sr := range s.requests {
		if sr.Status == status && sr.UpdatedAt.Before(cutoff) {
			delete(s.requests, id)
			delete(s.attempts, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) CleanupCompleted(ctx context.Context, days int) (int64, error) {
	return s.cleanup(StatusCompleted, days), nil
}

func (s *MemoryStore) CleanupDead(ctx context.Context, days int) (int64, error) {
	return s.cleanup(StatusDead, days), nil
}

// WithTransaction runs fn directly; the memory store has no isolation
// beyond its mutex.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}
