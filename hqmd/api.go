package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/itskum47/hqm/engine"
	"github.com/itskum47/hqm/store"
)

// API exposes the engine over HTTP.
type API struct {
	engine  *engine.Engine
	durable store.Store
}

func NewAPI(e *engine.Engine, durable store.Store) *API {
	return &API{engine: e, durable: durable}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type enqueueRequest struct {
	ID           string            `json:"id,omitempty"`
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Priority     *int              `json:"priority,omitempty"`
	MaxRetries   *int              `json:"maxRetries,omitempty"`
	TimeoutMs    *int64            `json:"timeoutMs,omitempty"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

func (in enqueueRequest) toInput() engine.EnqueueInput {
	return engine.EnqueueInput{
		ID:           in.ID,
		URL:          in.URL,
		Method:       in.Method,
		Headers:      in.Headers,
		Body:         in.Body,
		Priority:     in.Priority,
		MaxRetries:   in.MaxRetries,
		TimeoutMs:    in.TimeoutMs,
		ScheduledFor: in.ScheduledFor,
		Metadata:     in.Metadata,
	}
}

func enqueueStatus(err error) int {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var in enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.engine.Enqueue(r.Context(), in.toInput())
	if err != nil {
		writeError(w, enqueueStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var ins []enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&ins); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inputs := make([]engine.EnqueueInput, len(ins))
	for i, in := range ins {
		inputs[i] = in.toInput()
	}
	res, err := a.engine.EnqueueMany(r.Context(), inputs)
	if err != nil {
		writeError(w, enqueueStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	sr, err := a.engine.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sr == nil {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (a *API) handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := a.durable.GetAttempts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (a *API) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	err := a.engine.RetryDeadRequest(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]bool{"requeued": true})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrNotDead):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleBackpressure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.GetBackpressureState())
}

func (a *API) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}
	requests, err := a.engine.GetDeadLetterRequests(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (a *API) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	status, err := a.engine.BreakerState(r.Context(), r.PathValue("host"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	if err := a.engine.ResetBreaker(r.Context(), host); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("breaker for %s reset via admin API", host)
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Resume(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (a *API) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /requests", a.handleEnqueue)
	mux.HandleFunc("POST /requests/batch", a.handleEnqueueBatch)
	mux.HandleFunc("GET /requests/{id}", a.handleGetRequest)
	mux.HandleFunc("GET /requests/{id}/attempts", a.handleGetAttempts)
	mux.HandleFunc("POST /requests/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /requests/{id}/retry", a.handleRetryDead)

	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("GET /backpressure", a.handleBackpressure)
	mux.HandleFunc("GET /dead-letter", a.handleDeadLetter)

	mux.HandleFunc("GET /breakers/{host}", a.handleBreakerState)
	mux.HandleFunc("POST /admin/breakers/{host}/reset", a.handleBreakerReset)
	mux.HandleFunc("POST /admin/pause", a.handlePause)
	mux.HandleFunc("POST /admin/resume", a.handleResume)
}
