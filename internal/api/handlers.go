// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plantlens/reliability/internal/breaker"
	"github.com/plantlens/reliability/internal/eventstore"
	"github.com/plantlens/reliability/internal/saga"
)

func (s *Server) handleStartSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	var input map[string]any
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1 MiB")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	instanceID, err := s.sagas.Start(r.Context(), sagaID, input)
	if errors.Is(err, saga.ErrUnknownSaga) {
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_start_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": instanceID})
}

func (s *Server) handleSagaInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	inst, err := s.sagas.Status(r.Context(), instanceID)
	if errors.Is(err, saga.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, "instance_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "instance_lookup_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Stats()})
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	b, ok := s.breakers.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "breaker_not_found", "no breaker named "+name)
		return
	}
	writeJSON(w, http.StatusOK, b.Stats())
}

func (s *Server) handleForceBreakerState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		State breaker.State `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	switch req.State {
	case breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen:
	default:
		writeError(w, http.StatusBadRequest, "invalid_state", "state must be closed, open or half_open")
		return
	}

	b, ok := s.breakers.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "breaker_not_found", "no breaker named "+name)
		return
	}

	b.ForceState(req.State)
	writeJSON(w, http.StatusOK, b.Stats())
}

func (s *Server) handleLockInfo(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	info, err := s.locks.Info(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lock_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	evt, err := s.events.Get(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	if correlationID := params.Get("correlationId"); correlationID != "" {
		events, err := s.events.ByCorrelation(r.Context(), correlationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "event_query_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
		return
	}

	eventType := params.Get("type")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "missing_filter", "either type or correlationId is required")
		return
	}

	q := eventstore.Query{}
	var err error
	if q.Start, err = parseTimeParam(params.Get("start")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}
	if q.End, err = parseTimeParam(params.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
		return
	}
	if q.Limit, err = parseIntParam(params.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if q.Offset, err = parseIntParam(params.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}

	events, err := s.events.ByType(r.Context(), eventType, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event_query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
