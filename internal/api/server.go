// SPDX-License-Identifier: MIT

// Package api exposes the reliability primitives over HTTP: saga
// control, breaker stats and overrides, lock diagnostics and event
// store queries.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/plantlens/reliability/internal/breaker"
	"github.com/plantlens/reliability/internal/eventstore"
	"github.com/plantlens/reliability/internal/health"
	"github.com/plantlens/reliability/internal/lock"
	"github.com/plantlens/reliability/internal/saga"
)

// Server wires the reliability components into an HTTP surface.
type Server struct {
	sagas    *saga.Orchestrator
	breakers *breaker.Registry
	locks    *lock.Manager
	events   *eventstore.Store
	health   *health.Manager

	rateLimitPerMin int
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit overrides the per-IP request budget per minute.
func WithRateLimit(requestsPerMinute int) Option {
	return func(s *Server) { s.rateLimitPerMin = requestsPerMinute }
}

// NewServer creates the API server. All dependencies are required.
func NewServer(
	sagas *saga.Orchestrator,
	breakers *breaker.Registry,
	locks *lock.Manager,
	events *eventstore.Store,
	healthMgr *health.Manager,
	opts ...Option,
) *Server {
	s := &Server{
		sagas:           sagas,
		breakers:        breakers,
		locks:           locks,
		events:          events,
		health:          healthMgr,
		rateLimitPerMin: 600,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router. Probes and metrics sit outside the rate
// limiter so orchestration never gets throttled away from them.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(s.rateLimitPerMin))

		r.Post("/sagas/{sagaID}/start", s.handleStartSaga)
		r.Get("/sagas/instances/{instanceID}", s.handleSagaInstance)

		r.Get("/breakers", s.handleListBreakers)
		r.Get("/breakers/{name}", s.handleBreakerStats)
		r.Post("/breakers/{name}/state", s.handleForceBreakerState)

		r.Get("/locks/{key}", s.handleLockInfo)

		r.Get("/events", s.handleQueryEvents)
		r.Get("/events/{id}", s.handleGetEvent)
	})

	return otelhttp.NewHandler(r, "reliabilityd")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Error: code, Detail: detail})
}
