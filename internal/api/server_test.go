// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlens/reliability/internal/breaker"
	"github.com/plantlens/reliability/internal/eventstore"
	"github.com/plantlens/reliability/internal/health"
	"github.com/plantlens/reliability/internal/lock"
	"github.com/plantlens/reliability/internal/persistence/sqlite"
	"github.com/plantlens/reliability/internal/saga"
)

type testEnv struct {
	server *Server
	router http.Handler
	sagas  *saga.Orchestrator
	locks  *lock.Manager
	events *eventstore.Store
	redis  *miniredis.Miniredis
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	events, err := eventstore.NewStore(db)
	require.NoError(t, err)

	registry, err := breaker.NewRegistry(breaker.DefaultConfig())
	require.NoError(t, err)

	orchestrator := saga.NewOrchestrator(saga.NewMemoryStore())
	locks := lock.NewManager(client)

	healthMgr := health.NewManager("test")
	healthMgr.RegisterChecker(health.NewRedisChecker(client))

	srv := NewServer(orchestrator, registry, locks, events, healthMgr, opts...)
	return &testEnv{
		server: srv,
		router: srv.Routes(),
		sagas:  orchestrator,
		locks:  locks,
		events: events,
		redis:  mr,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestStartSagaAndPollInstance(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sagas.Register(saga.Definition{
		ID:   "oee-batch",
		Name: "OEE batch",
		Steps: []saga.Step{
			{ID: "calc", Name: "calc", Execute: func(context.Context, *saga.Context) error { return nil }},
		},
	}))

	rec := env.do(t, http.MethodPost, "/api/v1/sagas/oee-batch/start", `{"equipmentId":"press-3"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	instanceID := started["instanceId"]
	require.NotEmpty(t, instanceID)

	env.sagas.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/sagas/instances/"+instanceID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var inst saga.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, "press-3", inst.Context["equipmentId"])
}

func TestStartUnknownSaga404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/sagas/nope/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "saga_not_found")
}

func TestStartSagaRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/sagas/any/start", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSagaInstance404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/sagas/instances/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "instance_not_found")
}

func TestBreakerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.server.breakers.Get("erp")

	rec := env.do(t, http.MethodGet, "/api/v1/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"erp"`)

	rec = env.do(t, http.MethodGet, "/api/v1/breakers/erp", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats breaker.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, breaker.StateClosed, stats.State)

	rec = env.do(t, http.MethodGet, "/api/v1/breakers/mes", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceBreakerState(t *testing.T) {
	env := newTestEnv(t)
	env.server.breakers.Get("erp")

	rec := env.do(t, http.MethodPost, "/api/v1/breakers/erp/state", `{"state":"open"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats breaker.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, breaker.StateOpen, stats.State)

	rec = env.do(t, http.MethodPost, "/api/v1/breakers/erp/state", `{"state":"smoldering"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/breakers/mes/state", `{"state":"open"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	l, err := env.locks.Acquire(ctx, "line-4", lock.Options{TTL: time.Minute})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/locks/line-4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info lock.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Exists)
	assert.Equal(t, l.Token, info.Token)

	rec = env.do(t, http.MethodGet, "/api/v1/locks/line-5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.Exists)
}

func TestEventEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stored, err := env.events.Append(ctx, eventstore.Event{
		Type:          "defect.recorded",
		AggregateID:   "batch-9",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"severity":"major"}`),
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/events/"+stored.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evt eventstore.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evt))
	assert.Equal(t, "defect.recorded", evt.Type)

	rec = env.do(t, http.MethodGet, "/api/v1/events/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/events?type=defect.recorded", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, http.MethodGet, "/api/v1/events?correlationId=corr-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/events?type=x&start=lastweek", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz503WhenRedisDown(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Close()

	rec := env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRateLimit429(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2))

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/breakers", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/breakers", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Probes bypass the limiter.
	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
