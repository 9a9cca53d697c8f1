package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverylab/validator/internal/broadcast"
	"github.com/recoverylab/validator/internal/controller"
	"github.com/recoverylab/validator/internal/demoapp"
	"github.com/recoverylab/validator/internal/generator"
	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
	"github.com/recoverylab/validator/internal/monitor"
	"github.com/recoverylab/validator/internal/pipeline"
	"github.com/recoverylab/validator/internal/state"
	"github.com/recoverylab/validator/internal/target"
)

type testEnv struct {
	srv   *Server
	store *state.Store
	ctrl  *controller.Controller
	demo  *demoapp.Service
	pipe  *pipeline.Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	demo := demoapp.NewService()
	demoTS := httptest.NewServer(demo.Router())
	t.Cleanup(demoTS.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := broadcast.NewHub(m)
	t.Cleanup(hub.Close)

	store := state.New(hub, target.NewClient(demoTS.URL, target.DefaultMaxAttempts), state.Options{})
	pipe := pipeline.New(store, pipeline.Options{WarmUp: time.Millisecond, Pacing: time.Millisecond, Metrics: m})
	t.Cleanup(pipe.Shutdown)

	ctrl := controller.New(store, monitor.NewMockClient(), generator.NewFallback(demoTS.URL), pipe, hub, controller.Options{Metrics: m})

	return &testEnv{
		srv:   NewServer(store, ctrl, hub, reg),
		store: store,
		ctrl:  ctrl,
		demo:  demo,
		pipe:  pipe,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHandleRootAndHealth(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Recovery Validation Orchestrator")

	rr = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestHandleStatus(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	st := decode[model.SystemStatus](t, rr)
	assert.Equal(t, model.StatusHealthy, st.Status)
	assert.Nil(t, st.ActiveIncidentID)
	assert.Contains(t, rr.Body.String(), `"active_incident_id":null`)
}

func TestHandleToggleBugSyncsTarget(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/api/demo/bug", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	st := decode[model.SystemStatus](t, rr)
	assert.Equal(t, 100.0, st.ErrorRate5m)
	assert.Equal(t, 5000.0, st.P95LatencyMs5m)
	assert.True(t, e.demo.BugEnabled())

	rr = e.do(t, http.MethodPost, "/api/demo/bug", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/demo/bug", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSimulateAndRunTestsFlow(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/incidents/current", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", strings.TrimSpace(rr.Body.String()))

	rr = e.do(t, http.MethodPost, "/api/tests/run", `{"incident_id": "INC-NONE"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "no plan available")

	rr = e.do(t, http.MethodPost, "/api/incidents/simulate", `{"mode": "INCIDENT_ON"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	inc := decode[model.Incident](t, rr)
	assert.Equal(t, "Checkout Service Failure - Simulated", inc.Title)

	e.ctrl.WaitPlans()

	rr = e.do(t, http.MethodPost, "/api/tests/run", `{"incident_id": "`+inc.IncidentID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	run := decode[model.TestRun](t, rr)
	assert.Equal(t, model.RunQueued, run.Status)
	assert.Len(t, run.Tests, 5)

	e.pipe.Wait()

	rr = e.do(t, http.MethodGet, "/api/tests/runs/"+run.RunID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	final := decode[model.TestRun](t, rr)
	assert.Equal(t, model.RunCompleted, final.Status)

	rr = e.do(t, http.MethodGet, "/api/tests/runs/RUN-UNKNOWN", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/incidents/simulate", `{"mode": "INCIDENT_OFF"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", strings.TrimSpace(rr.Body.String()))

	rr = e.do(t, http.MethodPost, "/api/incidents/simulate", `{"mode": "SIDEWAYS"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAskCopilot(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/api/copilot/ask", `{"question": "What broke?"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	answer := decode[model.CopilotAnswer](t, rr)
	assert.Equal(t, "What broke?", answer.Question)
	assert.NotEmpty(t, answer.Citations)

	rr = e.do(t, http.MethodPost, "/api/copilot/ask", `{"question": ""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleMonitorWebhook(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/internal/monitor/webhook", `{"alert_id": "1", "alert_transition": "Triggered", "error_rate": 30}`)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", resp["status"])
	assert.NotNil(t, resp["incident_id"])
	assert.Equal(t, model.StatusIncidentActive, e.store.Status().Status)
	e.ctrl.WaitPlans()

	rr = e.do(t, http.MethodPost, "/internal/datadog/webhook", `{"alert_transition": "Recovered"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decode[map[string]any](t, rr)["incident_id"])

	rr = e.do(t, http.MethodPost, "/internal/monitor/webhook", `{"alert_id": "2"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleDashboardAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.store.CreateIncident("", 100, 5000)

	rr := e.do(t, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "Error rate %")

	rr = e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "recovery_validator_broadcast_subscribers")
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodOptions, "/api/status", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketReceivesSnapshotAndEvents(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev struct {
		Type    model.EventType `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventSystemStatus, ev.Type)

	// registration completes just after the snapshot write returns
	require.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		e.srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rr.Body.String(), "recovery_validator_broadcast_subscribers 1")
	}, 2*time.Second, 10*time.Millisecond)

	e.store.CreateIncident("ws", 100, 5000)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventSystemStatus, ev.Type)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventIncidentCreated, ev.Type)
}
