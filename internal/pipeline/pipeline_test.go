package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverylab/validator/internal/demoapp"
	"github.com/recoverylab/validator/internal/generator"
	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
	"github.com/recoverylab/validator/internal/state"
)

func fastOptions(m *metrics.Metrics) Options {
	return Options{
		WarmUp:       time.Millisecond,
		Pacing:       time.Millisecond,
		ProbeTimeout: 2 * time.Second,
		Metrics:      m,
	}
}

func newDemo(t *testing.T, bug bool) (*demoapp.Service, *httptest.Server) {
	t.Helper()
	svc := demoapp.NewService()
	svc.SetBug(bug)
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)
	return svc, ts
}

func TestRunReturnsQueuedRunImmediately(t *testing.T) {
	_, ts := newDemo(t, false)
	store := state.New(nil, nil, state.Options{})
	p := New(store, Options{WarmUp: time.Hour})
	defer p.Shutdown()

	run := p.Run(context.Background(), generator.FallbackPlan(ts.URL), "INC-1")

	assert.Equal(t, model.RunQueued, run.Status)
	assert.Equal(t, "INC-1", run.IncidentID)
	require.Len(t, run.Tests, 5)
	for _, item := range run.Tests {
		assert.Equal(t, model.TestPending, item.Status)
	}

	current := store.TestRun("")
	require.NotNil(t, current)
	assert.Equal(t, run.RunID, current.RunID)
	assert.Equal(t, 1, p.Active())
}

// Scenario B: with the bug enabled, a POST /checkout item passes on the
// expected 500 and GET /health passes on 200.
func TestRunWithBugEnabled(t *testing.T) {
	_, ts := newDemo(t, true)
	store := state.New(nil, nil, state.Options{})
	store.ToggleBug(context.Background(), true)
	inc := store.CreateIncident("", 100, 5000)
	store.UpdatePlan(generator.FallbackPlan(ts.URL))

	m := metrics.Discard()
	p := New(store, fastOptions(m))
	run := p.Run(context.Background(), store.CurrentIncident().Plan.Items, inc.IncidentID)
	require.Len(t, run.Tests, 5)

	p.Wait()

	final := store.TestRun(run.RunID)
	require.NotNil(t, final)
	assert.Equal(t, model.TestPass, final.Tests[0].Status, final.Tests[0].Details)
	assert.Contains(t, final.Tests[0].Details, "HTTP 200")
	assert.Equal(t, model.TestPass, final.Tests[2].Status, final.Tests[2].Details)
	assert.Contains(t, final.Tests[2].Details, "500 as expected")
	assert.Equal(t, model.RunCompleted, final.Status)
	assert.Equal(t, model.StatusRecovered, store.Status().Status)

	assert.Equal(t, 0, p.Active())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ProbeResults.WithLabelValues("PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("COMPLETED")))
}

func TestRunFailsWhenCheckoutMismatches(t *testing.T) {
	// Store believes the bug is on, target has it off.
	_, ts := newDemo(t, false)
	store := state.New(nil, nil, state.Options{})
	store.ToggleBug(context.Background(), true)
	inc := store.CreateIncident("", 100, 5000)

	p := New(store, fastOptions(nil))
	run := p.Run(context.Background(), generator.FallbackPlan(ts.URL), inc.IncidentID)
	p.Wait()

	final := store.TestRun(run.RunID)
	require.NotNil(t, final)
	assert.Equal(t, model.TestFail, final.Tests[2].Status)
	assert.Equal(t, "Expected 500 when bug is enabled, got 200", final.Tests[2].Details)
	assert.Equal(t, model.RunFailed, final.Status)
	assert.Equal(t, model.StatusIncidentActive, store.Status().Status)
}

func TestRunMissingPlanItem(t *testing.T) {
	_, ts := newDemo(t, false)
	store := state.New(nil, nil, state.Options{})
	p := New(store, fastOptions(nil))

	items := []model.PlanItem{{
		Name:   "No id",
		Type:   model.TypeAPI,
		Target: model.Target{Method: model.MethodGet, URL: ts.URL + "/health"},
	}}
	run := p.Run(context.Background(), items, "")
	p.Wait()

	final := store.TestRun(run.RunID)
	require.NotNil(t, final)
	assert.Equal(t, "TEST-001", final.Tests[0].TestID)
	assert.Equal(t, model.TestFail, final.Tests[0].Status)
	assert.Equal(t, "Test item not found in plan", final.Tests[0].Details)
}

func blockingServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	entered := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	return ts, entered
}

func slowItem(url string) []model.PlanItem {
	return []model.PlanItem{{
		TestID: "TEST-001",
		Name:   "Slow",
		Type:   model.TypeAPI,
		Target: model.Target{Method: model.MethodGet, URL: url},
	}}
}

func TestSupersededRunIsAbandoned(t *testing.T) {
	slow, entered := blockingServer(t)
	_, demo := newDemo(t, false)
	store := state.New(nil, nil, state.Options{})
	m := metrics.Discard()
	p := New(store, fastOptions(m))

	first := p.Run(context.Background(), slowItem(slow.URL), "")
	<-entered

	second := p.Run(context.Background(), generator.FallbackPlan(demo.URL)[:2], "")
	p.Wait()

	current := store.TestRun("")
	require.NotNil(t, current)
	assert.Equal(t, second.RunID, current.RunID)
	assert.Equal(t, model.RunCompleted, current.Status)
	assert.Nil(t, store.TestRun(first.RunID))
	assert.Nil(t, p.PollStatus(first.RunID))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("ABANDONED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("COMPLETED")))
}

func TestRunStopsWhenStoreDropsIt(t *testing.T) {
	slow, entered := blockingServer(t)
	store := state.New(nil, nil, state.Options{})
	inc := store.CreateIncident("", 100, 5000)

	m := metrics.Discard()
	p := New(store, Options{WarmUp: time.Millisecond, Pacing: time.Millisecond, ProbeTimeout: 300 * time.Millisecond, Metrics: m})
	items := append(slowItem(slow.URL), slowItem(slow.URL)[0])
	items[1].TestID = "TEST-002"
	p.Run(context.Background(), items, inc.IncidentID)
	<-entered

	store.ClearIncident()
	p.Wait()

	assert.Nil(t, store.TestRun(""))
	assert.Equal(t, model.StatusHealthy, store.Status().Status)
	assert.Equal(t, 0, p.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("ABANDONED")))
}

func TestPollStatus(t *testing.T) {
	slow, entered := blockingServer(t)
	store := state.New(nil, nil, state.Options{})
	p := New(store, fastOptions(nil))

	run := p.Run(context.Background(), slowItem(slow.URL), "")
	<-entered

	tracked := p.PollStatus(run.RunID)
	require.NotNil(t, tracked)
	assert.Equal(t, model.RunRunning, tracked.Status)
	assert.Equal(t, model.TestRunning, tracked.Tests[0].Status)

	assert.Nil(t, p.PollStatus("RUN-UNKNOWN"))
	assert.Nil(t, p.PollStatus(""))

	p.Shutdown()

	// retired from tracking, still the store's current run
	fromStore := p.PollStatus(run.RunID)
	require.NotNil(t, fromStore)
	assert.Equal(t, run.RunID, fromStore.RunID)
}
