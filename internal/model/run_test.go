package model

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^INC-[0-9A-F]{8}$`), NewID("INC"))
	assert.NotEqual(t, NewID("RUN"), NewID("RUN"))
}

func TestNewTestRunKeepsPlanOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []PlanItem{
		{TestID: "TEST-B", Name: "Second by id"},
		{Name: "Unnamed id"},
		{TestID: "TEST-A"},
	}

	run := NewTestRun(items, "INC-1", now)

	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "INC-1", run.IncidentID)
	assert.Equal(t, now, run.StartedAt)
	require.Len(t, run.Tests, 3)

	assert.Equal(t, "TEST-B", run.Tests[0].TestID)
	assert.Equal(t, "TEST-002", run.Tests[1].TestID)
	assert.Equal(t, "Unnamed id", run.Tests[1].Name)
	assert.Equal(t, "Test 3", run.Tests[2].Name)
	for _, item := range run.Tests {
		assert.Equal(t, TestPending, item.Status)
		assert.Equal(t, now, item.LastUpdateAt)
	}
}

func TestRunAggregates(t *testing.T) {
	run := &TestRun{Tests: []TestItem{{Status: TestPass}, {Status: TestPass}}}
	assert.True(t, run.AllTerminal())
	assert.True(t, run.AllPassed())

	run.Tests = append(run.Tests, TestItem{Status: TestFail}, TestItem{Status: TestRunning})
	assert.False(t, run.AllTerminal())
	assert.False(t, run.AllPassed())
	assert.Equal(t, map[TestStatus]int{TestPending: 0, TestRunning: 1, TestPass: 2, TestFail: 1}, run.Counts())
}

func TestCloneIsDeep(t *testing.T) {
	id := "INC-1"
	inc := &Incident{
		IncidentID: id,
		MonitorSummary: MonitorSummary{
			EvidenceLinks: []EvidenceLink{{Label: "dash", URL: "http://x"}},
		},
		Plan: Plan{Items: []PlanItem{{
			TestID: "TEST-001",
			Target: Target{Headers: map[string]string{"A": "1"}, BodyJSON: map[string]any{"k": "v"}},
		}}},
	}

	c := inc.Clone()
	c.MonitorSummary.EvidenceLinks[0].Label = "changed"
	c.Plan.Items[0].Target.Headers["A"] = "2"
	c.Plan.Items[0].Target.BodyJSON["k"] = "w"

	assert.Equal(t, "dash", inc.MonitorSummary.EvidenceLinks[0].Label)
	assert.Equal(t, "1", inc.Plan.Items[0].Target.Headers["A"])
	assert.Equal(t, "v", inc.Plan.Items[0].Target.BodyJSON["k"])

	run := &TestRun{Tests: []TestItem{{Status: TestPending}}}
	rc := run.Clone()
	rc.Tests[0].Status = TestPass
	assert.Equal(t, TestPending, run.Tests[0].Status)

	st := SystemStatus{ActiveIncidentID: &id}
	sc := st.Clone()
	*sc.ActiveIncidentID = "INC-2"
	assert.Equal(t, "INC-1", id)

	assert.Nil(t, (*TestRun)(nil).Clone())
	assert.Nil(t, (*Incident)(nil).Clone())
}

func TestIsMutation(t *testing.T) {
	assert.False(t, MethodGet.IsMutation())
	assert.True(t, MethodPost.IsMutation())
	assert.True(t, MethodPut.IsMutation())
	assert.True(t, MethodDelete.IsMutation())
}

func TestEventEnvelopeJSON(t *testing.T) {
	ev := PlanGeneratedEvent("INC-1", Plan{PlanID: "PLAN-1", Items: []PlanItem{}})

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "plan.generated", decoded["type"])
	assert.Contains(t, decoded, "ts")

	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "INC-1", payload["incident_id"])
	assert.Equal(t, "PLAN-1", payload["plan"].(map[string]any)["plan_id"])
}

func TestSystemStatusSerializesNullIncident(t *testing.T) {
	data, err := json.Marshal(SystemStatus{Status: StatusHealthy})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active_incident_id":null`)
}

func TestIncidentSummaryWireField(t *testing.T) {
	data, err := json.Marshal(&Incident{IncidentID: "INC-1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "datadog_summary")
	assert.NotContains(t, decoded, "monitor_summary")
}
