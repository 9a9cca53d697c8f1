package model

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a short upper-case identifier such as INC-1A2B3C4D.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()[:8]))
}

// NewTestRun builds a queued run with one pending item per plan item, in plan order.
func NewTestRun(items []PlanItem, incidentID string, now time.Time) *TestRun {
	tests := make([]TestItem, 0, len(items))
	for i, item := range items {
		id := item.TestID
		if id == "" {
			id = fmt.Sprintf("TEST-%03d", i+1)
		}
		name := item.Name
		if name == "" {
			name = fmt.Sprintf("Test %d", i+1)
		}
		tests = append(tests, TestItem{
			TestID:       id,
			Name:         name,
			Status:       TestPending,
			LastUpdateAt: now,
		})
	}
	return &TestRun{
		RunID:      NewID("RUN"),
		IncidentID: incidentID,
		StartedAt:  now,
		Status:     RunQueued,
		Tests:      tests,
	}
}

// AllTerminal reports whether every item reached PASS or FAIL.
func (r *TestRun) AllTerminal() bool {
	for _, t := range r.Tests {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllPassed reports whether every item is PASS.
func (r *TestRun) AllPassed() bool {
	for _, t := range r.Tests {
		if t.Status != TestPass {
			return false
		}
	}
	return true
}

// Counts returns the number of items in each status.
func (r *TestRun) Counts() map[TestStatus]int {
	counts := map[TestStatus]int{TestPending: 0, TestRunning: 0, TestPass: 0, TestFail: 0}
	for _, t := range r.Tests {
		counts[t.Status]++
	}
	return counts
}

func (r *TestRun) Clone() *TestRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Tests = append([]TestItem(nil), r.Tests...)
	return &c
}

func (p Plan) Clone() Plan {
	c := p
	c.Items = make([]PlanItem, len(p.Items))
	for i, item := range p.Items {
		c.Items[i] = item.Clone()
	}
	return c
}

func (i PlanItem) Clone() PlanItem {
	c := i
	c.Target.Headers = maps.Clone(i.Target.Headers)
	c.Target.BodyJSON = maps.Clone(i.Target.BodyJSON)
	return c
}

func (inc *Incident) Clone() *Incident {
	if inc == nil {
		return nil
	}
	c := *inc
	c.MonitorSummary.EvidenceLinks = append([]EvidenceLink(nil), inc.MonitorSummary.EvidenceLinks...)
	c.Plan = inc.Plan.Clone()
	return &c
}

func (s SystemStatus) Clone() SystemStatus {
	c := s
	if s.ActiveIncidentID != nil {
		id := *s.ActiveIncidentID
		c.ActiveIncidentID = &id
	}
	return c
}
