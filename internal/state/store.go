// Package state holds the single source of truth for system status, the
// current incident and the current test run.
//
// Every mutator holds the store lock for its whole critical section and
// broadcasts the post-mutation snapshot before releasing it, so subscribers
// observe changes in exactly the order they were applied. The target service
// is never called while the lock is held.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recoverylab/validator/internal/model"
)

const (
	DefaultService      = "demo-checkout"
	DefaultMonitorID    = "MON-12345"
	DefaultDashboardURL = "https://app.datadoghq.com/dashboard/demo-checkout"

	historyLimit = 360
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Sink receives every event the store emits.
type Sink interface {
	Broadcast(ev model.Event)
}

// BugSwitch synchronizes the fault toggle on the service under test.
type BugSwitch interface {
	SyncBug(ctx context.Context, desired bool) (bool, error)
}

type Options struct {
	Service      string
	MonitorID    string
	DashboardURL string
	Now          func() time.Time
}

// BugReading is the fault toggle as of one read. Version increases on every
// toggle, so two readings with the same Version saw the same toggle.
type BugReading struct {
	Enabled   bool
	ToggledAt time.Time
	Version   uint64
}

type Store struct {
	mu sync.Mutex

	// toggleMu serializes target synchronization, which runs outside mu.
	toggleMu sync.Mutex

	sink      Sink
	bugSwitch BugSwitch
	opts      Options

	status       model.SystemStatus
	incident     *model.Incident
	run          *model.TestRun
	bugEnabled   bool
	bugToggledAt time.Time
	bugVersion   uint64
	history      []model.Sample
}

// New builds a healthy store. bugSwitch may be nil, in which case the bug
// toggle is local-only.
func New(sink Sink, bugSwitch BugSwitch, opts Options) *Store {
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.MonitorID == "" {
		opts.MonitorID = DefaultMonitorID
	}
	if opts.DashboardURL == "" {
		opts.DashboardURL = DefaultDashboardURL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if sink == nil {
		sink = discardSink{}
	}

	return &Store{
		sink:      sink,
		bugSwitch: bugSwitch,
		opts:      opts,
		status: model.SystemStatus{
			Status:    model.StatusHealthy,
			UpdatedAt: opts.Now(),
		},
	}
}

// BugMetrics derives the synthetic error rate (percent) and p95 latency (ms)
// implied by the fault toggle.
func BugMetrics(enabled bool) (errorRate, p95LatencyMs float64) {
	if enabled {
		return 100.0, 5000.0
	}
	return 0.0, 50.0
}

func (s *Store) Service() string {
	return s.opts.Service
}

func (s *Store) Status() model.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone()
}

// WithStatus calls fn with the current status while holding the store lock,
// so no mutation or its broadcast can happen until fn returns. fn must not
// call back into the store.
func (s *Store) WithStatus(fn func(model.SystemStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.status.Clone())
}

func (s *Store) CurrentIncident() *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incident.Clone()
}

// TestRun returns the current run when runID is empty or matches it.
func (s *Store) TestRun(runID string) *model.TestRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return nil
	}
	if runID == "" || s.run.RunID == runID {
		return s.run.Clone()
	}
	return nil
}

// BugState returns the local toggle belief and when it was last set.
func (s *Store) BugState() (enabled bool, toggledAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bugEnabled, s.bugToggledAt
}

func (s *Store) ReadBug() BugReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BugReading{Enabled: s.bugEnabled, ToggledAt: s.bugToggledAt, Version: s.bugVersion}
}

func (s *Store) History() []model.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Sample(nil), s.history...)
}

// SetStatus changes the status and optionally the metrics. Transitions that
// would break the rule "active incident id is set iff status is not HEALTHY"
// are rejected; use CreateIncident and ClearIncident for those.
func (s *Store) SetStatus(status model.Status, errorRate, p95LatencyMs *float64) (model.SystemStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasIncident := s.incident != nil
	if (status == model.StatusHealthy) == hasIncident {
		return s.status.Clone(), fmt.Errorf("%w: %s with incident active=%t", ErrInvalidTransition, status, hasIncident)
	}

	s.status.Status = status
	if errorRate != nil {
		s.status.ErrorRate5m = *errorRate
	}
	if p95LatencyMs != nil {
		s.status.P95LatencyMs5m = *p95LatencyMs
	}
	s.publishStatus()
	return s.status.Clone(), nil
}

// ToggleBug synchronizes the target's fault toggle, then applies the derived
// metrics. Disabling the bug while an incident is active is a recovery
// signal: the incident and its run are dropped and status returns to HEALTHY
// in the same critical section.
func (s *Store) ToggleBug(ctx context.Context, enabled bool) model.SystemStatus {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	actual := enabled
	if s.bugSwitch != nil {
		got, err := s.bugSwitch.SyncBug(ctx, enabled)
		if err != nil {
			slog.Warn("Could not reach target service, using local state", "error", err)
		} else {
			actual = got
		}
	}
	errorRate, p95 := BugMetrics(actual)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bugEnabled = actual
	s.bugToggledAt = s.opts.Now()
	s.bugVersion++
	s.status.ErrorRate5m = errorRate
	s.status.P95LatencyMs5m = p95

	if !enabled && s.incident != nil {
		slog.Info("Bug disabled, clearing active incident", "incident_id", s.incident.IncidentID)
		s.incident = nil
		s.run = nil
		s.status.Status = model.StatusHealthy
		s.status.ActiveIncidentID = nil
	}

	s.publishStatus()
	return s.status.Clone()
}

// CreateIncident opens a new incident with an empty plan, replacing any
// existing one.
func (s *Store) CreateIncident(title string, errorRate, p95LatencyMs float64) *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createIncidentLocked(title, errorRate, p95LatencyMs)
}

// CreateIncidentIfHealthy opens an incident only while the system is still
// HEALTHY and the fault toggle has not moved since seen was read. It returns
// nil without mutating anything otherwise.
func (s *Store) CreateIncidentIfHealthy(title string, errorRate, p95LatencyMs float64, seen BugReading) *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Status != model.StatusHealthy {
		slog.Debug("Not opening incident, system is not healthy", "status", s.status.Status)
		return nil
	}
	if s.bugVersion != seen.Version {
		slog.Info("Not opening incident, bug toggle changed since detection",
			"seen_version", seen.Version, "version", s.bugVersion, "bug_enabled", s.bugEnabled)
		return nil
	}
	return s.createIncidentLocked(title, errorRate, p95LatencyMs)
}

func (s *Store) createIncidentLocked(title string, errorRate, p95LatencyMs float64) *model.Incident {
	now := s.opts.Now()
	id := model.NewID("INC")
	if title == "" {
		title = fmt.Sprintf("Checkout Service Failure - %s", id)
	}

	var topError string
	if errorRate > 0 {
		topError = "Checkout endpoint returning 500"
	}

	if s.incident != nil {
		slog.Info("Replacing active incident", "previous", s.incident.IncidentID, "incident_id", id)
	}

	s.incident = &model.Incident{
		IncidentID: id,
		Title:      title,
		DetectedAt: now,
		MonitorSummary: model.MonitorSummary{
			MonitorID: s.opts.MonitorID,
			Service:   s.opts.Service,
			Signal: model.Signal{
				ErrorRate5m:    errorRate,
				P95LatencyMs5m: p95LatencyMs,
				TopError:       topError,
			},
			EvidenceLinks: []model.EvidenceLink{
				{Label: "Datadog Dashboard", URL: s.opts.DashboardURL},
			},
		},
		Plan: model.Plan{
			PlanID:      model.NewID("PLAN"),
			GeneratedAt: now,
			Items:       []model.PlanItem{},
		},
	}
	s.run = nil

	s.status.Status = model.StatusIncidentActive
	s.status.ActiveIncidentID = &id
	s.status.ErrorRate5m = errorRate
	s.status.P95LatencyMs5m = p95LatencyMs

	s.publishStatus()
	s.sink.Broadcast(model.IncidentCreatedEvent(s.incident.Clone()))
	return s.incident.Clone()
}

// UpdatePlan replaces the current incident's plan items. It is a no-op
// returning nil when no incident is active.
func (s *Store) UpdatePlan(items []model.PlanItem) *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePlanLocked(items)
}

// UpdatePlanFor is UpdatePlan restricted to the given incident; it leaves a
// different current incident untouched.
func (s *Store) UpdatePlanFor(incidentID string, items []model.PlanItem) *model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.incident == nil || s.incident.IncidentID != incidentID {
		slog.Warn("No matching incident to attach plan to", "incident_id", incidentID)
		return s.incident.Clone()
	}
	return s.updatePlanLocked(items)
}

func (s *Store) updatePlanLocked(items []model.PlanItem) *model.Incident {
	if s.incident == nil {
		return nil
	}

	plan := model.Plan{Items: items}.Clone()
	s.incident.Plan.Items = plan.Items
	s.incident.Plan.GeneratedAt = s.opts.Now()

	s.publishStatus()
	s.sink.Broadcast(model.PlanGeneratedEvent(s.incident.IncidentID, s.incident.Plan.Clone()))
	return s.incident.Clone()
}

// StartTestRun registers a freshly queued run as the current one,
// superseding any previous run. With an incident active the status moves to
// VALIDATING.
func (s *Store) StartTestRun(run *model.TestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.run = run.Clone()
	if s.incident != nil {
		s.status.Status = model.StatusValidating
	}

	s.publishStatus()
	s.sink.Broadcast(model.TestsUpdatedEvent(s.run.Clone()))
}

// UpdateTestRun stores a progress snapshot of the current run. Snapshots of
// any other run are stale and dropped; the return value reports whether the
// update was applied. Status changes only once every item is terminal:
// RECOVERED when all passed, INCIDENT_ACTIVE otherwise.
func (s *Store) UpdateTestRun(run *model.TestRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.RunID != run.RunID {
		slog.Debug("Dropping update for stale test run", "run_id", run.RunID)
		return false
	}

	s.run = run.Clone()
	if s.incident != nil && len(s.run.Tests) > 0 && s.run.AllTerminal() {
		if s.run.AllPassed() {
			s.status.Status = model.StatusRecovered
		} else {
			s.status.Status = model.StatusIncidentActive
		}
	}

	s.publishStatus()
	s.sink.Broadcast(model.TestsUpdatedEvent(s.run.Clone()))
	return true
}

// ClearIncident drops the incident and run and resets to the healthy
// zero state.
func (s *Store) ClearIncident() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incident = nil
	s.run = nil
	s.status.Status = model.StatusHealthy
	s.status.ActiveIncidentID = nil
	s.status.ErrorRate5m = 0
	s.status.P95LatencyMs5m = 0

	s.publishStatus()
}

// publishStatus stamps the status, records a history sample and broadcasts.
// Callers hold mu.
func (s *Store) publishStatus() {
	now := s.opts.Now()
	s.status.UpdatedAt = now

	s.history = append(s.history, model.Sample{
		At:             now,
		Status:         s.status.Status,
		ErrorRate5m:    s.status.ErrorRate5m,
		P95LatencyMs5m: s.status.P95LatencyMs5m,
	})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	s.sink.Broadcast(model.SystemStatusEvent(s.status.Clone()))
}

type discardSink struct{}

func (discardSink) Broadcast(model.Event) {}
