// Package pipeline executes validation plans as live HTTP probes.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
)

const (
	DefaultWarmUp       = 500 * time.Millisecond
	DefaultPacing       = 300 * time.Millisecond
	DefaultProbeTimeout = 10 * time.Second

	statusAbandoned = "ABANDONED"
)

// Store is the part of the state store the pipeline reports to.
type Store interface {
	StartTestRun(run *model.TestRun)
	UpdateTestRun(run *model.TestRun) bool
	BugState() (enabled bool, toggledAt time.Time)
	TestRun(runID string) *model.TestRun
}

type Options struct {
	WarmUp       time.Duration
	Pacing       time.Duration
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Pipeline tracks in-flight runs in a registry keyed by run id. Starting a
// run abandons every run still in flight; an abandoned run stops probing and
// never reports again.
type Pipeline struct {
	store Store
	opts  Options

	// startMu orders registration with store.StartTestRun so the store's
	// current run is always the newest registered one.
	startMu sync.Mutex

	mu    sync.RWMutex
	tasks map[string]*task

	wg sync.WaitGroup
}

type task struct {
	items  []model.PlanItem
	run    *model.TestRun // owned by the executing goroutine
	cancel context.CancelFunc

	abandoned atomic.Bool

	// snapshot is the last reported state, guarded by Pipeline.mu.
	snapshot *model.TestRun
}

func New(store Store, opts Options) *Pipeline {
	if opts.WarmUp == 0 {
		opts.WarmUp = DefaultWarmUp
	}
	if opts.Pacing == 0 {
		opts.Pacing = DefaultPacing
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		store: store,
		opts:  opts,
		tasks: make(map[string]*task),
	}
}

// Run returns a queued run with every item pending and executes it in the
// background. The run outlives ctx's cancellation; only superseding it or
// the store dropping it stops execution.
func (p *Pipeline) Run(ctx context.Context, items []model.PlanItem, incidentID string) *model.TestRun {
	plan := model.Plan{Items: items}.Clone().Items
	run := model.NewTestRun(plan, incidentID, p.opts.Now())

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		items:    plan,
		run:      run,
		cancel:   cancel,
		snapshot: run.Clone(),
	}

	p.startMu.Lock()
	p.mu.Lock()
	for id, prev := range p.tasks {
		slog.Info("Abandoning superseded test run", "run_id", id, "superseded_by", run.RunID)
		prev.abandoned.Store(true)
		prev.cancel()
	}
	p.tasks[run.RunID] = t
	p.mu.Unlock()
	p.store.StartTestRun(run.Clone())
	p.startMu.Unlock()

	slog.Info("Queued test run", "run_id", run.RunID, "incident_id", incidentID, "items", len(plan))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(execCtx, t)
	}()

	return run.Clone()
}

// PollStatus returns the tracked run, else the store's run with the same id,
// else nil.
func (p *Pipeline) PollStatus(runID string) *model.TestRun {
	if runID == "" {
		return nil
	}

	p.mu.RLock()
	t, ok := p.tasks[runID]
	var snapshot *model.TestRun
	if ok {
		snapshot = t.snapshot.Clone()
	}
	p.mu.RUnlock()

	if ok {
		return snapshot
	}
	return p.store.TestRun(runID)
}

// Active returns the number of runs still executing.
func (p *Pipeline) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tasks)
}

// Wait blocks until every started run has finished or been abandoned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Shutdown abandons all in-flight runs and waits for them to exit.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	for _, t := range p.tasks {
		t.abandoned.Store(true)
		t.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) execute(ctx context.Context, t *task) {
	defer p.retire(t)
	defer t.cancel()

	if !sleep(ctx, p.opts.WarmUp) || !p.live(t) {
		return
	}

	t.run.Status = model.RunRunning
	if !p.push(t) {
		return
	}

	bugEnabled, _ := p.store.BugState()

	for i := range t.run.Tests {
		item := &t.run.Tests[i]

		item.Status = model.TestRunning
		item.LastUpdateAt = p.opts.Now()
		if !p.push(t) {
			return
		}

		if !sleep(ctx, p.opts.Pacing) || !p.live(t) {
			return
		}

		outcome := p.runItem(ctx, t, item.TestID, bugEnabled)
		if !p.live(t) {
			return
		}

		item.Status = outcome.Status
		item.Details = outcome.Details
		item.LastUpdateAt = p.opts.Now()
		p.opts.Metrics.ProbeResults.WithLabelValues(string(outcome.Status)).Inc()
		if !p.push(t) {
			return
		}
	}

	if t.run.AllPassed() {
		t.run.Status = model.RunCompleted
	} else {
		t.run.Status = model.RunFailed
	}
	p.push(t)
}

func (p *Pipeline) runItem(ctx context.Context, t *task, testID string, bugEnabled bool) Outcome {
	var planItem *model.PlanItem
	for i := range t.items {
		if t.items[i].TestID == testID {
			planItem = &t.items[i]
			break
		}
	}
	if planItem == nil {
		return fail("Test item not found in plan")
	}

	start := time.Now()
	outcome := Probe(ctx, p.opts.HTTPClient, *planItem, bugEnabled, p.opts.ProbeTimeout)
	p.opts.Metrics.ProbeDuration.Observe(time.Since(start).Seconds())

	slog.Debug("Probe finished",
		"run_id", t.run.RunID,
		"test_id", testID,
		"status", outcome.Status,
		"details", outcome.Details)
	return outcome
}

// push reports the run to the store. A rejected update means the store has
// moved on to another run or dropped the incident, so the task is abandoned.
func (p *Pipeline) push(t *task) bool {
	if !p.live(t) {
		return false
	}

	snapshot := t.run.Clone()
	p.mu.Lock()
	t.snapshot = snapshot
	p.mu.Unlock()

	if !p.store.UpdateTestRun(snapshot.Clone()) {
		slog.Info("Store rejected test run update, abandoning run", "run_id", t.run.RunID)
		t.abandoned.Store(true)
		return false
	}
	return true
}

func (p *Pipeline) live(t *task) bool {
	return !t.abandoned.Load()
}

func (p *Pipeline) retire(t *task) {
	p.mu.Lock()
	delete(p.tasks, t.run.RunID)
	p.mu.Unlock()

	status := string(t.run.Status)
	if t.abandoned.Load() {
		status = statusAbandoned
	}
	p.opts.Metrics.RunsFinished.WithLabelValues(status).Inc()
	slog.Info("Test run finished", "run_id", t.run.RunID, "status", status)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
