// Package controller wires the detection loop, plan generation and the
// execution pipeline around the state store.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/recoverylab/validator/internal/detection"
	"github.com/recoverylab/validator/internal/generator"
	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
	"github.com/recoverylab/validator/internal/monitor"
	"github.com/recoverylab/validator/internal/pipeline"
	"github.com/recoverylab/validator/internal/state"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrNoPlan           = errors.New("no plan available")
)

const (
	ModeOn          = "ON"
	ModeOff         = "OFF"
	ModeIncidentOn  = "INCIDENT_ON"
	ModeIncidentOff = "INCIDENT_OFF"

	simulatedTitle = "Checkout Service Failure - Simulated"
	planTimeout    = 2 * time.Minute
)

type Options struct {
	DetectionInterval time.Duration
	IngestionLag      time.Duration
	Metrics           *metrics.Metrics
}

type Controller struct {
	store    *state.Store
	gen      generator.Generator
	pipeline *pipeline.Pipeline
	loop     *detection.Loop
	sink     state.Sink
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// background plan generation
	plans sync.WaitGroup
}

// New builds a controller. sink receives copilot answers; the store has its
// own sink for state events.
func New(store *state.Store, mon monitor.Monitor, gen generator.Generator, pipe *pipeline.Pipeline, sink state.Sink, opts Options) *Controller {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	c := &Controller{
		store:    store,
		gen:      gen,
		pipeline: pipe,
		sink:     sink,
		metrics:  opts.Metrics,
	}
	c.loop = detection.New(store, mon, detection.Options{
		Interval:     opts.DetectionInterval,
		IngestionLag: opts.IngestionLag,
		Metrics:      opts.Metrics,
		OnIncident:   c.generatePlanAsync,
	})
	return c
}

// Start launches the detection loop. Calling it again while running is a
// no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	done := c.done
	go func() {
		defer close(done)
		c.loop.Start(ctx)
	}()
	slog.Info("Validation controller started")
}

// Stop cancels the detection loop and waits for it to exit. In-flight test
// runs and plan generation are left alone.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("Validation controller stopped")
}

// Running reports whether the detection loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// WaitPlans blocks until every background plan generation has finished.
func (c *Controller) WaitPlans() {
	c.plans.Wait()
}

// SimulateIncident forces an incident on or off. It reports false only for
// an unknown mode.
func (c *Controller) SimulateIncident(mode string) bool {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case ModeOn, ModeIncidentOn:
		slog.Info("Simulating incident")
		inc := c.store.CreateIncident(simulatedTitle, 100.0, 5000.0)
		c.metrics.IncidentsOpened.WithLabelValues("simulate").Inc()
		c.generatePlanAsync(inc)
		return true
	case ModeOff, ModeIncidentOff:
		slog.Info("Clearing simulated incident")
		c.store.ClearIncident()
		return true
	default:
		slog.Error("Unknown simulation mode", "mode", mode)
		return false
	}
}

// RunValidationTests starts a run of the current incident's plan. The
// supplied incident id is not required to match: the run always targets the
// incident that is active now.
func (c *Controller) RunValidationTests(ctx context.Context, incidentID string) (*model.TestRun, error) {
	inc := c.store.CurrentIncident()
	if inc == nil {
		return nil, ErrIncidentNotFound
	}
	if len(inc.Plan.Items) == 0 {
		return nil, ErrNoPlan
	}
	if incidentID != "" && incidentID != inc.IncidentID {
		slog.Warn("Requested incident is not the active one, running against the active incident",
			"requested", incidentID, "incident_id", inc.IncidentID)
	}

	slog.Info("Starting validation tests", "incident_id", inc.IncidentID, "items", len(inc.Plan.Items))
	return c.pipeline.Run(ctx, inc.Plan.Items, inc.IncidentID), nil
}

// PollTestRun returns a run by id from the pipeline or the store.
func (c *Controller) PollTestRun(runID string) *model.TestRun {
	return c.pipeline.PollStatus(runID)
}

// AskCopilot answers a question with the current incident and run as
// context, and broadcasts the answer.
func (c *Controller) AskCopilot(ctx context.Context, question string, incidentID *string) model.CopilotAnswer {
	answer := c.gen.GenerateAnswer(ctx, generator.AnswerRequest{
		IncidentID: incidentID,
		Question:   question,
		Incident:   c.store.CurrentIncident(),
		Run:        c.store.TestRun(""),
	})
	if c.sink != nil {
		c.sink.Broadcast(model.CopilotAnswerEvent(answer))
	}
	return answer
}

// generatePlanAsync generates a plan for inc without blocking the caller.
// The plan only attaches if inc is still the current incident.
func (c *Controller) generatePlanAsync(inc *model.Incident) {
	c.plans.Add(1)
	go func() {
		defer c.plans.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Error generating plan", "incident_id", inc.IncidentID, "error", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), planTimeout)
		defer cancel()
		c.generatePlan(ctx, inc)
	}()
}

func (c *Controller) generatePlan(ctx context.Context, inc *model.Incident) {
	slog.Info("Generating recovery validation plan", "incident_id", inc.IncidentID)

	items := c.gen.GeneratePlan(ctx, generator.PlanContext{
		IncidentID: inc.IncidentID,
		Title:      inc.Title,
		Signal:     inc.MonitorSummary.Signal,
	})

	updated := c.store.UpdatePlanFor(inc.IncidentID, items)
	if updated == nil || updated.IncidentID != inc.IncidentID {
		slog.Warn("Incident changed before plan was ready, discarding plan", "incident_id", inc.IncidentID)
		return
	}
	slog.Info("Plan generated", "incident_id", inc.IncidentID, "items", len(items))
}
