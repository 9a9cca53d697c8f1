// Package detection runs the periodic incident detection loop.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
	"github.com/recoverylab/validator/internal/monitor"
	"github.com/recoverylab/validator/internal/state"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultIngestionLag = 60 * time.Second
	DefaultThreshold    = 5.0 // percent

	SourceLocal   = "local"
	SourceMonitor = "monitor"
)

type Store interface {
	Service() string
	Status() model.SystemStatus
	ReadBug() state.BugReading
	CreateIncidentIfHealthy(title string, errorRate, p95LatencyMs float64, seen state.BugReading) *model.Incident
}

type Options struct {
	Interval     time.Duration
	IngestionLag time.Duration
	Threshold    float64
	Metrics      *metrics.Metrics
	Now          func() time.Time

	// OnIncident runs after an incident is opened. It must not block.
	OnIncident func(inc *model.Incident)
}

// Decision is the outcome of one detection pass.
type Decision struct {
	Open           bool
	Source         string
	ErrorRate      float64
	P95LatencyMs   float64
	TopError       string
	MonitorQueried bool

	// Bug is the toggle reading the decision was based on.
	Bug state.BugReading
}

type Loop struct {
	store   Store
	monitor monitor.Monitor
	opts    Options
}

func New(store Store, mon monitor.Monitor, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.IngestionLag == 0 {
		opts.IngestionLag = DefaultIngestionLag
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.OnIncident == nil {
		opts.OnIncident = func(*model.Incident) {}
	}
	return &Loop{store: store, monitor: mon, opts: opts}
}

// Start ticks until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	slog.Info("Starting incident detection loop", "interval", l.opts.Interval)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping incident detection loop")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one detection pass and opens an incident when it fires. It
// returns the new incident, or nil. Failures are logged, never returned.
func (l *Loop) Tick(ctx context.Context) (inc *model.Incident) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Error in incident detection loop", "error", fmt.Sprint(r))
			l.opts.Metrics.DetectionTicks.WithLabelValues("error").Inc()
			inc = nil
		}
	}()

	if st := l.store.Status().Status; st != model.StatusHealthy {
		l.opts.Metrics.DetectionTicks.WithLabelValues("skipped").Inc()
		slog.Debug("Detection skipped", "status", st)
		return nil
	}

	d := l.Detect(ctx)
	if !d.Open {
		l.opts.Metrics.DetectionTicks.WithLabelValues("healthy").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	inc = l.store.CreateIncidentIfHealthy(
		fmt.Sprintf("Checkout Service Failure - %.1f%% error rate", d.ErrorRate),
		d.ErrorRate, d.P95LatencyMs, d.Bug)
	if inc == nil {
		l.opts.Metrics.DetectionTicks.WithLabelValues("skipped").Inc()
		slog.Info("Detection outdated by a state change, not opening incident", "source", d.Source)
		return nil
	}
	l.opts.Metrics.DetectionTicks.WithLabelValues("incident").Inc()
	l.opts.Metrics.IncidentsOpened.WithLabelValues("detection").Inc()
	slog.Info("Incident detected",
		"incident_id", inc.IncidentID,
		"source", d.Source,
		"error_rate", d.ErrorRate,
		"p95_latency_ms", d.P95LatencyMs)

	l.opts.OnIncident(inc)
	return inc
}

// Detect decides whether an incident should open, without mutating state.
//
// The local signal comes from the bug toggle and wins outright: the monitor
// is only consulted when it does not fire. The monitor is skipped for
// IngestionLag after a toggle flip, unless the bug is enabled.
func (l *Loop) Detect(ctx context.Context) Decision {
	bug := l.store.ReadBug()
	localRate, localP95 := state.BugMetrics(bug.Enabled)

	d := Decision{Bug: bug}
	if localRate > l.opts.Threshold {
		d.Open = true
		d.Source = SourceLocal
		d.ErrorRate = localRate
		d.P95LatencyMs = localP95
		return d
	}

	inLag := !bug.ToggledAt.IsZero() && l.opts.Now().Sub(bug.ToggledAt) < l.opts.IngestionLag
	if inLag && !bug.Enabled {
		slog.Debug("Skipping monitor query during ingestion lag", "toggled_at", bug.ToggledAt)
		return d
	}

	signal := l.monitor.QueryRecentSignal(ctx, l.store.Service())
	d.MonitorQueried = true
	if signal.ErrorRate5m > l.opts.Threshold {
		d.Open = true
		d.Source = SourceMonitor
		d.ErrorRate = signal.ErrorRate5m
		d.P95LatencyMs = signal.P95LatencyMs5m
		d.TopError = signal.TopError
	}
	return d
}
