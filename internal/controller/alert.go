package controller

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/recoverylab/validator/internal/model"
)

// MonitorAlert is the webhook body a monitor posts when an alert changes
// state.
type MonitorAlert struct {
	AlertID      string   `json:"alert_id"`
	Title        string   `json:"title"`
	Transition   string   `json:"alert_transition" validate:"required"`
	Service      string   `json:"service"`
	ErrorRate    *float64 `json:"error_rate" validate:"omitempty,gte=0"`
	P95LatencyMs *float64 `json:"p95_latency_ms" validate:"omitempty,gte=0"`
}

// Triggered reports whether the alert fired (or re-fired).
func (a MonitorAlert) Triggered() bool {
	t := strings.ToLower(a.Transition)
	return t == "triggered" || t == "re-triggered"
}

// HandleMonitorAlert opens an incident for a triggered alert while the
// system is HEALTHY, following the same path as the detection loop. It
// returns the new incident, or nil when nothing was opened.
func (c *Controller) HandleMonitorAlert(alert MonitorAlert) *model.Incident {
	logger := slog.With("alert_id", alert.AlertID, "transition", alert.Transition)

	if !alert.Triggered() {
		logger.Info("Ignoring monitor alert transition")
		return nil
	}
	bug := c.store.ReadBug()
	current := c.store.Status()
	if current.Status != model.StatusHealthy {
		logger.Info("Incident already in progress, ignoring alert", "status", current.Status)
		return nil
	}

	errorRate, p95 := current.ErrorRate5m, current.P95LatencyMs5m
	if alert.ErrorRate != nil {
		errorRate = *alert.ErrorRate
	}
	if alert.P95LatencyMs != nil {
		p95 = *alert.P95LatencyMs
	}

	title := alert.Title
	if title == "" {
		title = fmt.Sprintf("Checkout Service Failure - %.1f%% error rate", errorRate)
	}

	inc := c.store.CreateIncidentIfHealthy(title, errorRate, p95, bug)
	if inc == nil {
		logger.Info("State changed while handling alert, not opening incident")
		return nil
	}
	c.metrics.IncidentsOpened.WithLabelValues("webhook").Inc()
	logger.Info("Incident opened from monitor alert", "incident_id", inc.IncidentID)

	c.generatePlanAsync(inc)
	return inc
}
