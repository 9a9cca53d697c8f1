// Package metrics holds the Prometheus instruments shared by the detection
// loop, the execution pipeline and the broadcaster.
//
// A Metrics value is registered against the Registerer it is built with, so
// tests can use a fresh prometheus.NewRegistry() per case.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recovery_validator"

type Metrics struct {
	// DetectionTicks counts detection loop ticks by outcome (healthy, incident, skipped, error).
	DetectionTicks *prometheus.CounterVec

	// IncidentsOpened counts incidents by source (detection, simulate, webhook).
	IncidentsOpened *prometheus.CounterVec

	// ProbeResults counts executed plan items by result (PASS, FAIL).
	ProbeResults *prometheus.CounterVec

	// ProbeDuration observes HTTP probe latency.
	ProbeDuration prometheus.Histogram

	// RunsFinished counts test runs by final status (COMPLETED, FAILED, ABANDONED).
	RunsFinished *prometheus.CounterVec

	// Subscribers tracks live broadcast subscribers.
	Subscribers prometheus.Gauge

	// SubscribersPruned counts subscribers dropped after a failed send.
	SubscribersPruned prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DetectionTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "ticks_total",
			Help:      "Detection loop ticks by outcome",
		}, []string{"outcome"}),
		IncidentsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened by source",
		}, []string{"source"}),
		ProbeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "probe_results_total",
			Help:      "Executed plan items by result",
		}, []string{"result"}),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "probe_duration_seconds",
			Help:      "HTTP probe latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Test runs by final status",
		}, []string{"status"}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Live broadcast subscribers",
		}),
		SubscribersPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers dropped after a failed send",
		}),
	}
}

// Discard returns instruments registered against a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
