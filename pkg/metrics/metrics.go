package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Prediction API client metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Workflow metrics
	WorkflowTransitions *prometheus.CounterVec
	ValidationFailures  *prometheus.CounterVec
	StaleResults        *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	ChartsRendered      prometheus.Counter

	// Audit metrics
	AuditEvents *prometheus.CounterVec
	AuditPurged prometheus.Counter
}

// NewMetrics creates and registers all application metrics on reg.
// A nil reg registers on the default registry.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "prediction_api_requests_total",
			Help:      "Total number of Prediction API calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		APILatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "prediction_api_duration_seconds",
			Help:      "Duration of Prediction API calls",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),

		WorkflowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_transitions_total",
			Help:      "Total number of intake workflow state transitions",
		}, []string{"from", "to"}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_validation_failures_total",
			Help:      "Total number of submissions blocked by local validation",
		}, []string{"field"}),
		StaleResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_stale_results_total",
			Help:      "Completed calls discarded because the workflow moved on",
		}, []string{"operation"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Current number of intake sessions",
		}),
		ChartsRendered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "charts_rendered_total",
			Help:      "Total number of growth charts drawn",
		}),

		AuditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_events_total",
			Help:      "Total number of workflow events recorded",
		}, []string{"type", "status"}),
		AuditPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_events_purged_total",
			Help:      "Total number of audit rows removed by retention cleanup",
		}),
	}
}

// New creates metrics on a private registry, for tests and tools.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, "", prometheus.NewRegistry())
}
