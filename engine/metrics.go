package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives execution measurements.
type Metrics interface {
	ObserveExecution(transitionID, outcome string, duration time.Duration)
	ObserveAction(action, outcome string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveExecution(string, string, time.Duration) {}
func (noopMetrics) ObserveAction(string, string, time.Duration)    {}

const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeDeferred = "deferred"
)

// PrometheusMetrics records executions and action runs as prometheus series.
type PrometheusMetrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	actionDuration    *prometheus.HistogramVec
}

// NewPrometheusMetrics registers engine collectors on reg, or the default registerer when nil.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_executions_total",
			Help: "Total number of transition executions by transition and outcome",
		}, []string{"transition", "outcome"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transition_execution_duration_seconds",
			Help:    "Duration of transition executions by transition and outcome",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"transition", "outcome"}),
		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transition_action_duration_seconds",
			Help:    "Duration of action runs by action and outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"action", "outcome"}),
	}
}

func (m *PrometheusMetrics) ObserveExecution(transitionID, outcome string, duration time.Duration) {
	transitionID = sanitizeLabel(transitionID)
	m.executions.WithLabelValues(transitionID, outcome).Inc()
	m.executionDuration.WithLabelValues(transitionID, outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveAction(action, outcome string, duration time.Duration) {
	m.actionDuration.WithLabelValues(sanitizeLabel(action), outcome).Observe(duration.Seconds())
}

func sanitizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
