package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives job lifecycle measurements.
type Metrics interface {
	JobEnqueued(queue string)
	JobFinished(queue string)
	JobRetried(queue string, attempt int)
	JobFrozen(queue string)
	ObserveAttempt(queue string, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) JobEnqueued(string)                          {}
func (noopMetrics) JobFinished(string)                          {}
func (noopMetrics) JobRetried(string, int)                      {}
func (noopMetrics) JobFrozen(string)                            {}
func (noopMetrics) ObserveAttempt(string, time.Duration, error) {}

// PrometheusMetrics exposes job counters and attempt durations.
type PrometheusMetrics struct {
	jobs     *prometheus.CounterVec
	attempts *prometheus.HistogramVec
}

// NewPrometheusMetrics registers dispatcher collectors on reg, or the default registerer when nil.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_jobs_total",
			Help: "Transition jobs by queue and lifecycle event",
		}, []string{"queue", "event"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transition_job_attempt_duration_seconds",
			Help:    "Duration of async job attempts by queue and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),
	}
}

func (m *PrometheusMetrics) JobEnqueued(queue string) {
	m.jobs.WithLabelValues(queue, "enqueued").Inc()
}

func (m *PrometheusMetrics) JobFinished(queue string) {
	m.jobs.WithLabelValues(queue, "finished").Inc()
}

func (m *PrometheusMetrics) JobRetried(queue string, _ int) {
	m.jobs.WithLabelValues(queue, "retried").Inc()
}

func (m *PrometheusMetrics) JobFrozen(queue string) {
	m.jobs.WithLabelValues(queue, "frozen").Inc()
}

func (m *PrometheusMetrics) ObserveAttempt(queue string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.attempts.WithLabelValues(queue, outcome).Observe(duration.Seconds())
}
