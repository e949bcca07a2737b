package metrics

import "github.com/prometheus/client_golang/prometheus"

// SubjectMetrics tracks subject-rights requests by operation and outcome.
type SubjectMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewSubjectMetrics creates and registers subject request metrics.
func NewSubjectMetrics(namespace string, registry *prometheus.Registry) *SubjectMetrics {
	sm := &SubjectMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subject",
			Name:      "requests_total",
			Help:      "Subject-rights requests by operation and outcome",
		}, []string{"operation", "outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subject",
			Name:      "request_duration_seconds",
			Help:      "Duration of subject-rights requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
	}

	registry.MustRegister(sm.requests, sm.duration)
	return sm
}
