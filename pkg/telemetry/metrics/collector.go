package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/config"
)

// Collector owns the Prometheus registry and every Custodian metric.
// It satisfies the Metrics interfaces of the archive pipeline, the
// subject workflow and the reporter, so one value is passed to all three.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	retention *RetentionMetrics
	subject   *SubjectMetrics
	http      *HTTPMetrics
}

// NewCollector creates a collector. A nil registry gets a fresh one with
// the Go runtime and process collectors registered.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		enabled:   config.IsEnabled(cfg.Enabled, true),
		registry:  registry,
		retention: NewRetentionMetrics(cfg.Namespace, registry),
		subject:   NewSubjectMetrics(cfg.Namespace, registry),
		http:      NewHTTPMetrics(cfg.Namespace, registry),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordsProcessed counts records archived or deleted by a retention task.
func (c *Collector) RecordsProcessed(class compliance.EntityClass, task string, n int64) {
	if !c.enabled || n <= 0 {
		return
	}
	c.retention.records.WithLabelValues(string(class), task).Add(float64(n))
}

// RunCompleted records a finished scheduled or manual run.
func (c *Collector) RunCompleted(kind compliance.RunKind, duration time.Duration, failedTasks int) {
	if !c.enabled {
		return
	}
	status := "ok"
	if failedTasks > 0 {
		status = "partial"
	}
	c.retention.runs.WithLabelValues(string(kind), status).Inc()
	c.retention.runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	c.retention.lastRun.WithLabelValues(string(kind)).SetToCurrentTime()
}

// TaskFailed counts a failed retention task.
func (c *Collector) TaskFailed(class compliance.EntityClass, task string) {
	if !c.enabled {
		return
	}
	c.retention.taskFailures.WithLabelValues(string(class), task).Inc()
}

// SnapshotUpdated publishes per-class record counts.
func (c *Collector) SnapshotUpdated(s *compliance.ComplianceSnapshot) {
	if !c.enabled || s == nil {
		return
	}
	for class, counts := range s.Classes {
		c.retention.tracked.WithLabelValues(string(class), string(compliance.TierActive)).Set(float64(counts.Active))
		c.retention.tracked.WithLabelValues(string(class), string(compliance.TierArchive)).Set(float64(counts.Archived))
	}
}

// SubjectRequest records a subject-rights operation.
func (c *Collector) SubjectRequest(operation, outcome string, duration time.Duration) {
	if !c.enabled {
		return
	}
	c.subject.requests.WithLabelValues(operation, outcome).Inc()
	c.subject.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveHTTP records one served API request. route is the matched
// pattern, never the raw path, so subject ids stay out of label values.
func (c *Collector) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if !c.enabled {
		return
	}
	c.http.observe(route, method, status, duration)
}
