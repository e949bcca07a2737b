package metrics

import "github.com/prometheus/client_golang/prometheus"

// RetentionMetrics tracks the retention engine.
//
// Metrics:
//   - custodian_retention_records_total: records archived or deleted by class and task
//   - custodian_retention_runs_total: runs by kind and status
//   - custodian_retention_run_duration_seconds: run duration by kind
//   - custodian_retention_last_run_timestamp_seconds: completion time of the last run
//   - custodian_retention_task_failures_total: failed tasks by class and task
//   - custodian_retention_tracked_records: records per class and tier at the last snapshot
type RetentionMetrics struct {
	records      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lastRun      *prometheus.GaugeVec
	taskFailures *prometheus.CounterVec
	tracked      *prometheus.GaugeVec
}

// NewRetentionMetrics creates and registers retention metrics.
func NewRetentionMetrics(namespace string, registry *prometheus.Registry) *RetentionMetrics {
	rm := &RetentionMetrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "records_total",
			Help:      "Records archived or deleted by retention tasks",
		}, []string{"entity_class", "task"}),

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Completed retention runs",
		}, []string{"kind", "status"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of retention runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),

		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each kind completed",
		}, []string{"kind"}),

		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "task_failures_total",
			Help:      "Failed retention tasks",
		}, []string{"entity_class", "task"}),

		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "tracked_records",
			Help:      "Records per class and tier at the last snapshot",
		}, []string{"entity_class", "tier"}),
	}

	registry.MustRegister(rm.records, rm.runs, rm.runDuration, rm.lastRun, rm.taskFailures, rm.tracked)
	return rm
}
