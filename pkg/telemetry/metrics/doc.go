// Package metrics exposes Custodian's Prometheus metrics.
//
// A single Collector is created at startup and handed to the archive
// pipeline, the subject workflow, the reporter and the HTTP server. Label
// values are drawn from closed sets (entity classes, task names,
// operations, outcomes, route patterns); subject ids never appear in
// labels.
//
//	collector := metrics.NewCollector(cfg.Telemetry.Metrics, nil)
//	router.Handle("/metrics", collector.Handler())
package metrics
