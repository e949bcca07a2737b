// Package telemetry groups the observability packages of Custodian.
//
//   - logging: slog setup with personal-data redaction
//   - metrics: Prometheus collector for retention runs, subject requests
//     and the HTTP API
//   - tracing: OpenTelemetry provider with an OTLP gRPC exporter
//   - health: liveness, readiness and version endpoints
//
// cmd/custodian builds each piece from config.TelemetryConfig and hands it
// to the components that need it:
//
//	logger, _ := logging.Setup(cfg.Telemetry.Logging, os.Stderr)
//	collector := metrics.NewCollector(cfg.Telemetry.Metrics, nil)
//	tp, _ := tracing.New(&cfg.Telemetry.Tracing, version)
//	defer tp.Shutdown(ctx)
//
// Subject ids, email addresses, client addresses and deletion tokens never
// reach log output, metric labels or span names. Logs pass through the
// redactor. Metrics and spans are labelled by route pattern and entity
// class only.
package telemetry
