// Package tracing wires OpenTelemetry tracing for Custodian.
//
// New installs an OTLP gRPC exporter behind a parent-based sampler as the
// global tracer provider. Packages obtain tracers with otel.Tracer and need
// no reference to this package beyond the shared attribute keys.
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    endpoint: "otel-collector:4317"
//	    sampler: ratio
//	    sample_ratio: 0.1
package tracing
