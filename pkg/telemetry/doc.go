// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// Conduit calls made by phab-probe.
//
// SetupProvider installs the process-wide tracer provider that the Conduit
// client's spans and its otelhttp transport report to. Metrics turns the
// client's per-call observations into Prometheus series, and the enrichment
// helpers attach revision visibility results to spans.
package telemetry
