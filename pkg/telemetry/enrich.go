package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordVisibility annotates span with the visibility classification of a revision.
func RecordVisibility(span trace.Span, revisionID int64, view string, public bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Int64("conduit.revision.id", revisionID),
		attribute.Bool("conduit.revision.public", public),
	)
	if view != "" {
		span.SetAttributes(attribute.String("conduit.revision.view_policy", view))
	}

	if !public {
		span.AddEvent("revision.not_public")
	}
}

// RecordMalformedRecord notes a revision whose visibility could not be classified.
func RecordMalformedRecord(span trace.Span, revisionID int64, path string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("revision.malformed", trace.WithAttributes(
		attribute.Int64("conduit.revision.id", revisionID),
		attribute.String("conduit.record.path", path),
	))
}
