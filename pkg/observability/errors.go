package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error types recorded on spans as error.type.
const (
	ErrTypeStageFailure     = "stage_failure"
	ErrTypeStorage          = "storage"
	ErrTypeRebuildRequested = "rebuild_requested"
	ErrTypeCanceled         = "canceled"
)

// Error sources recorded on spans as error.source.
const (
	ErrSourceStage = "stage"
	ErrSourceStore = "store"
	ErrSourceGraph = "graph"
)

// RecordSpanError marks span as failed with err and classifies the failure.
// An empty source is omitted.
func RecordSpanError(span trace.Span, err error, errType, source string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attrs := []attribute.KeyValue{attribute.String("error.type", errType)}
	if source != "" {
		attrs = append(attrs, attribute.String("error.source", source))
	}

	span.SetAttributes(attrs...)
}
