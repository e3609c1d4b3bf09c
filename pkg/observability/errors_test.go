package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
)

func attributeValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString(), true
		}
	}

	return "", false
}

func TestRecordSpanError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		source     string
		wantSource bool
	}{
		{"with source", observability.ErrSourceStage, true},
		{"empty source", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

			t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

			_, span := tp.Tracer("test").Start(context.Background(), "incbuild.stage")
			observability.RecordSpanError(span, errors.New("compiler crashed"), observability.ErrTypeStageFailure, tt.source)
			span.End()

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, codes.Error, spans[0].Status.Code)
			assert.Equal(t, "compiler crashed", spans[0].Status.Description)

			errType, ok := attributeValue(spans[0].Attributes, "error.type")
			assert.True(t, ok)
			assert.Equal(t, observability.ErrTypeStageFailure, errType)

			_, hasSource := attributeValue(spans[0].Attributes, "error.source")
			assert.Equal(t, tt.wantSource, hasSource)
		})
	}
}
