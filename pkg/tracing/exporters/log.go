package exporters

import (
	"context"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to the service logger at debug level.
type LogExporter struct {
	logger ectologger.Logger
}

func NewLogExporter(logger ectologger.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := map[string]any{
			"span":     span.Name(),
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
			"duration": span.EndTime().Sub(span.StartTime()).String(),
		}
		if span.Parent().IsValid() {
			fields["parent_span_id"] = span.Parent().SpanID().String()
		}
		if status := span.Status(); status.Description != "" {
			fields["status"] = status.Description
		}
		e.logger.WithContext(ctx).WithFields(fields).Debug("Span finished")
	}
	return nil
}

func (e *LogExporter) Shutdown(_ context.Context) error {
	return nil
}
