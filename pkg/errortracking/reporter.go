// Package errortracking forwards unexpected failures to the error log with enough context to
// diagnose them.
package errortracking

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

type Reporter struct {
	component string
	logger    ectologger.Logger
}

func NewReporter(component string, logger ectologger.Logger) *Reporter {
	return &Reporter{component: component, logger: logger}
}

// Capture records err with extra context. It never fails.
func (r *Reporter) Capture(ctx context.Context, err error, extra map[string]any) {
	metrics.ErrorsCaptured.WithLabelValues(r.component).Inc()

	fields := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		fields[k] = v
	}
	fields["component"] = r.component
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}

	r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("Captured exception")
}
