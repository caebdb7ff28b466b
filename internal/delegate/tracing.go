// Tracing instrumentation for delegations.
package delegate

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startDelegationSpan starts a span for one nested execution.
func startDelegationSpan(ctx context.Context, role, model string, depth int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "delegation."+role)
	span.SetAttributes(
		attribute.String("delegation.role", role),
		attribute.String("delegation.model", model),
		attribute.Int("delegation.depth", depth),
	)
	return ctx, span
}

// endDelegationSpan ends the span with outcome info.
func endDelegationSpan(span trace.Span, status string, err error) {
	if status != "" {
		span.SetAttributes(attribute.String("delegation.status", status))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
