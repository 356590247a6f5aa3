package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startSpan starts a tracer span for one provider call, mirroring the
// attribute set used across this corpus's LLM clients.
func startSpan(ctx context.Context, operation, model string, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("internal/llm").Start(ctx, operation)
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.messages", messages))
	return ctx, span
}
