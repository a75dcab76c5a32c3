package processor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// TelemetryMiddleware annotates the active span with what the processor saw
// and decided. The span itself is started by the bus consumer; declines show
// up as events, not span errors, because a decline is a valid verdict.
type TelemetryMiddleware struct {
	next PaymentProcessor
}

func NewTelemetryMiddleware(next PaymentProcessor) PaymentProcessor {
	return &TelemetryMiddleware{next: next}
}

func (m *TelemetryMiddleware) Name() string { return m.next.Name() }

func (m *TelemetryMiddleware) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Authorize: invoice=%s amount=%.2f %s via %s",
		req.InvoiceID, req.Amount, req.Currency, m.next.Name()))

	result, err := m.next.Authorize(ctx, req)
	switch {
	case err != nil:
		span.AddEvent(fmt.Sprintf("Authorize error: %v", err))
	case result.Approved:
		span.AddEvent(fmt.Sprintf("Authorize approved: ref=%s", result.Reference))
	default:
		span.AddEvent(fmt.Sprintf("Authorize declined: %s", result.Reason))
	}
	return result, err
}
