package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceManager starts relay spans and carries trace context in envelopes.
type TraceManager struct {
	tracer trace.Tracer
}

// NewTraceManager returns a manager using the global tracer provider.
func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

// StartSpan starts a span with attrs.
func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// InjectTraceContext writes the span context of ctx into headers, typically
// an envelope's trace map.
func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext restores the trace context stored in headers.
func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartHopSpan starts the span covering one pipeline hop for one envelope.
func (tm *TraceManager) StartHopSpan(ctx context.Context, hop, messageID, kind string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "relay."+hop, trace.WithAttributes(
		attribute.String("messaging.system", "agentrelay"),
		attribute.String("messaging.operation", hop),
		attribute.String("messaging.message.id", messageID),
		attribute.String("envelope.kind", kind),
	))
}

// StartPresenceSpan starts a span for a registry operation on one agent.
func (tm *TraceManager) StartPresenceSpan(ctx context.Context, operation, agentID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "presence."+operation, trace.WithAttributes(
		attribute.String("agent.id", agentID),
	))
}

// RecordError marks span as failed.
func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddRoutingAttributes records the outcome of a routing decision.
func (tm *TraceManager) AddRoutingAttributes(span trace.Span, senderID, receiverID, status string, affinity bool) {
	span.SetAttributes(
		attribute.String("routing.sender", senderID),
		attribute.String("routing.receiver", receiverID),
		attribute.String("routing.status", status),
		attribute.Bool("routing.affinity", affinity),
	)
}

// AddComponentAttribute adds a component identifier to a span
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("agentrelay.component", component))
}
