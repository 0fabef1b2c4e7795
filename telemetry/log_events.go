package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordVerdictEvent emits a structured span event for a policy verdict
func RecordVerdictEvent(
	span trace.Span,
	agentID string,
	action string,
	verdict string,
	tier int,
	threshold float64,
	trustScore float64,
	reason string,
) {
	if span == nil {
		return
	}

	span.AddEvent("gatekeeper.verdict.issued", trace.WithAttributes(
		attribute.String("event.type", "gatekeeper.verdict.issued"),
		attribute.String("agent.id", agentID),
		attribute.String("action.name", action),
		attribute.String("verdict", verdict),
		attribute.Int("tier", tier),
		attribute.Float64("threshold", threshold),
		attribute.Float64("trust_score", trustScore),
		attribute.String("reason", reason),
	))
}

// RecordEscalationDecidedEvent emits a span event for a human decision
func RecordEscalationDecidedEvent(
	span trace.Span,
	escalationID string,
	status string,
	decider string,
	seniorRequired bool,
	seniorMet bool,
) {
	if span == nil {
		return
	}

	span.AddEvent("gatekeeper.escalation.decided", trace.WithAttributes(
		attribute.String("event.type", "gatekeeper.escalation.decided"),
		attribute.String("escalation.id", escalationID),
		attribute.String("status", status),
		attribute.String("decider", decider),
		attribute.Bool("senior.required", seniorRequired),
		attribute.Bool("senior.met", seniorMet),
	))
}

// RecordDeviceExecutedEvent emits a span event for one device execution
func RecordDeviceExecutedEvent(
	span trace.Span,
	device string,
	action string,
	status string,
	attempts int,
	errorMsg string,
) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "gatekeeper.device.executed"),
		attribute.String("device", device),
		attribute.String("action.name", action),
		attribute.String("status", status),
		attribute.Int("attempts", attempts),
	}

	if errorMsg != "" {
		attrs = append(attrs, attribute.String("error", errorMsg))
	}

	span.AddEvent("gatekeeper.device.executed", trace.WithAttributes(attrs...))
}

// RecordRollbackEvent emits a span event for a rollback attempt
func RecordRollbackEvent(
	span trace.Span,
	device string,
	outcome string,
	unrecoverable bool,
) {
	if span == nil {
		return
	}

	span.AddEvent("gatekeeper.rollback", trace.WithAttributes(
		attribute.String("event.type", "gatekeeper.rollback"),
		attribute.String("device", device),
		attribute.String("outcome", outcome),
		attribute.Bool("unrecoverable", unrecoverable),
	))
}

// RecordTrustChangeEvent emits a span event for a trust score change
func RecordTrustChangeEvent(
	span trace.Span,
	agentID string,
	previous float64,
	updated float64,
	source string,
	reason string,
) {
	if span == nil {
		return
	}

	span.AddEvent("gatekeeper.trust.changed", trace.WithAttributes(
		attribute.String("event.type", "gatekeeper.trust.changed"),
		attribute.String("agent.id", agentID),
		attribute.Float64("trust.previous", previous),
		attribute.Float64("trust.new", updated),
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}
