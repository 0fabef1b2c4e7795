package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/types"
)

// StartEvaluation starts an evaluation span
func StartEvaluation(ctx context.Context, tracer trace.Tracer, req types.ActionRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "gatekeeper.evaluate",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("action.name", req.Action),
			attribute.Int("devices.count", len(req.Devices)),
			attribute.Float64("confidence", req.Confidence),
		),
	)
}

// EndEvaluation ends the evaluation span with the decision
func EndEvaluation(span trace.Span, d types.Decision) {
	span.SetAttributes(
		attribute.String("verdict", string(d.Verdict)),
		attribute.Int("tier", int(d.Tier)),
		attribute.Float64("threshold", d.Threshold),
		attribute.Float64("trust_score", d.TrustScore),
		attribute.Bool("requires_senior_approval", d.RequiresSeniorApproval),
		attribute.String("policy.version", d.PolicyVersion),
	)
	span.End()
}

// StartExecute starts an execution span covering every target device
func StartExecute(ctx context.Context, tracer trace.Tracer, action string, devices int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "gatekeeper.execute",
		trace.WithAttributes(
			attribute.String("action.name", action),
			attribute.Int("devices.count", devices),
		),
	)
}

// EndExecute ends the execute span with aggregate counts
func EndExecute(span trace.Span, succeeded, failed, rolledBack, unrecoverable int64) {
	span.SetAttributes(
		attribute.Int64("devices.succeeded", succeeded),
		attribute.Int64("devices.failed", failed),
		attribute.Int64("devices.rolled_back", rolledBack),
		attribute.Int64("devices.unrecoverable", unrecoverable),
	)
	if unrecoverable > 0 {
		span.SetStatus(codes.Error, "device left in unrecoverable state")
	}
	span.End()
}

// RecordError records an error in a span
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.category", string(types.CategoryOf(err))),
		attribute.Bool("error.occurred", true),
	)
}
