package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
	return exporter, provider
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value
	}
	return out
}

// TestRecordVerdictEvent tests verdict span events
func TestRecordVerdictEvent(t *testing.T) {
	exporter, provider := newRecordingTracer()
	ctx, span := provider.Tracer("test").Start(context.Background(), "test")

	RecordVerdictEvent(span, "agent-7", "configure_vlan", "ESCALATE", 3, 0.8, 0.4, "confidence below threshold")

	span.End()
	_ = provider.ForceFlush(ctx)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Name != "gatekeeper.verdict.issued" {
		t.Errorf("Expected event name 'gatekeeper.verdict.issued', got '%s'", events[0].Name)
	}

	attrs := attrMap(events[0].Attributes)
	if got := attrs["verdict"].AsString(); got != "ESCALATE" {
		t.Errorf("verdict: expected ESCALATE, got %s", got)
	}
	if got := attrs["tier"].AsInt64(); got != 3 {
		t.Errorf("tier: expected 3, got %d", got)
	}
	if got := attrs["threshold"].AsFloat64(); got != 0.8 {
		t.Errorf("threshold: expected 0.8, got %v", got)
	}
}

// TestRecordDeviceExecutedEvent_ErrorOptional tests that the error attribute is only set on failure
func TestRecordDeviceExecutedEvent_ErrorOptional(t *testing.T) {
	exporter, provider := newRecordingTracer()
	ctx, span := provider.Tracer("test").Start(context.Background(), "test")

	RecordDeviceExecutedEvent(span, "edge-1", "configure_vlan", "success", 1, "")
	RecordDeviceExecutedEvent(span, "edge-2", "configure_vlan", "failed", 2, "connection reset")

	span.End()
	_ = provider.ForceFlush(ctx)

	events := exporter.GetSpans()[0].Events
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if _, ok := attrMap(events[0].Attributes)["error"]; ok {
		t.Error("successful execution should not carry an error attribute")
	}
	if got := attrMap(events[1].Attributes)["error"].AsString(); got != "connection reset" {
		t.Errorf("expected error attribute, got %q", got)
	}
}

// TestRecordEvents_NilSpan tests that nil spans are ignored
func TestRecordEvents_NilSpan(t *testing.T) {
	RecordVerdictEvent(nil, "a", "b", "PERMIT", 1, 0, 0, "")
	RecordEscalationDecidedEvent(nil, "id", "APPROVED", "ops", false, false)
	RecordDeviceExecutedEvent(nil, "d", "a", "success", 1, "")
	RecordRollbackEvent(nil, "d", "restored", false)
	RecordTrustChangeEvent(nil, "a", 0.1, 0.2, "manual", "review")
}
