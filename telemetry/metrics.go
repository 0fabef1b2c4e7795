package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gatekeeper's operational instruments. All Record
// methods are safe on a nil receiver so components can run unmetered.
type Metrics struct {
	// Counters
	Evaluations    metric.Int64Counter
	Escalations    metric.Int64Counter
	Executions     metric.Int64Counter
	Rollbacks      metric.Int64Counter
	PolicyReloads  metric.Int64Counter
	TrustChanges   metric.Int64Counter
	AuditFailures  metric.Int64Counter
	PoolExhaustion metric.Int64Counter

	// Gauges
	PendingEscalations metric.Int64Gauge

	// Histograms
	EvaluationDuration metric.Float64Histogram
	ExecutionDuration  metric.Float64Histogram
}

// InitMetrics creates every instrument on meter
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	if err := m.initGauges(meter); err != nil {
		return nil, err
	}

	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) initCounters(meter metric.Meter) error {
	var err error

	m.Evaluations, err = meter.Int64Counter(
		"vigil_evaluations_total",
		metric.WithDescription("Total number of policy evaluations by verdict and tier"),
	)
	if err != nil {
		return err
	}

	m.Escalations, err = meter.Int64Counter(
		"vigil_escalations_total",
		metric.WithDescription("Total number of escalation state transitions"),
	)
	if err != nil {
		return err
	}

	m.Executions, err = meter.Int64Counter(
		"vigil_device_executions_total",
		metric.WithDescription("Total number of device executions by status"),
	)
	if err != nil {
		return err
	}

	m.Rollbacks, err = meter.Int64Counter(
		"vigil_rollbacks_total",
		metric.WithDescription("Total number of rollbacks by outcome"),
	)
	if err != nil {
		return err
	}

	m.PolicyReloads, err = meter.Int64Counter(
		"vigil_policy_reloads_total",
		metric.WithDescription("Total number of policy reload attempts"),
	)
	if err != nil {
		return err
	}

	m.TrustChanges, err = meter.Int64Counter(
		"vigil_trust_changes_total",
		metric.WithDescription("Total number of trust score changes by source"),
	)
	if err != nil {
		return err
	}

	m.AuditFailures, err = meter.Int64Counter(
		"vigil_audit_write_failures_total",
		metric.WithDescription("Total number of failed audit log writes"),
	)
	if err != nil {
		return err
	}

	m.PoolExhaustion, err = meter.Int64Counter(
		"vigil_session_pool_exhausted_total",
		metric.WithDescription("Total number of device session acquisitions that timed out"),
	)
	return err
}

func (m *Metrics) initGauges(meter metric.Meter) error {
	var err error

	m.PendingEscalations, err = meter.Int64Gauge(
		"vigil_escalations_pending",
		metric.WithDescription("Current number of pending escalations"),
	)
	return err
}

func (m *Metrics) initHistograms(meter metric.Meter) error {
	var err error

	m.EvaluationDuration, err = meter.Float64Histogram(
		"vigil_evaluation_duration_seconds",
		metric.WithDescription("Time taken to evaluate an action request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	m.ExecutionDuration, err = meter.Float64Histogram(
		"vigil_device_execution_duration_seconds",
		metric.WithDescription("Time taken to execute an action on one device"),
		metric.WithUnit("s"),
	)
	return err
}

// RecordEvaluation records one evaluation and its latency
func (m *Metrics) RecordEvaluation(ctx context.Context, verdict string, tier int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("verdict", verdict),
		attribute.Int("tier", tier),
	))
	m.Evaluations.Add(ctx, 1, attrs)
	m.EvaluationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEscalation records an escalation transition
func (m *Metrics) RecordEscalation(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPendingEscalations records the current pending count
func (m *Metrics) RecordPendingEscalations(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.PendingEscalations.Record(ctx, count)
}

// RecordExecution records one device execution
func (m *Metrics) RecordExecution(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Executions.Add(ctx, 1, attrs)
	m.ExecutionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRollback records a rollback outcome
func (m *Metrics) RecordRollback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPolicyReload records a reload attempt
func (m *Metrics) RecordPolicyReload(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.PolicyReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTrustChange records a trust score change
func (m *Metrics) RecordTrustChange(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.TrustChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordAuditFailure records a failed audit write
func (m *Metrics) RecordAuditFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.AuditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPoolExhausted records a session acquisition timeout
func (m *Metrics) RecordPoolExhausted(ctx context.Context, device string) {
	if m == nil {
		return
	}
	m.PoolExhaustion.Add(ctx, 1, metric.WithAttributes(attribute.String("device", device)))
}
