// Package escalation tracks requests that need a human decision and runs
// the approved ones.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/internal/keylock"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/types"
)

// Dispatcher queues an execution job and returns its result channel
type Dispatcher interface {
	Submit(ctx context.Context, job executor.Job) (<-chan types.ExecutionResult, error)
}

// OutcomeSink receives terminal outcomes for trust adjustment
type OutcomeSink interface {
	Publish(ctx context.Context, ev types.OutcomeEvent) error
}

// Planner turns an approved request into an execution job
type Planner func(req types.ActionRequest) executor.Job

// Manager owns the escalation lifecycle
type Manager struct {
	store      storage.EscalationStorage
	audit      types.AuditLog
	dispatcher Dispatcher
	plan       Planner
	outcomes   OutcomeSink
	locks      keylock.Map
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// NewManager wires a manager. outcomes and metrics may be nil.
func NewManager(
	store storage.EscalationStorage,
	audit types.AuditLog,
	dispatcher Dispatcher,
	plan Planner,
	outcomes OutcomeSink,
	metrics *telemetry.Metrics,
) *Manager {
	return &Manager{
		store:      store,
		audit:      audit,
		dispatcher: dispatcher,
		plan:       plan,
		outcomes:   outcomes,
		metrics:    metrics,
		logger:     telemetry.NewLogger("escalation-manager"),
		tracer:     otel.Tracer("escalation-manager"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Create records a new PENDING escalation for an ESCALATE decision
func (m *Manager) Create(ctx context.Context, req types.ActionRequest, decision types.Decision) (types.EscalationRecord, error) {
	if decision.Verdict != types.VerdictEscalate {
		return types.EscalationRecord{}, &types.ValidationError{
			Field:  "verdict",
			Reason: fmt.Sprintf("only ESCALATE decisions create escalations, got %s", decision.Verdict),
		}
	}

	rec := types.EscalationRecord{
		ID:                     m.newID(),
		EvaluationID:           decision.EvaluationID,
		Request:                req.Clone(),
		Tier:                   decision.Tier,
		Reason:                 decision.Reason,
		PolicyVersion:          decision.PolicyVersion,
		Status:                 types.EscalationPending,
		RequiresSeniorApproval: decision.RequiresSeniorApproval,
		CreatedAt:              m.now().UTC(),
	}

	if err := m.store.CreateEscalation(ctx, rec); err != nil {
		m.logger.LogStorageError(ctx, "create_escalation", err)
		return types.EscalationRecord{}, err
	}

	if err := m.audit.Append(types.AuditEscalationCreated, rec.ID, rec); err != nil {
		m.logger.LogAuditFailure(ctx, string(types.AuditEscalationCreated), rec.ID, err)
		m.metrics.RecordAuditFailure(ctx, string(types.AuditEscalationCreated))
		m.withdraw(ctx, rec.ID)
		return types.EscalationRecord{}, fmt.Errorf("%w: audit escalation: %v", types.ErrUnavailable, err)
	}

	m.metrics.RecordEscalation(ctx, "created")
	m.metrics.RecordPendingEscalations(ctx, int64(m.store.PendingCount()))

	m.logger.WithContext(ctx).Info().
		Str("escalation_id", rec.ID).
		Str("agent_id", req.AgentID).
		Str("action", req.Action).
		Int("tier", int(rec.Tier)).
		Bool("senior_required", rec.RequiresSeniorApproval).
		Msg("escalation created")
	return rec, nil
}

// withdraw rejects an escalation whose creation could not be audited, so
// it can never be approved
func (m *Manager) withdraw(ctx context.Context, id string) {
	now := m.now().UTC()
	_, err := m.store.TransitionEscalation(context.WithoutCancel(ctx), id, func(r *types.EscalationRecord) error {
		r.Status = types.EscalationRejected
		r.DecidedAt = &now
		r.Decider = "vigil"
		r.DecisionReason = "audit write failed"
		return nil
	})
	if err != nil {
		m.logger.LogStorageError(ctx, "withdraw_escalation", err)
	}
}

// Get returns one escalation
func (m *Manager) Get(ctx context.Context, id string) (types.EscalationRecord, error) {
	return m.store.GetEscalation(ctx, id)
}

// ListPending returns pending escalations oldest first. next is empty on
// the last page.
func (m *Manager) ListPending(ctx context.Context, after string, limit int) ([]types.EscalationRecord, string, error) {
	return m.store.ListPending(ctx, after, limit)
}

// Decide applies a human decision. Exactly one decision per escalation
// succeeds; later ones get types.ErrAlreadyDecided. An approval runs the
// action before Decide returns and the result is attached to the record.
func (m *Manager) Decide(ctx context.Context, id string, d types.EscalationDecision) (types.EscalationRecord, error) {
	if strings.TrimSpace(d.Decider) == "" {
		return types.EscalationRecord{}, &types.ValidationError{Field: "decider", Reason: "cannot be empty"}
	}
	if strings.TrimSpace(d.Reason) == "" {
		return types.EscalationRecord{}, &types.ValidationError{Field: "reason", Reason: "decisions require a reason"}
	}

	ctx, span := m.tracer.Start(ctx, "escalation.decide",
		trace.WithAttributes(
			attribute.String("escalation.id", id),
			attribute.Bool("approve", d.Approve),
		),
	)
	defer span.End()

	unlock := m.locks.Lock(id)
	defer unlock()

	now := m.now().UTC()
	rec, err := m.store.TransitionEscalation(ctx, id, func(r *types.EscalationRecord) error {
		r.Status = d.Status()
		r.DecidedAt = &now
		r.Decider = d.Decider
		r.DecisionReason = d.Reason
		r.SeniorApprovalMet = d.Senior
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return types.EscalationRecord{}, err
	}

	m.metrics.RecordEscalation(ctx, strings.ToLower(string(rec.Status)))
	m.metrics.RecordPendingEscalations(ctx, int64(m.store.PendingCount()))
	telemetry.RecordEscalationDecidedEvent(span, id, string(rec.Status), d.Decider, rec.RequiresSeniorApproval, rec.SeniorApprovalMet)

	entry := types.EscalationDecisionRecord{
		EscalationID:      rec.ID,
		AgentID:           rec.Request.AgentID,
		Action:            rec.Request.Action,
		Status:            rec.Status,
		Decider:           rec.Decider,
		Reason:            rec.DecisionReason,
		SeniorRequired:    rec.RequiresSeniorApproval,
		SeniorApprovalMet: rec.SeniorApprovalMet,
		DecidedAt:         now,
	}
	if err := m.audit.Append(types.AuditEscalationDecision, rec.ID, entry); err != nil {
		telemetry.RecordError(span, err)
		m.logger.LogAuditFailure(ctx, string(types.AuditEscalationDecision), rec.ID, err)
		m.metrics.RecordAuditFailure(ctx, string(types.AuditEscalationDecision))
		err = fmt.Errorf("%w: audit decision, approved action not executed: %v", types.ErrUnavailable, err)
		if rec.Status == types.EscalationApproved {
			rec = m.notExecuted(ctx, rec, err)
		}
		return rec, err
	}

	log := m.logger.WithContext(ctx).Info().
		Str("escalation_id", rec.ID).
		Str("status", string(rec.Status)).
		Str("decider", rec.Decider)
	if rec.RequiresSeniorApproval && !rec.SeniorApprovalMet {
		log = log.Bool("senior_approval_missing", true)
	}
	log.Msg("escalation decided")

	if rec.Status != types.EscalationApproved {
		return rec, nil
	}
	return m.execute(ctx, span, rec)
}

// execute runs an approved escalation. The approval is already committed,
// so the caller's cancellation no longer applies.
func (m *Manager) execute(ctx context.Context, span trace.Span, rec types.EscalationRecord) (types.EscalationRecord, error) {
	ctx = context.WithoutCancel(ctx)

	results, err := m.dispatcher.Submit(ctx, m.plan(rec.Request))
	if err != nil {
		telemetry.RecordError(span, err)
		err = fmt.Errorf("dispatch escalation %s: %w", rec.ID, err)
		return m.notExecuted(ctx, rec, err), err
	}
	result := <-results

	updated, err := m.store.AttachExecution(ctx, rec.ID, result)
	if err != nil {
		telemetry.RecordError(span, err)
		m.logger.LogStorageError(ctx, "attach_execution", err)
		rec.Execution = &result
		return rec, err
	}

	record := types.ExecutionRecord{
		AgentID:      rec.Request.AgentID,
		EscalationID: rec.ID,
		EvaluationID: rec.EvaluationID,
		Result:       result,
	}
	if err := m.audit.Append(types.AuditExecution, rec.ID, record); err != nil {
		telemetry.RecordError(span, err)
		m.logger.LogAuditFailure(ctx, string(types.AuditExecution), rec.ID, err)
		m.metrics.RecordAuditFailure(ctx, string(types.AuditExecution))
	}

	m.publish(ctx, updated, result)

	if result.Unrecoverable() {
		err := fmt.Errorf("%w: escalation %s", types.ErrUnrecoverable, rec.ID)
		telemetry.RecordError(span, err)
		return updated, err
	}
	return updated, nil
}

// notExecuted closes an approved escalation whose action never reached a
// device. Every device is marked skipped with the cause, so the record is
// not left approved without a result.
func (m *Manager) notExecuted(ctx context.Context, rec types.EscalationRecord, cause error) types.EscalationRecord {
	ctx = context.WithoutCancel(ctx)
	now := m.now().UTC()
	result := types.ExecutionResult{
		Action:     rec.Request.Action,
		StartedAt:  now,
		FinishedAt: now,
	}
	for _, device := range rec.Request.UniqueDevices() {
		result.Devices = append(result.Devices, types.DeviceResult{
			Device:     device,
			Status:     types.StatusSkipped,
			Error:      "not executed: " + cause.Error(),
			StartedAt:  now,
			FinishedAt: now,
		})
	}

	updated, err := m.store.AttachExecution(ctx, rec.ID, result)
	if err != nil {
		m.logger.LogStorageError(ctx, "attach_execution", err)
		rec.Execution = &result
		return rec
	}
	m.logger.WithContext(ctx).Warn().
		Err(cause).
		Str("escalation_id", rec.ID).
		Msg("approved escalation not executed")
	return updated
}

func (m *Manager) publish(ctx context.Context, rec types.EscalationRecord, result types.ExecutionResult) {
	if m.outcomes == nil {
		return
	}
	outcome, ok := trust.ExecutionOutcome(result, true)
	if !ok {
		return
	}
	ev := types.OutcomeEvent{
		AgentID:   rec.Request.AgentID,
		Action:    rec.Request.Action,
		Tier:      rec.Tier,
		Outcome:   outcome,
		Reference: rec.ID,
		At:        m.now().UTC(),
	}
	if err := m.outcomes.Publish(ctx, ev); err != nil {
		m.logger.WithContext(ctx).Error().
			Err(err).
			Str("escalation_id", rec.ID).
			Str("outcome", string(outcome)).
			Msg("failed to publish outcome")
	}
}
