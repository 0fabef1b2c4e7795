// Package orchestrator is the single entry point into the gatekeeper.
//
// The Gateway authorizes the caller, asks the policy engine for a verdict
// and routes it: PERMIT runs the action, ESCALATE opens an escalation and
// BLOCK stops. Failures leave as *Error with a sanitized message after one
// error entry has been written to the audit log.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/escalation"
	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/types"
)

// Gateway wires the engine, escalation manager, executor and trust store
type Gateway struct {
	holder      *policy.Holder
	engine      *policy.Engine
	loader      *policy.Loader
	escalations *escalation.Manager
	store       storage.Storage
	audit       AuditLog
	dispatcher  escalation.Dispatcher
	trust       *trust.Adjuster
	outcomes    escalation.OutcomeSink
	rollback    executor.RollbackPolicy
	metrics     *telemetry.Metrics
	logger      *telemetry.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New builds a gateway and the engine and escalation manager behind it
func New(deps Deps) (*Gateway, error) {
	switch {
	case deps.Policy == nil:
		return nil, fmt.Errorf("%w: gateway needs a policy holder", types.ErrConfiguration)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: gateway needs a store", types.ErrConfiguration)
	case deps.Audit == nil:
		return nil, fmt.Errorf("%w: gateway needs an audit log", types.ErrConfiguration)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: gateway needs a dispatcher", types.ErrConfiguration)
	case deps.Trust == nil:
		return nil, fmt.Errorf("%w: gateway needs a trust adjuster", types.ErrConfiguration)
	}

	rollback, err := executor.ParseRollbackPolicy(string(deps.Rollback))
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		holder:     deps.Policy,
		loader:     deps.Loader,
		store:      deps.Store,
		audit:      deps.Audit,
		dispatcher: deps.Dispatcher,
		trust:      deps.Trust,
		outcomes:   deps.Outcomes,
		rollback:   rollback,
		metrics:    deps.Metrics,
		logger:     telemetry.NewLogger("gateway"),
		tracer:     otel.Tracer("gateway"),
		now:        time.Now,
	}
	g.engine = policy.NewEngine(deps.Policy, deps.Trust, deps.Audit, deps.Metrics)
	g.escalations = escalation.NewManager(deps.Store, deps.Audit, deps.Dispatcher, g.Plan, deps.Outcomes, deps.Metrics)
	return g, nil
}

// Plan turns a request into an execution job using the validation rules
// of the active policy document
func (g *Gateway) Plan(req types.ActionRequest) executor.Job {
	job := executor.Job{
		Action:  req.Action,
		Devices: append([]string(nil), req.Devices...),
		Params:  req.Params,
		Policy:  g.rollback,
	}
	if doc := g.holder.Current(); doc != nil {
		for _, ref := range doc.ValidatorsFor(req.Action) {
			job.Validators = append(job.Validators, executor.ValidatorSpec{Name: ref.Name, Required: ref.Required})
		}
	}
	return job
}

// Submit evaluates an action request and acts on the verdict. A PERMIT
// runs the action before Submit returns; an ESCALATE returns the pending
// escalation. A BLOCK is a verdict, not an error.
func (g *Gateway) Submit(ctx context.Context, caller authz.Principal, req types.ActionRequest) (Submission, error) {
	const op = "submit"
	if req.AgentID == "" && caller.Role == authz.RoleAgent {
		req.AgentID = caller.Subject
	}
	if err := authorizeSubmit(caller, req); err != nil {
		return Submission{}, g.fail(ctx, op, req.AgentID, requestError(req), err)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.submit",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("action", req.Action),
			attribute.String("caller", caller.Subject),
		),
	)
	defer span.End()

	d, err := g.engine.Evaluate(ctx, req)
	if err != nil {
		// the engine audits its own failures
		telemetry.RecordError(span, err)
		return Submission{Decision: d}, g.wrap(ctx, op, err)
	}

	sub := Submission{Decision: d}
	switch d.Verdict {
	case types.VerdictBlock:
		g.publishViolation(ctx, req, d)
		return sub, nil

	case types.VerdictEscalate:
		rec, err := g.escalations.Create(ctx, req, d)
		if err != nil {
			telemetry.RecordError(span, err)
			return sub, g.fail(ctx, op, req.AgentID, requestError(req), err)
		}
		sub.Escalation = &rec
		return sub, nil

	default:
		result, err := g.execute(ctx, req, d)
		if err != nil {
			telemetry.RecordError(span, err)
			return sub, g.fail(ctx, op, req.AgentID, requestError(req), err)
		}
		sub.Execution = &result
		if result.Unrecoverable() {
			err := fmt.Errorf("%w: evaluation %s", types.ErrUnrecoverable, d.EvaluationID)
			telemetry.RecordError(span, err)
			return sub, g.fail(ctx, op, req.AgentID, requestError(req), err)
		}
		return sub, nil
	}
}

func authorizeSubmit(caller authz.Principal, req types.ActionRequest) error {
	if err := authz.Require(caller, authz.RoleAgent); err != nil {
		return err
	}
	if caller.Role == authz.RoleAgent && req.AgentID != caller.Subject {
		return fmt.Errorf("%w: agents submit only on their own behalf", types.ErrForbidden)
	}
	return nil
}

// execute runs a permitted request. The verdict is already committed to
// the audit log, so the caller's cancellation no longer applies.
func (g *Gateway) execute(ctx context.Context, req types.ActionRequest, d types.Decision) (types.ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)

	results, err := g.dispatcher.Submit(ctx, g.Plan(req))
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("dispatch evaluation %s: %w", d.EvaluationID, err)
	}
	result := <-results

	record := types.ExecutionRecord{
		AgentID:      req.AgentID,
		EvaluationID: d.EvaluationID,
		Result:       result,
	}
	if err := g.audit.Append(types.AuditExecution, d.EvaluationID, record); err != nil {
		g.logger.LogAuditFailure(ctx, string(types.AuditExecution), d.EvaluationID, err)
		g.metrics.RecordAuditFailure(ctx, string(types.AuditExecution))
	}

	if outcome, ok := trust.ExecutionOutcome(result, false); ok {
		g.publish(ctx, req, d, outcome)
	}
	return result, nil
}

func (g *Gateway) publishViolation(ctx context.Context, req types.ActionRequest, d types.Decision) {
	if outcome, ok := trust.DecisionOutcome(d); ok {
		g.publish(ctx, req, d, outcome)
	}
}

func (g *Gateway) publish(ctx context.Context, req types.ActionRequest, d types.Decision, outcome types.Outcome) {
	if g.outcomes == nil {
		return
	}
	ev := types.OutcomeEvent{
		AgentID:   req.AgentID,
		Action:    req.Action,
		Tier:      d.Tier,
		Outcome:   outcome,
		Reference: d.EvaluationID,
		At:        g.now().UTC(),
	}
	if err := g.outcomes.Publish(ctx, ev); err != nil {
		g.logger.WithContext(ctx).Error().
			Err(err).
			Str("evaluation_id", d.EvaluationID).
			Str("outcome", string(outcome)).
			Msg("failed to publish outcome")
	}
}

func requestError(req types.ActionRequest) types.ErrorRecord {
	return types.ErrorRecord{AgentID: req.AgentID, Action: req.Action}
}

// fail writes the error audit entry for a failed operation and returns the
// sanitized error
func (g *Gateway) fail(ctx context.Context, op, subject string, record types.ErrorRecord, err error) error {
	record.Operation = op
	record.Category = types.CategoryOf(err)
	if aerr := g.audit.AppendError(types.AuditError, subject, record, err); aerr != nil {
		g.logger.LogAuditFailure(ctx, string(types.AuditError), subject, aerr)
		g.metrics.RecordAuditFailure(ctx, string(types.AuditError))
	}
	return g.wrap(ctx, op, err)
}

func (g *Gateway) wrap(ctx context.Context, op string, err error) error {
	category := types.CategoryOf(err)
	g.logger.WithContext(ctx).Warn().
		Err(err).
		Str("operation", op).
		Str("category", string(category)).
		Msg("gateway operation failed")
	return &Error{Op: op, Category: category, cause: err}
}
