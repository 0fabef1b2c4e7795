package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// TrustReader returns an agent's current trust score. The engine only ever
// reads trust; it never writes it.
type TrustReader interface {
	Score(ctx context.Context, agentID string) (float64, error)
}

// Engine evaluates action requests against the active policy document and
// records exactly one audit entry per evaluation. The audit write is the
// commit point: if it fails the verdict becomes BLOCK.
type Engine struct {
	holder  *Holder
	trust   TrustReader
	audit   types.AuditLog
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEngine creates a policy engine. metrics may be nil.
func NewEngine(holder *Holder, trust TrustReader, audit types.AuditLog, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		holder:  holder,
		trust:   trust,
		audit:   audit,
		metrics: metrics,
		logger:  telemetry.NewLogger("policy-engine"),
		tracer:  otel.Tracer("policy-engine"),
		now:     time.Now,
	}
}

// Document returns the active policy document, or nil
func (e *Engine) Document() *Document {
	return e.holder.Current()
}

// Evaluate resolves req to a decision.
//
// A malformed request is rejected with a validation error and audited as an
// error entry. Cancellation is honoured up to the audit write; after that
// the decision stands.
func (e *Engine) Evaluate(ctx context.Context, req types.ActionRequest) (types.Decision, error) {
	start := e.now()
	req = req.Clone()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = start
	}

	ctx, span := telemetry.StartEvaluation(ctx, e.tracer, req)

	if err := req.Validate(); err != nil {
		e.auditError(ctx, req, "evaluate", err)
		telemetry.RecordError(span, err)
		span.End()
		return types.Decision{}, err
	}

	d := e.decide(ctx, req, start)

	if err := ctx.Err(); err != nil {
		e.auditError(ctx, req, "evaluate", err)
		telemetry.RecordError(span, err)
		span.End()
		return types.Decision{}, fmt.Errorf("evaluation cancelled: %w", err)
	}

	record := types.EvaluationRecord{Request: req, Decision: d}
	if err := e.audit.Append(types.AuditEvaluation, req.AgentID, record); err != nil {
		e.logger.LogAuditFailure(ctx, string(types.AuditEvaluation), req.AgentID, err)
		e.metrics.RecordAuditFailure(ctx, string(types.AuditEvaluation))
		d.Tighten(types.VerdictBlock, "audit log unavailable")
		err = fmt.Errorf("%w: audit evaluation: %v", types.ErrUnavailable, err)
		telemetry.RecordError(span, err)
		telemetry.EndEvaluation(span, d)
		return d, err
	}

	e.metrics.RecordEvaluation(ctx, string(d.Verdict), int(d.Tier), e.now().Sub(start))
	telemetry.RecordVerdictEvent(span, req.AgentID, req.Action, string(d.Verdict),
		int(d.Tier), d.Threshold, d.TrustScore, d.Reason)

	e.logger.WithContext(ctx).Info().
		Str("evaluation_id", d.EvaluationID).
		Str("agent_id", req.AgentID).
		Str("action", req.Action).
		Str("verdict", string(d.Verdict)).
		Int("tier", int(d.Tier)).
		Float64("confidence", d.Confidence).
		Float64("threshold", d.Threshold).
		Bool("senior_required", d.RequiresSeniorApproval).
		Str("policy_version", d.PolicyVersion).
		Msg("action evaluated")

	telemetry.EndEvaluation(span, d)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, req types.ActionRequest, now time.Time) types.Decision {
	doc := e.holder.Current()
	if doc == nil {
		return types.Decision{
			EvaluationID: uuid.NewString(),
			Verdict:      types.VerdictBlock,
			Action:       req.Action,
			Reason:       "no policy document loaded",
			Confidence:   req.Confidence,
			Threshold:    1,
			Degraded:     true,
			EvaluatedAt:  now,
		}
	}

	trust, err := e.trust.Score(ctx, req.AgentID)
	degraded := err != nil
	if degraded {
		e.logger.WithContext(ctx).Warn().
			Err(err).
			Str("agent_id", req.AgentID).
			Msg("trust store unavailable, evaluating in degraded mode")
		trust = 0
	}

	d := Decide(doc, Input{
		Request:  req,
		Trust:    trust,
		Degraded: degraded,
		Windows:  doc.MaintenanceWindows,
		Now:      now,
	})
	d.EvaluationID = uuid.NewString()

	if guard := doc.Guard(); guard.Len() > 0 && d.Verdict != types.VerdictBlock && !d.HardRule {
		res, gerr := guard.Evaluate(ctx, GuardInput{
			Request:    req,
			Tier:       int(d.Tier),
			Verdict:    string(d.Verdict),
			TrustScore: d.TrustScore,
		})
		if gerr != nil {
			e.logger.WithContext(ctx).Error().
				Err(gerr).
				Str("agent_id", req.AgentID).
				Msg("guard evaluation failed")
			d.Tighten(types.VerdictBlock, "guard evaluation failed")
		} else {
			ApplyGuard(&d, res)
			ApplyMaintenance(&d, req.Devices, doc.MaintenanceWindows, now)
		}
	}

	return d
}

func (e *Engine) auditError(ctx context.Context, req types.ActionRequest, op string, cause error) {
	record := types.ErrorRecord{
		Operation: op,
		Category:  types.CategoryOf(cause),
		AgentID:   req.AgentID,
		Action:    req.Action,
	}
	if err := e.audit.AppendError(types.AuditError, req.AgentID, record, cause); err != nil {
		e.logger.LogAuditFailure(ctx, string(types.AuditError), req.AgentID, err)
		e.metrics.RecordAuditFailure(ctx, string(types.AuditError))
	}
}
