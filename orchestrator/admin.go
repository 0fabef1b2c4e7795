package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

// PendingEscalations lists pending escalations oldest first
func (g *Gateway) PendingEscalations(ctx context.Context, caller authz.Principal, page Page) (EscalationPage, error) {
	const op = "list_escalations"
	if err := authz.Require(caller, authz.RoleOperator); err != nil {
		return EscalationPage{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	items, next, err := g.escalations.ListPending(ctx, page.After, page.Limit)
	if err != nil {
		return EscalationPage{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	return EscalationPage{Items: items, Next: next}, nil
}

// Escalation returns one escalation record
func (g *Gateway) Escalation(ctx context.Context, caller authz.Principal, id string) (types.EscalationRecord, error) {
	const op = "get_escalation"
	if err := authz.Require(caller, authz.RoleOperator); err != nil {
		return types.EscalationRecord{}, g.fail(ctx, op, id, types.ErrorRecord{}, err)
	}
	rec, err := g.escalations.Get(ctx, id)
	if err != nil {
		return types.EscalationRecord{}, g.fail(ctx, op, id, types.ErrorRecord{}, err)
	}
	return rec, nil
}

// Decide records a human decision on a pending escalation. The decider
// defaults to the caller. An approval runs the action before Decide
// returns.
func (g *Gateway) Decide(ctx context.Context, caller authz.Principal, id string, d types.EscalationDecision) (types.EscalationRecord, error) {
	const op = "decide"
	if err := authz.Require(caller, authz.RoleOperator); err != nil {
		return types.EscalationRecord{}, g.fail(ctx, op, id, types.ErrorRecord{}, err)
	}
	if d.Decider == "" {
		d.Decider = caller.Subject
	}

	ctx, span := g.tracer.Start(ctx, "gateway.decide",
		trace.WithAttributes(
			attribute.String("escalation.id", id),
			attribute.String("caller", caller.Subject),
		),
	)
	defer span.End()

	rec, err := g.escalations.Decide(ctx, id, d)
	if err != nil {
		telemetry.RecordError(span, err)
		record := types.ErrorRecord{AgentID: rec.Request.AgentID, Action: rec.Request.Action}
		return rec, g.fail(ctx, op, id, record, err)
	}
	return rec, nil
}

// Audit returns one page of the audit log
func (g *Gateway) Audit(ctx context.Context, caller authz.Principal, q AuditQuery) (wal.Page, error) {
	const op = "audit_query"
	if err := authz.Require(caller, authz.RoleOperator); err != nil {
		return wal.Page{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	page, err := g.audit.Query(wal.Query{Kind: q.Kind, Subject: q.Subject, After: q.After, Limit: q.Limit})
	if err != nil {
		return wal.Page{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{},
			fmt.Errorf("%w: audit query: %v", types.ErrUnavailable, err))
	}
	return page, nil
}

// authorizeTrustRead lets agents read their own score and operators read
// any
func authorizeTrustRead(caller authz.Principal, agentID string) error {
	if err := authz.Require(caller, authz.RoleAgent); err != nil {
		return err
	}
	if caller.Role == authz.RoleAgent && caller.Subject != agentID {
		return fmt.Errorf("%w: agents read only their own trust score", types.ErrForbidden)
	}
	return nil
}

// Trust returns an agent's current trust score
func (g *Gateway) Trust(ctx context.Context, caller authz.Principal, agentID string) (types.TrustScore, error) {
	const op = "trust"
	if err := authorizeTrustRead(caller, agentID); err != nil {
		return types.TrustScore{}, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	score, err := g.trust.Get(ctx, agentID)
	if err != nil {
		return types.TrustScore{}, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	return score, nil
}

// TrustHistory returns an agent's score changes after the given sequence
func (g *Gateway) TrustHistory(ctx context.Context, caller authz.Principal, agentID string, after uint64, limit int) ([]types.EASHistoryEntry, error) {
	const op = "trust_history"
	if err := authorizeTrustRead(caller, agentID); err != nil {
		return nil, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	entries, err := g.trust.History(ctx, agentID, after, limit)
	if err != nil {
		return nil, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	return entries, nil
}

// SetTrust overrides an agent's score. Admin only; a reason is required.
func (g *Gateway) SetTrust(ctx context.Context, caller authz.Principal, agentID string, score float64, reason string) (types.EASHistoryEntry, error) {
	const op = "set_trust"
	if err := authz.Require(caller, authz.RoleAdmin); err != nil {
		return types.EASHistoryEntry{}, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	entry, err := g.trust.SetManualBy(ctx, agentID, score, reason, caller.Subject)
	if err != nil {
		return types.EASHistoryEntry{}, g.fail(ctx, op, agentID, types.ErrorRecord{AgentID: agentID}, err)
	}
	return entry, nil
}

// ReloadPolicy re-reads the policy file. A rejected document leaves the
// active one in place.
func (g *Gateway) ReloadPolicy(ctx context.Context, caller authz.Principal) (policy.ReloadResult, error) {
	const op = "reload_policy"
	if err := authz.Require(caller, authz.RoleAdmin); err != nil {
		return policy.ReloadResult{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	if g.loader == nil {
		return policy.ReloadResult{}, g.fail(ctx, op, caller.Subject, types.ErrorRecord{},
			fmt.Errorf("%w: no policy file configured", types.ErrConfiguration))
	}
	res, err := g.loader.Reload(ctx, caller.Subject)
	if err != nil {
		// the loader audits rejected reloads itself
		return policy.ReloadResult{}, g.wrap(ctx, op, err)
	}
	return res, nil
}

// PolicyHistory lists recorded policy versions oldest first. Admin only.
func (g *Gateway) PolicyHistory(ctx context.Context, caller authz.Principal, after uint64, limit int) ([]types.PolicyVersion, error) {
	const op = "policy_history"
	if err := authz.Require(caller, authz.RoleAdmin); err != nil {
		return nil, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	versions, err := g.store.ListPolicyVersions(ctx, after, limit)
	if err != nil {
		return nil, g.fail(ctx, op, caller.Subject, types.ErrorRecord{}, err)
	}
	return versions, nil
}

// RollbackPolicy re-activates a recorded policy version. Admin only.
func (g *Gateway) RollbackPolicy(ctx context.Context, caller authz.Principal, id uint64) (policy.ReloadResult, error) {
	const op = "rollback_policy"
	subject := fmt.Sprintf("policy_version:%d", id)
	if err := authz.Require(caller, authz.RoleAdmin); err != nil {
		return policy.ReloadResult{}, g.fail(ctx, op, subject, types.ErrorRecord{}, err)
	}
	if g.loader == nil {
		return policy.ReloadResult{}, g.fail(ctx, op, subject, types.ErrorRecord{},
			fmt.Errorf("%w: no policy file configured", types.ErrConfiguration))
	}
	if _, err := g.store.GetPolicyVersion(ctx, id); err != nil {
		return policy.ReloadResult{}, g.fail(ctx, op, subject, types.ErrorRecord{}, err)
	}
	res, err := g.loader.Rollback(ctx, id, caller.Subject)
	if err != nil {
		// the loader audits rejected documents itself
		return policy.ReloadResult{}, g.wrap(ctx, op, err)
	}
	return res, nil
}

// Health reports service status. Anonymous callers get only the status;
// authenticated callers also get the detail behind it.
func (g *Gateway) Health(ctx context.Context, caller authz.Principal) Health {
	h := Health{Status: StatusOK, CheckedAt: g.now().UTC()}

	doc := g.holder.Current()
	storeErr := g.store.Ping(ctx)
	if doc == nil || storeErr != nil {
		h.Status = StatusDegraded
	}
	if !caller.Authenticated() {
		return h
	}

	loaded := doc != nil
	reachable := storeErr == nil
	h.PolicyLoaded = &loaded
	h.StoreReachable = &reachable
	if doc != nil {
		h.PolicyVersion = doc.Version
	}
	if storeErr != nil {
		h.StoreError = types.PublicMessage(storeErr)
	}
	h.AuditSequence = g.audit.Sequence()
	h.PendingEscalations = g.store.PendingCount()
	if score, err := g.trust.Get(ctx, caller.Subject); err == nil {
		h.TrustScore = &score.Score
	} else {
		g.logger.WithContext(ctx).Warn().
			Err(err).
			Str("subject", caller.Subject).
			Msg("trust score unavailable for health")
	}
	return h
}
