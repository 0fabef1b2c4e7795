// Package trust maintains each agent's earned autonomy score (EAS).
//
// Scores move only in response to terminal execution outcomes or an
// explicit operator override. Gains are small and weighted by tier;
// penalties are fixed and always larger than any single gain.
package trust

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/internal/keylock"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Config holds the adjustment rates
type Config struct {
	DefaultScore        float64
	BaseGain            float64
	TierWeights         map[types.Tier]float64
	EscalatedMultiplier float64
	ViolationPenalty    float64
	RollbackPenalty     float64
}

// DefaultConfig returns the standard rates. New agents start untrusted.
func DefaultConfig() Config {
	return Config{
		DefaultScore: 0.1,
		BaseGain:     0.01,
		TierWeights: map[types.Tier]float64{
			types.TierRead:       0.2,
			types.TierLowRisk:    0.5,
			types.TierMediumRisk: 1.0,
			types.TierHighRisk:   1.5,
			types.TierCritical:   0.0,
		},
		EscalatedMultiplier: 0.5,
		ViolationPenalty:    0.05,
		RollbackPenalty:     0.08,
	}
}

// Validate checks that penalties dominate gains
func (c Config) Validate() error {
	if c.DefaultScore < 0 || c.DefaultScore > 1 {
		return fmt.Errorf("%w: default score %v outside [0,1]", types.ErrConfiguration, c.DefaultScore)
	}
	if c.BaseGain < 0 || c.EscalatedMultiplier < 0 {
		return fmt.Errorf("%w: gains must not be negative", types.ErrConfiguration)
	}
	maxGain := c.MaxGain()
	if c.ViolationPenalty <= maxGain || c.RollbackPenalty <= maxGain {
		return fmt.Errorf("%w: penalties (%v, %v) must exceed the largest gain %v",
			types.ErrConfiguration, c.ViolationPenalty, c.RollbackPenalty, maxGain)
	}
	return nil
}

// MaxGain is the largest increase any single outcome can produce
func (c Config) MaxGain() float64 {
	var top float64
	for _, w := range c.TierWeights {
		top = math.Max(top, w)
	}
	return top * c.BaseGain * math.Max(1, c.EscalatedMultiplier)
}

// Delta returns the signed change an outcome at tier produces
func (c Config) Delta(outcome types.Outcome, tier types.Tier) (float64, error) {
	switch outcome {
	case types.OutcomePermittedSuccess:
		return c.TierWeights[tier] * c.BaseGain, nil
	case types.OutcomeEscalatedSuccess:
		return c.TierWeights[tier] * c.BaseGain * c.EscalatedMultiplier, nil
	case types.OutcomeViolation:
		return -c.ViolationPenalty, nil
	case types.OutcomeRollbackFailure:
		return -c.RollbackPenalty, nil
	default:
		return 0, &types.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", outcome)}
	}
}

// Adjuster owns trust scores. It is the only writer of the trust store.
type Adjuster struct {
	store   storage.TrustStorage
	audit   types.AuditLog
	config  Config
	locks   keylock.Map
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewAdjuster creates an adjuster. metrics may be nil.
func NewAdjuster(store storage.TrustStorage, audit types.AuditLog, config Config, metrics *telemetry.Metrics) (*Adjuster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adjuster{
		store:   store,
		audit:   audit,
		config:  config,
		metrics: metrics,
		logger:  telemetry.NewLogger("eas-adjuster"),
		tracer:  otel.Tracer("eas-adjuster"),
		now:     time.Now,
	}, nil
}

// Score returns the agent's current score, or the default for an agent
// that has never been scored
func (a *Adjuster) Score(ctx context.Context, agentID string) (float64, error) {
	current, err := a.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return current.Score, nil
}

// Get returns the agent's current score record
func (a *Adjuster) Get(ctx context.Context, agentID string) (types.TrustScore, error) {
	score, found, err := a.store.GetTrust(ctx, agentID)
	if err != nil {
		return types.TrustScore{}, err
	}
	if !found {
		return types.TrustScore{AgentID: agentID, Score: a.config.DefaultScore}, nil
	}
	return score, nil
}

// Adjust applies one terminal outcome to the agent's score
func (a *Adjuster) Adjust(ctx context.Context, ev types.OutcomeEvent) (types.EASHistoryEntry, error) {
	if strings.TrimSpace(ev.AgentID) == "" {
		return types.EASHistoryEntry{}, &types.ValidationError{Field: "agent_id", Reason: "cannot be empty"}
	}
	delta, err := a.config.Delta(ev.Outcome, ev.Tier)
	if err != nil {
		return types.EASHistoryEntry{}, err
	}

	return a.apply(ctx, ev.AgentID, types.TrustAutomatic, string(ev.Outcome), ev.Reference, func(prev float64) float64 {
		return prev + delta
	})
}

// SetManual overrides an agent's score. The reason is mandatory and is
// kept in the history entry.
func (a *Adjuster) SetManual(ctx context.Context, agentID string, score float64, reason string) (types.EASHistoryEntry, error) {
	return a.SetManualBy(ctx, agentID, score, reason, "")
}

// SetManualBy is SetManual with the acting principal recorded as the
// history entry's reference.
func (a *Adjuster) SetManualBy(ctx context.Context, agentID string, score float64, reason, actor string) (types.EASHistoryEntry, error) {
	if strings.TrimSpace(agentID) == "" {
		return types.EASHistoryEntry{}, &types.ValidationError{Field: "agent_id", Reason: "cannot be empty"}
	}
	if !(score >= 0 && score <= 1) {
		return types.EASHistoryEntry{}, &types.ValidationError{Field: "score", Reason: fmt.Sprintf("must be within [0,1], got %v", score)}
	}
	if strings.TrimSpace(reason) == "" {
		return types.EASHistoryEntry{}, &types.ValidationError{Field: "reason", Reason: "manual adjustments require a reason"}
	}

	reference := ""
	if actor != "" {
		reference = "by:" + actor
	}
	return a.apply(ctx, agentID, types.TrustManual, reason, reference, func(float64) float64 {
		return score
	})
}

func (a *Adjuster) apply(ctx context.Context, agentID string, source types.TrustSource, reason, reference string, next func(float64) float64) (types.EASHistoryEntry, error) {
	ctx, span := a.tracer.Start(ctx, "trust.adjust",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("source", string(source)),
		),
	)
	defer span.End()

	unlock := a.locks.Lock(agentID)
	defer unlock()

	current, err := a.Get(ctx, agentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return types.EASHistoryEntry{}, err
	}

	now := a.now().UTC()
	updated := clamp(next(current.Score))
	entry := types.EASHistoryEntry{
		AgentID:   agentID,
		Previous:  current.Score,
		New:       updated,
		Delta:     updated - current.Score,
		Reason:    reason,
		Source:    source,
		Reference: reference,
		Timestamp: now,
	}

	entry, err = a.store.RecordTrust(ctx, types.TrustScore{AgentID: agentID, Score: updated, UpdatedAt: now}, entry)
	if err != nil {
		telemetry.RecordError(span, err)
		a.logger.LogStorageError(ctx, "record_trust", err)
		return types.EASHistoryEntry{}, err
	}

	if err := a.audit.Append(types.AuditEASAdjustment, agentID, entry); err != nil {
		telemetry.RecordError(span, err)
		a.logger.LogAuditFailure(ctx, string(types.AuditEASAdjustment), agentID, err)
		return entry, fmt.Errorf("%w: audit eas adjustment: %v", types.ErrUnavailable, err)
	}

	a.metrics.RecordTrustChange(ctx, string(source))
	telemetry.RecordTrustChangeEvent(span, agentID, entry.Previous, entry.New, string(source), reason)

	a.logger.WithContext(ctx).Info().
		Str("agent_id", agentID).
		Float64("previous", entry.Previous).
		Float64("new", entry.New).
		Str("source", string(source)).
		Str("reason", reason).
		Msg("trust score updated")

	return entry, nil
}

// History returns the agent's score changes after the given sequence
func (a *Adjuster) History(ctx context.Context, agentID string, after uint64, limit int) ([]types.EASHistoryEntry, error) {
	return a.store.TrustHistory(ctx, agentID, after, limit)
}

// Reconstruct replays the agent's full history and returns the score it
// implies. It matches the stored score unless the store was tampered with.
func (a *Adjuster) Reconstruct(ctx context.Context, agentID string) (float64, error) {
	score := a.config.DefaultScore
	var after uint64
	for {
		page, err := a.store.TrustHistory(ctx, agentID, after, storage.MaxPageSize)
		if err != nil {
			return 0, err
		}
		for _, e := range page {
			if e.Previous != score {
				return 0, fmt.Errorf("history for %s breaks at sequence %d: previous %v, expected %v",
					agentID, e.Sequence, e.Previous, score)
			}
			score = e.New
			after = e.Sequence
		}
		if len(page) < storage.MaxPageSize {
			return score, nil
		}
	}
}

func clamp(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
