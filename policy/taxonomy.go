package policy

import (
	"math"

	"github.com/yairfalse/vigil/types"
)

// Classify resolves an action name to its risk tier. Matching is
// case-insensitive. Unregistered actions yield *types.UnknownActionError.
func Classify(action string, doc *Document) (types.Tier, error) {
	tier, ok := doc.actions[NormalizeAction(action)]
	if !ok {
		return 0, &types.UnknownActionError{Action: action}
	}
	return tier, nil
}

// EffectiveThreshold returns the confidence threshold for tier after trust
// modulation. Modulation never applies to tier 5. The reduction is capped at
// max_threshold_reduction and the result is clamped to [0,1].
func EffectiveThreshold(doc *Document, tier types.Tier, trust float64) float64 {
	def, ok := doc.Tier(tier)
	if !ok {
		return 1
	}
	base := def.ConfidenceThreshold

	m := doc.EASModulation
	if !m.Enabled || tier >= types.TierCritical || trust < m.MinEAS {
		return clamp01(base)
	}

	reduction := math.Min(m.MaxThresholdReduction, clamp01(trust)*m.MaxThresholdReduction)
	return clamp01(base - reduction)
}

// ScopeResult is the outcome of the device scope check
type ScopeResult int

const (
	ScopeWithin ScopeResult = iota
	ScopeEscalate
	ScopeExceedsMax
)

// CheckScope compares the device count against the document scope limits
func CheckScope(doc *Document, deviceCount int) ScopeResult {
	switch {
	case deviceCount > doc.ScopeLimits.MaxDevicesPerAction:
		return ScopeExceedsMax
	case deviceCount > doc.ScopeLimits.EscalateAbove:
		return ScopeEscalate
	default:
		return ScopeWithin
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
