package policy

import (
	"fmt"
	"time"

	"github.com/yairfalse/vigil/types"
)

// Input carries everything one evaluation depends on besides the document
type Input struct {
	Request types.ActionRequest
	Trust   float64
	// Degraded is set when the trust store could not be read
	Degraded bool
	Windows  []types.MaintenanceWindow
	Now      time.Time
}

// Decide evaluates a request against a document. It is pure: the same
// document and input always produce the same decision.
//
// Order: hard rule, scope limit, degraded-mode gate, threshold, verdict
// (tier 5 and BLOCK tiers, unknown action, tier default, confidence),
// maintenance-window waiver. A scope escalation outranks every tier, and
// only the hard rules outrank it.
func Decide(doc *Document, in Input) types.Decision {
	req := in.Request
	d := types.Decision{
		Action:        req.Action,
		Confidence:    req.Confidence,
		TrustScore:    in.Trust,
		PolicyVersion: doc.Version,
		EvaluatedAt:   in.Now,
		Degraded:      in.Degraded,
	}

	tier, classErr := Classify(req.Action, doc)
	unknown := classErr != nil

	if doc.IsHardBlocked(req.Action) {
		if unknown {
			tier = types.TierCritical
		}
		d.Tier = tier
		d.Verdict = types.VerdictBlock
		d.HardRule = true
		d.RequiresAudit = true
		d.Threshold = baseThreshold(doc, tier)
		d.Reason = fmt.Sprintf("action %q is on the always-block list", req.Action)
		return d
	}

	if unknown {
		tier = doc.UnknownActionTier
		d.UnknownAction = true
	}
	d.Tier = tier
	def, _ := doc.Tier(tier)
	d.RequiresAudit = def.RequiresAudit || tier >= types.TierLowRisk

	scope := CheckScope(doc, req.DeviceCount())
	trust := in.Trust
	if in.Degraded {
		if scope == ScopeWithin && (tier != types.TierRead || unknown || !doc.Degraded.PermitReads) {
			d.Verdict = types.VerdictBlock
			d.Threshold = baseThreshold(doc, tier)
			d.Reason = "trust store unavailable; only read actions may proceed"
			return d
		}
		trust = 0
		d.TrustScore = 0
	}

	d.Threshold = EffectiveThreshold(doc, tier, trust)
	senior := def.RequiresSeniorApproval

	switch {
	case scope == ScopeExceedsMax:
		d.Verdict = types.VerdictEscalate
		senior = true
		d.Reason = fmt.Sprintf("targets %d devices, above max_devices_per_action %d",
			req.DeviceCount(), doc.ScopeLimits.MaxDevicesPerAction)
	case scope == ScopeEscalate:
		d.Verdict = types.VerdictEscalate
		d.Reason = fmt.Sprintf("targets %d devices, above escalate_above %d",
			req.DeviceCount(), doc.ScopeLimits.EscalateAbove)
	case tier == types.TierCritical:
		d.Verdict = types.VerdictBlock
		d.Reason = fmt.Sprintf("%s actions are always blocked", tier)
	case def.DefaultVerdict == types.VerdictBlock:
		d.Verdict = types.VerdictBlock
		d.Reason = fmt.Sprintf("%s default verdict is BLOCK", tier)
	case unknown:
		d.Verdict = types.VerdictEscalate
		d.Reason = fmt.Sprintf("action %q is not registered; treated as %s", req.Action, tier)
	case def.DefaultVerdict == types.VerdictEscalate:
		d.Verdict = types.VerdictEscalate
		d.Reason = fmt.Sprintf("%s requires human approval", tier)
	case req.Confidence >= d.Threshold:
		d.Verdict = types.VerdictPermit
		d.Reason = fmt.Sprintf("confidence %.3f meets threshold %.3f", req.Confidence, d.Threshold)
	default:
		d.Verdict = types.VerdictEscalate
		d.Reason = fmt.Sprintf("confidence %.3f below threshold %.3f", req.Confidence, d.Threshold)
	}

	if d.Verdict == types.VerdictEscalate {
		d.RequiresSeniorApproval = senior || tier >= types.TierHighRisk
	}

	ApplyMaintenance(&d, req.Devices, in.Windows, in.Now)
	return d
}

// ApplyMaintenance waives senior approval when an active window covers
// every target device. It never changes the verdict.
func ApplyMaintenance(d *types.Decision, devices []string, windows []types.MaintenanceWindow, now time.Time) {
	if d.Verdict != types.VerdictEscalate || !d.RequiresSeniorApproval {
		return
	}
	for _, w := range windows {
		if w.Active(now) && w.Covers(devices) && w.Waives(d.Tier) {
			d.RequiresSeniorApproval = false
			d.SeniorApprovalWaived = true
			d.MaintenanceWindow = w.Name
			return
		}
	}
}

func baseThreshold(doc *Document, tier types.Tier) float64 {
	if def, ok := doc.Tier(tier); ok {
		return def.ConfidenceThreshold
	}
	return 1
}
