package types

import (
	"fmt"
	"time"
)

// Verdict is the outcome of a policy evaluation
type Verdict string

const (
	VerdictPermit   Verdict = "PERMIT"
	VerdictEscalate Verdict = "ESCALATE"
	VerdictBlock    Verdict = "BLOCK"
)

// Valid reports whether v is one of the three verdicts
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPermit, VerdictEscalate, VerdictBlock:
		return true
	}
	return false
}

// Severity orders verdicts from least to most restrictive
func (v Verdict) Severity() int {
	switch v {
	case VerdictPermit:
		return 0
	case VerdictEscalate:
		return 1
	default:
		return 2
	}
}

// Tier is the risk tier of an action, 1 (read-only) through 5 (critical)
type Tier int

const (
	TierRead Tier = iota + 1
	TierLowRisk
	TierMediumRisk
	TierHighRisk
	TierCritical
)

// AllTiers lists every tier in ascending order
var AllTiers = []Tier{TierRead, TierLowRisk, TierMediumRisk, TierHighRisk, TierCritical}

// Valid reports whether t is within 1..5
func (t Tier) Valid() bool {
	return t >= TierRead && t <= TierCritical
}

func (t Tier) String() string {
	switch t {
	case TierRead:
		return "tier_1_read"
	case TierLowRisk:
		return "tier_2_low_risk"
	case TierMediumRisk:
		return "tier_3_medium_risk"
	case TierHighRisk:
		return "tier_4_high_risk"
	case TierCritical:
		return "tier_5_critical"
	default:
		return fmt.Sprintf("tier_%d_invalid", int(t))
	}
}

// Decision is the full result of evaluating one ActionRequest
type Decision struct {
	EvaluationID           string    `json:"evaluation_id"`
	Verdict                Verdict   `json:"verdict"`
	Tier                   Tier      `json:"tier"`
	Action                 string    `json:"action"`
	Reason                 string    `json:"reason"`
	Confidence             float64   `json:"confidence"`
	Threshold              float64   `json:"threshold"`
	TrustScore             float64   `json:"trust_score"`
	RequiresAudit          bool      `json:"requires_audit"`
	RequiresSeniorApproval bool      `json:"requires_senior_approval"`
	SeniorApprovalWaived   bool      `json:"senior_approval_waived,omitempty"`
	MaintenanceWindow      string    `json:"maintenance_window,omitempty"`
	HardRule               bool      `json:"hard_rule,omitempty"`
	UnknownAction          bool      `json:"unknown_action,omitempty"`
	Degraded               bool      `json:"degraded,omitempty"`
	GuardRules             []string  `json:"guard_rules,omitempty"`
	PolicyVersion          string    `json:"policy_version"`
	EvaluatedAt            time.Time `json:"evaluated_at"`
}

// Tighten moves the decision to a more restrictive verdict. It never
// loosens: a request to tighten BLOCK to ESCALATE is ignored.
func (d *Decision) Tighten(v Verdict, reason string) bool {
	if v.Severity() <= d.Verdict.Severity() {
		return false
	}
	d.Verdict = v
	d.Reason = reason
	if v == VerdictEscalate && d.Tier >= TierHighRisk {
		d.RequiresSeniorApproval = true
	}
	return true
}
