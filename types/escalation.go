package types

import "time"

// EscalationStatus is the lifecycle state of an escalation record
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "PENDING"
	EscalationApproved EscalationStatus = "APPROVED"
	EscalationRejected EscalationStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed
func (s EscalationStatus) Terminal() bool {
	return s == EscalationApproved || s == EscalationRejected
}

// EscalationRecord tracks a request that needs a human decision.
// Records are never deleted; Status only ever moves PENDING -> terminal once.
type EscalationRecord struct {
	ID                     string           `json:"id"`
	EvaluationID           string           `json:"evaluation_id"`
	Request                ActionRequest    `json:"request"`
	Tier                   Tier             `json:"tier"`
	Reason                 string           `json:"reason"`
	PolicyVersion          string           `json:"policy_version"`
	Status                 EscalationStatus `json:"status"`
	RequiresSeniorApproval bool             `json:"requires_senior_approval"`
	SeniorApprovalMet      bool             `json:"senior_approval_met"`
	CreatedAt              time.Time        `json:"created_at"`
	DecidedAt              *time.Time       `json:"decided_at,omitempty"`
	Decider                string           `json:"decider,omitempty"`
	DecisionReason         string           `json:"decision_reason,omitempty"`
	Execution              *ExecutionResult `json:"execution,omitempty"`
}

// EscalationDecision is a human verdict on a pending escalation
type EscalationDecision struct {
	Approve bool   `json:"approve"`
	Decider string `json:"decider"`
	Reason  string `json:"reason"`
	Senior  bool   `json:"senior"`
}

// Status maps the decision onto the terminal state it produces
func (d EscalationDecision) Status() EscalationStatus {
	if d.Approve {
		return EscalationApproved
	}
	return EscalationRejected
}
