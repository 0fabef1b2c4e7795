package types

import "time"

// AuditKind identifies what an audit entry records
type AuditKind string

const (
	AuditEvaluation         AuditKind = "evaluation"
	AuditEscalationCreated  AuditKind = "escalation_created"
	AuditEscalationDecision AuditKind = "escalation_decision"
	AuditExecution          AuditKind = "execution"
	AuditEASAdjustment      AuditKind = "eas_adjustment"
	AuditPolicyReload       AuditKind = "policy_reload"
	AuditError              AuditKind = "error"
)

// AuditLog is the append-only sink every terminal decision point writes to.
// It has no update or delete.
type AuditLog interface {
	Append(kind AuditKind, subject string, data any) error
	AppendError(kind AuditKind, subject string, data any, err error) error
}

// EvaluationRecord is the payload of an evaluation audit entry
type EvaluationRecord struct {
	Request  ActionRequest `json:"request"`
	Decision Decision      `json:"decision"`
}

// EscalationDecisionRecord is the payload of an escalation decision entry
type EscalationDecisionRecord struct {
	EscalationID      string           `json:"escalation_id"`
	AgentID           string           `json:"agent_id"`
	Action            string           `json:"action"`
	Status            EscalationStatus `json:"status"`
	Decider           string           `json:"decider"`
	Reason            string           `json:"reason"`
	SeniorRequired    bool             `json:"senior_required"`
	SeniorApprovalMet bool             `json:"senior_approval_met"`
	DecidedAt         time.Time        `json:"decided_at"`
}

// ExecutionRecord is the payload of an execution audit entry
type ExecutionRecord struct {
	AgentID      string          `json:"agent_id"`
	EscalationID string          `json:"escalation_id,omitempty"`
	EvaluationID string          `json:"evaluation_id,omitempty"`
	Result       ExecutionResult `json:"result"`
}

// PolicyReloadRecord is the payload of a policy reload entry
type PolicyReloadRecord struct {
	PreviousVersion string   `json:"previous_version,omitempty"`
	NewVersion      string   `json:"new_version"`
	Source          string   `json:"source"`
	Changes         []string `json:"changes,omitempty"`
	Actor           string   `json:"actor,omitempty"`
	Hash            string   `json:"hash,omitempty"`
	RollbackOf      uint64   `json:"rollback_of,omitempty"`
}

// ErrorRecord is the payload of an error audit entry
type ErrorRecord struct {
	Operation string   `json:"operation"`
	Category  Category `json:"category"`
	AgentID   string   `json:"agent_id,omitempty"`
	Action    string   `json:"action,omitempty"`
}
