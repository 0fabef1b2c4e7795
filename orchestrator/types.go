package orchestrator

import (
	"time"

	"github.com/yairfalse/vigil/escalation"
	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

// AuditLog is the audit sink plus its read side
type AuditLog interface {
	types.AuditLog
	Query(q wal.Query) (wal.Page, error)
	Sequence() uint64
}

// Deps are the collaborators a Gateway is built from
type Deps struct {
	Policy     *policy.Holder
	Loader     *policy.Loader // optional; without it ReloadPolicy fails
	Store      storage.Storage
	Audit      AuditLog
	Dispatcher escalation.Dispatcher
	Trust      *trust.Adjuster
	Outcomes   escalation.OutcomeSink // optional
	Rollback   executor.RollbackPolicy
	Metrics    *telemetry.Metrics // optional
}

// Submission is the answer to one action request
type Submission struct {
	Decision   types.Decision          `json:"decision"`
	Escalation *types.EscalationRecord `json:"escalation,omitempty"`
	Execution  *types.ExecutionResult  `json:"execution,omitempty"`
}

// Page selects a slice of a paginated listing
type Page struct {
	After string
	Limit int
}

// EscalationPage is one page of pending escalations
type EscalationPage struct {
	Items []types.EscalationRecord `json:"items"`
	Next  string                   `json:"next,omitempty"`
}

// AuditQuery filters the audit log
type AuditQuery struct {
	Kind    types.AuditKind
	Subject string
	After   uint64
	Limit   int
}

// Health is the service status. Only Status is filled for anonymous
// callers.
type Health struct {
	Status             string    `json:"status"`
	PolicyVersion      string    `json:"policy_version,omitempty"`
	PolicyLoaded       *bool     `json:"policy_loaded,omitempty"`
	StoreReachable     *bool     `json:"store_reachable,omitempty"`
	StoreError         string    `json:"store_error,omitempty"`
	AuditSequence      uint64    `json:"audit_sequence,omitempty"`
	PendingEscalations int       `json:"pending_escalations,omitempty"`
	// TrustScore is the caller's own current score
	TrustScore *float64  `json:"trust_score,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Health statuses
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Error is returned by every Gateway operation. Its message is safe to
// hand to the caller; the cause remains reachable through errors.Is.
type Error struct {
	Op       string
	Category types.Category
	cause    error
}

func (e *Error) Error() string {
	return e.Op + ": " + types.PublicMessage(e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the unsanitized error for server-side logging
func (e *Error) Cause() error { return e.cause }
