package storage

import (
	"context"

	"github.com/yairfalse/vigil/types"
)

// EscalationWriter persists escalation records. Records are never deleted.
type EscalationWriter interface {
	CreateEscalation(ctx context.Context, rec types.EscalationRecord) error
	// TransitionEscalation moves a PENDING record to a terminal status.
	// It fails with types.ErrAlreadyDecided if the record is not PENDING.
	TransitionEscalation(ctx context.Context, id string, apply func(*types.EscalationRecord) error) (types.EscalationRecord, error)
	AttachExecution(ctx context.Context, id string, result types.ExecutionResult) (types.EscalationRecord, error)
}

// EscalationReader queries escalation records
type EscalationReader interface {
	GetEscalation(ctx context.Context, id string) (types.EscalationRecord, error)
	ListPending(ctx context.Context, after string, limit int) ([]types.EscalationRecord, string, error)
	PendingCount() int
}

// EscalationStorage combines read and write for escalations
type EscalationStorage interface {
	EscalationWriter
	EscalationReader
}

// TrustStorage holds the current score per agent and its append-only history
type TrustStorage interface {
	GetTrust(ctx context.Context, agentID string) (types.TrustScore, bool, error)
	// RecordTrust stores the new score and appends entry in one transaction.
	// The stored entry carries its assigned sequence.
	RecordTrust(ctx context.Context, score types.TrustScore, entry types.EASHistoryEntry) (types.EASHistoryEntry, error)
	TrustHistory(ctx context.Context, agentID string, after uint64, limit int) ([]types.EASHistoryEntry, error)
}

// PolicyHistory keeps every policy document that became active
type PolicyHistory interface {
	AppendPolicyVersion(ctx context.Context, v types.PolicyVersion) (types.PolicyVersion, error)
	GetPolicyVersion(ctx context.Context, id uint64) (types.PolicyVersion, error)
	ListPolicyVersions(ctx context.Context, after uint64, limit int) ([]types.PolicyVersion, error)
}

// StoreStats provides operational metrics
type StoreStats interface {
	Stats() (Stats, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Ping(ctx context.Context) error
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	EscalationStorage
	TrustStorage
	PolicyHistory
	StoreStats
	Lifecycle
	CurrentRevision() int64
}
