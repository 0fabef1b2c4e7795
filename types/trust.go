package types

import "time"

// Outcome is a terminal result that feeds the trust score
type Outcome string

const (
	OutcomePermittedSuccess Outcome = "permitted_success"
	OutcomeEscalatedSuccess Outcome = "escalated_success"
	OutcomeViolation        Outcome = "violation"
	OutcomeRollbackFailure  Outcome = "rollback_failure"
)

// TrustSource distinguishes automatic from operator-driven changes
type TrustSource string

const (
	TrustAutomatic TrustSource = "automatic"
	TrustManual    TrustSource = "manual"
)

// OutcomeEvent is published once per terminal execution outcome
type OutcomeEvent struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Tier      Tier      `json:"tier"`
	Outcome   Outcome   `json:"outcome"`
	Reference string    `json:"reference"`
	At        time.Time `json:"at"`
}

// TrustScore is an agent's current earned autonomy score
type TrustScore struct {
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EASHistoryEntry records one change to an agent's trust score
type EASHistoryEntry struct {
	AgentID   string      `json:"agent_id"`
	Sequence  uint64      `json:"sequence"`
	Previous  float64     `json:"previous"`
	New       float64     `json:"new"`
	Delta     float64     `json:"delta"`
	Reason    string      `json:"reason"`
	Source    TrustSource `json:"source"`
	Reference string      `json:"reference,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
