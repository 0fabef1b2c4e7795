package types

import "time"

// PolicyVersion is one entry of the policy history. Every document that
// becomes active is recorded, and a rollback records a new entry rather
// than rewriting an old one.
type PolicyVersion struct {
	ID         uint64    `json:"id"`
	Version    string    `json:"version"`
	Hash       string    `json:"hash"`
	Content    string    `json:"content"`
	Changes    []string  `json:"changes,omitempty"`
	Source     string    `json:"source"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	RollbackOf uint64    `json:"rollback_of,omitempty"`
}
