package types

import "time"

// ExecutionStatus represents the per-device outcome of an execution
type ExecutionStatus string

const (
	StatusSuccess       ExecutionStatus = "success"
	StatusFailed        ExecutionStatus = "failed"
	StatusRolledBack    ExecutionStatus = "rolled_back"
	StatusUnrecoverable ExecutionStatus = "unrecoverable"
	StatusSkipped       ExecutionStatus = "skipped"
)

// ValidationStatus is the result of one post-change validator
type ValidationStatus string

const (
	ValidationPass    ValidationStatus = "PASS"
	ValidationFail    ValidationStatus = "FAIL"
	ValidationSkip    ValidationStatus = "SKIP"
	ValidationErrored ValidationStatus = "ERROR"
)

// ValidatorResult records the outcome of one validator run
type ValidatorResult struct {
	Name     string           `json:"name"`
	Status   ValidationStatus `json:"status"`
	Required bool             `json:"required"`
	Detail   string           `json:"detail,omitempty"`
}

// RollbackOutcome describes what happened when a rollback was attempted
type RollbackOutcome string

const (
	RollbackNone     RollbackOutcome = ""
	RollbackRestored RollbackOutcome = "restored"
	RollbackFailed   RollbackOutcome = "failed"
	RollbackMismatch RollbackOutcome = "mismatch"
)

// DeviceResult is the execution outcome on a single device
type DeviceResult struct {
	Device            string            `json:"device"`
	Status            ExecutionStatus   `json:"status"`
	Command           string            `json:"command"`
	Output            string            `json:"output,omitempty"`
	Error             string            `json:"error,omitempty"`
	Attempts          int               `json:"attempts"`
	PreChangeCaptured bool              `json:"pre_change_captured"`
	Validations       []ValidatorResult `json:"validations,omitempty"`
	RollbackTriggered bool              `json:"rollback_triggered"`
	RollbackOutcome   RollbackOutcome   `json:"rollback_outcome,omitempty"`
	RollbackError     string            `json:"rollback_error,omitempty"`
	Unrecoverable     bool              `json:"unrecoverable"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// ExecutionResult aggregates device results for one action
type ExecutionResult struct {
	Action         string         `json:"action"`
	RollbackPolicy string         `json:"rollback_policy"`
	Devices        []DeviceResult `json:"devices"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Success reports whether every device succeeded
func (r *ExecutionResult) Success() bool {
	if len(r.Devices) == 0 {
		return false
	}
	for _, d := range r.Devices {
		if d.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// Unrecoverable reports whether any device was left in an unknown state
func (r *ExecutionResult) Unrecoverable() bool {
	for _, d := range r.Devices {
		if d.Unrecoverable {
			return true
		}
	}
	return false
}

// RolledBack reports whether a rollback was triggered on any device
func (r *ExecutionResult) RolledBack() bool {
	for _, d := range r.Devices {
		if d.RollbackTriggered {
			return true
		}
	}
	return false
}
