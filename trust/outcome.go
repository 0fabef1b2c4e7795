package trust

import "github.com/yairfalse/vigil/types"

// ExecutionOutcome maps an execution result onto the outcome that adjusts
// the agent's score. ok is false when the result should not move the
// score, such as a failure that never changed a device.
func ExecutionOutcome(result types.ExecutionResult, escalated bool) (types.Outcome, bool) {
	if len(result.Devices) == 0 {
		return "", false
	}
	if result.Unrecoverable() || result.RolledBack() {
		return types.OutcomeRollbackFailure, true
	}
	if result.Success() {
		if escalated {
			return types.OutcomeEscalatedSuccess, true
		}
		return types.OutcomePermittedSuccess, true
	}
	return "", false
}

// DecisionOutcome reports whether a verdict counts as a policy violation.
// Blocks caused by the gatekeeper itself, such as an audit failure or an
// unknown action, do not.
func DecisionOutcome(d types.Decision) (types.Outcome, bool) {
	if d.Verdict != types.VerdictBlock || d.Degraded || d.UnknownAction {
		return "", false
	}
	if d.HardRule || len(d.GuardRules) > 0 {
		return types.OutcomeViolation, true
	}
	return "", false
}
