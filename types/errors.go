package types

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per category. Wrap them with %w so callers can
// use errors.Is regardless of how much context was added.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConfiguration  = errors.New("invalid configuration")
	ErrUnavailable    = errors.New("dependency unavailable")
	ErrAlreadyDecided = errors.New("escalation already decided")
	ErrPoolExhausted  = errors.New("device session pool exhausted")
	ErrExecution      = errors.New("execution failed")
	ErrUnrecoverable  = errors.New("rollback failed, device state unrecoverable")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrUnknownAction  = errors.New("unknown action")
)

// Category groups errors for reporting and external responses
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategoryAvailability  Category = "availability"
	CategoryConcurrency   Category = "concurrency"
	CategoryExecution     Category = "execution"
	CategoryUnrecoverable Category = "unrecoverable"
	CategoryAuthorization Category = "authorization"
	CategoryNotFound      Category = "not_found"
	CategoryInternal      Category = "internal"
)

// ValidationError reports a malformed field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnknownActionError is returned when an action is not in the taxonomy
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("action %q is not registered in the taxonomy", e.Action)
}

func (e *UnknownActionError) Unwrap() error { return ErrUnknownAction }

// CategoryOf maps an error onto its category
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownAction):
		return CategoryValidation
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrUnavailable):
		return CategoryAvailability
	case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrPoolExhausted):
		return CategoryConcurrency
	case errors.Is(err, ErrUnrecoverable):
		return CategoryUnrecoverable
	case errors.Is(err, ErrExecution):
		return CategoryExecution
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return CategoryAuthorization
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	default:
		return CategoryInternal
	}
}

// PublicMessage returns a message safe to hand to an external caller.
// Internal detail (paths, device output, stack context) is never included.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyDecided):
		return ErrAlreadyDecided.Error()
	case errors.Is(err, ErrPoolExhausted):
		return ErrPoolExhausted.Error()
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized.Error()
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return fmt.Sprintf("invalid request: %s", ve.Error())
	}

	switch CategoryOf(err) {
	case CategoryValidation:
		return "invalid request"
	case CategoryConfiguration:
		return "service misconfigured"
	case CategoryAvailability:
		return "service temporarily unavailable"
	case CategoryUnrecoverable:
		return "execution failed and rollback did not complete; manual intervention required"
	case CategoryExecution:
		return "execution failed"
	default:
		return "internal error"
	}
}
