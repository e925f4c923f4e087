package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no transaction exists for the given id.
var ErrNotFound = errors.New("escrow transaction not found")

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

func NewValidationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// PreconditionError rejects a transition requested against the wrong
// current status. The transaction is left untouched.
type PreconditionError struct {
	TransactionID string
	Current       EscrowStatus
	Requested     EscrowStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s",
		e.TransactionID, e.Current, e.Requested)
}

// RuleViolation reports the first release condition left unmet.
type RuleViolation struct {
	Rule   string
	Reason string
}

func (e *RuleViolation) Error() string {
	return fmt.Sprintf("release conditions not met (%s): %s", e.Rule, e.Reason)
}

// GatewayError wraps a payment processor failure. Retryable failures
// (network, timeout, processor 5xx) may be retried with the same
// correlation id; permanent ones (declined, invalid instrument) may not.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	class := "permanent"
	if e.Retryable {
		class = "retryable"
	}
	return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, class, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable gateway failure.
func IsRetryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}
