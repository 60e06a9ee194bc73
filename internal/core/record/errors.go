package record

import (
	"errors"
	"fmt"
)

// ErrUnknownRecord is returned when an operation names an id the Store does not hold.
var ErrUnknownRecord = errors.New("unknown record")

// PreconditionError is a caller-fixable setup problem. Operations returning it
// leave the Store untouched.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Op == "" {
		return "precondition failed: " + e.Reason
	}
	return e.Op + ": precondition failed: " + e.Reason
}

// Precondition builds a *PreconditionError.
func Precondition(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err wraps a *PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// StaleReferenceWarning describes a dirty id with no matching record.
type StaleReferenceWarning struct {
	ID string
}

func (w StaleReferenceWarning) Error() string {
	return fmt.Sprintf("stale dirty reference %q has no record", w.ID)
}
