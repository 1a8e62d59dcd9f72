package orchestrator

import (
	"errors"
	"fmt"
)

// Error kinds returned by orchestrator operations. The HTTP edge maps them
// to status codes; the core does not format user-facing prose.
var (
	// ErrNotFound: session code or participant does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: the user lacks the role the operation requires.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict: role unavailable, duplicate join, or gating unsatisfied.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState: operation illegal in the session's current phase.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation: malformed payload.
	ErrValidation = errors.New("validation failed")

	// ErrTransient: downstream repository or scheduler failure; retry is
	// safe, the session recovers on the next legal event.
	ErrTransient = errors.New("transient failure")

	// ErrFatal: invariant violation detected after persistence. The session
	// is force-ended with reason "internal_inconsistency".
	ErrFatal = errors.New("internal inconsistency")
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}
