package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/michi/internal/storage"
)

// Error classes. Every error returned by Service wraps exactly one of these,
// so transports can map them without knowing the specific cause.
var (
	// ErrValidation marks caller input the engine will never accept as sent.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a trace, parent, or instance that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a unique-key collision; the caller may retry.
	ErrConflict = errors.New("conflict")

	// ErrTransient marks a store or signal-store failure. Every mutation is
	// transactional, so retrying the whole operation is safe.
	ErrTransient = errors.New("transient failure")
)

// Specific causes.
var (
	ErrInvalidInput    = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrMissingChildID  = fmt.Errorf("%w: every subtask needs an id", ErrValidation)
	ErrTraceMismatch   = fmt.Errorf("%w: parent does not belong to trace", ErrValidation)
	ErrParentCancelled = fmt.Errorf("%w: parent is cancelled", ErrValidation)
	ErrTraceCancelled  = fmt.Errorf("%w (trace cancelled)", ErrParentCancelled)
	ErrInvalidSignal   = fmt.Errorf("%w: invalid control signal", ErrValidation)

	ErrTraceNotFound    = fmt.Errorf("%w: trace", ErrNotFound)
	ErrParentNotFound   = fmt.Errorf("%w: parent instance", ErrNotFound)
	ErrInstanceNotFound = fmt.Errorf("%w: instance", ErrNotFound)

	ErrTraceExists = fmt.Errorf("%w: trace already exists", ErrConflict)
)

// invalid wraps a validation message under ErrInvalidInput.
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

// missing names the absent entity under a not-found cause.
func missing(cause error, id string) error {
	return fmt.Errorf("%w %q", cause, id)
}

// classify maps a storage error onto the engine's taxonomy. notFound, when
// non-nil, replaces storage.ErrNotFound. Unrecognized errors pass through
// and surface as internal errors.
func classify(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		if notFound != nil {
			return notFound
		}
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrCancelled):
		return fmt.Errorf("%w: %w", ErrParentCancelled, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, storage.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, storage.ErrUnknownColumn):
		return invalid(err)
	}
	return err
}
