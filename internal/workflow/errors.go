// internal/workflow/errors.go
package workflow

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Perception failures never appear here; they are
// converted into recovery requests before reaching the session layer.
var (
	// ErrValidation marks malformed requests and illegal state transitions. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks a store that is unreachable or returned bad data.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is a persistence failure for a missing document.
	ErrNotFound = fmt.Errorf("%w: document not found", ErrPersistence)
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a store error so that it matches ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrPersistence, err)
}

// NotFound builds an error wrapping ErrNotFound for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
