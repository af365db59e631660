package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session, turn, or summary does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected write. Nothing is persisted when it
// is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
