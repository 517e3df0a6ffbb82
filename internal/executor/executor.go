// Package executor defines the optimization boundary of the control
// plane. The service consumes the Executor interface declared in
// internal/interfaces; this package supplies the error type handlers
// map to 400 responses, the asset registry surfaced by the health
// endpoint, and a deterministic reference engine.
package executor

import (
	"errors"
	"fmt"
)

// ValidationError marks a payload the executor rejected as semantically
// invalid. Handlers translate it to a 400 validation_error response;
// every other error from an executor is treated as an internal failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// NewValidationError creates a semantic validation failure
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a semantic validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
