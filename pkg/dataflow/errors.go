package dataflow

import (
	"fmt"
)

// UsageError is returned when an input session is misused: time is advanced backwards or data is
// staged at a closed epoch. Usage errors are fatal to the session.
type UsageError struct {
	Session string
	Message string
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return fmt.Sprintf("session %q: %s", e.Session, e.Message)
}

// GraphError is returned when the dataflow graph is malformed.
type GraphError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *GraphError) Unwrap() error { return e.Cause }

func newGraphError(message string, cause error) error {
	return &GraphError{Message: message, Cause: cause}
}
