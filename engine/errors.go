package engine

import (
	"errors"
	"fmt"
)

// ErrShuttingDown rejects enqueues once Shutdown has begun.
var ErrShuttingDown = errors.New("engine is shutting down")

// ErrNotDead rejects a dead-letter retry of a request that is not dead.
var ErrNotDead = errors.New("request is not in the dead-letter state")

// ValidationError reports a rejected enqueue input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
