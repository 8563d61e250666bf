package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrSpawn              = errors.New("failed to start tool process")
	ErrPathEscape         = errors.New("file path escapes session workspace")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrBackendUnavailable = errors.New("execution backend unavailable")
	ErrEngineClosed       = errors.New("engine is shutting down")
)

// ExecError wraps errors with execution context.
type ExecError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
