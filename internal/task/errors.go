package task

import (
	"errors"
	"fmt"
	"time"
)

// Common engine errors.
var (
	// ErrUnknownTaskType is returned when a submitted config names a task
	// type the registry has never seen.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrNilFactory is returned when a registration carries no factory.
	ErrNilFactory = errors.New("task factory cannot be nil")

	// ErrAlreadyRegistered is returned when a registration does not
	// strictly supersede the existing version of the same name.
	ErrAlreadyRegistered = errors.New("task type already registered")

	// ErrEngineStopped is returned by Submit after the engine shut down.
	ErrEngineStopped = errors.New("execution engine is stopped")
)

// ExecutionError is an unexpected failure inside a task body or hook. It
// terminates only the execution it occurred in.
type ExecutionError struct {
	Message string
	Details map[string]any
}

func (e *ExecutionError) Error() string { return e.Message }

// ConfigError reports an invalid task configuration, detected before any
// remote side effect.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration validation failed: %v", e.Problems)
}

// TimeoutError reports a task body that exceeded its configured budget.
// Distinct from cancellation: the user never asked for this.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task execution timed out after %s", e.Timeout)
}

// ErrorInfo is the terminal failure description attached to an execution:
// a short human-readable message, a machine-readable kind, and whether the
// caller can sensibly offer a retry.
type ErrorInfo struct {
	Message     string         `json:"message"`
	Kind        string         `json:"kind"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}
