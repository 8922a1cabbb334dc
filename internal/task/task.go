package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task execution
type Status string

// Possible task status values. Pending and Running are transient; the
// other three are terminal and never change again.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Config is the full configuration for one task execution. The engine
// validates the struct tags, then hands the config to the task's own
// Validate for semantic checks.
type Config struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type" validate:"required"`
	Principal string    `json:"principal" validate:"required"`
	CourseID  string    `json:"course_id" validate:"required"`

	// ContentTypes restricts the scan to the named LMS content types.
	// Empty means all supported types.
	ContentTypes []string `json:"content_types,omitempty" validate:"omitempty,dive,oneof=syllabus pages assignments quizzes discussions announcements modules"`

	// Options carries task-type-specific settings, decoded by the task
	// implementation itself.
	Options map[string]any `json:"options,omitempty"`

	// BatchSize caps how many content items are fetched per round. Zero
	// lets the engine pick a size from current rate-limit headroom.
	BatchSize int `json:"batch_size,omitempty" validate:"omitempty,gte=1,lte=50"`

	// Timeout bounds the task body. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ValidationResult collects the outcome of semantic config validation.
// Warnings do not block execution; errors do.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OKValidation returns a passing result.
func OKValidation() ValidationResult {
	return ValidationResult{Valid: true}
}

// AddError records a blocking problem and marks the result invalid.
func (v *ValidationResult) AddError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

// AddWarning records a non-blocking problem.
func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Task is a unit of course-scanning work executed by the engine.
// Implementations must be safe to construct per execution; the registry
// calls the factory once per Submit.
// Version: 1.0
type Task interface {
	// Validate checks the config semantically, before any remote call.
	Validate(cfg Config) ValidationResult

	// Execute runs the task body. It must honor ctx cancellation, report
	// progress through the tracker, and poll tracker.Cancelled() between
	// batches. It returns a result or an error; never both.
	Execute(ctx context.Context, cfg Config, tracker *Tracker) (*Result, error)
}

// Optional capability hooks. The engine type-asserts for these on the
// constructed task; absence of a hook skips that phase.

// PreHook runs before the task body. Returning false skips the body and
// completes the execution with a skipped result.
type PreHook interface {
	PreExecute(ctx context.Context, cfg Config) (bool, error)
}

// PostHook runs after a successful body and may adjust the result.
// Returning nil keeps the original result.
type PostHook interface {
	PostExecute(ctx context.Context, cfg Config, result *Result) *Result
}

// ErrorHook is notified of body failures. Errors from the hook itself
// are logged and discarded.
type ErrorHook interface {
	OnError(ctx context.Context, cfg Config, taskErr error)
}

// CancelHook is notified when a cancellation request takes effect.
type CancelHook interface {
	OnCancel(ctx context.Context, cfg Config)
}

// Factory constructs a fresh task instance for one execution.
type Factory func() Task

// TypeInfo describes one registered task type.
type TypeInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
