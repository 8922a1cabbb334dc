package api

import (
	"time"

	"github.com/edusuite/coursescan/internal/ratelimit"
	"github.com/edusuite/coursescan/internal/task"
)

// Common request/response structures

// SubmitTaskRequest defines the payload for the task submission endpoint.
type SubmitTaskRequest struct {
	Type         string         `json:"type" validate:"required"`
	Principal    string         `json:"principal" validate:"required"`
	CourseID     string         `json:"course_id" validate:"required"`
	ContentTypes []string       `json:"content_types,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	BatchSize    int            `json:"batch_size,omitempty" validate:"omitempty,gte=1,lte=50"`

	// TimeoutSeconds bounds the task body; zero means the server default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,gte=30,lte=7200"`
}

// Config converts the request into an engine task config.
func (r SubmitTaskRequest) Config() task.Config {
	return task.Config{
		Type:         r.Type,
		Principal:    r.Principal,
		CourseID:     r.CourseID,
		ContentTypes: r.ContentTypes,
		Options:      r.Options,
		BatchSize:    r.BatchSize,
		Timeout:      time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// TaskResponse is the API view of one task execution.
type TaskResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Principal  string          `json:"principal"`
	CourseID   string          `json:"course_id"`
	Status     task.Status     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     *task.Result    `json:"result,omitempty"`
	Error      *task.ErrorInfo `json:"error,omitempty"`
}

// NewTaskResponse converts an engine snapshot.
func NewTaskResponse(s task.Snapshot) TaskResponse {
	resp := TaskResponse{
		ID:        s.ID.String(),
		Type:      s.Type,
		Principal: s.Principal,
		CourseID:  s.CourseID,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		Result:    s.Result,
		Error:     s.Error,
	}
	if !s.StartedAt.IsZero() {
		resp.StartedAt = &s.StartedAt
	}
	if !s.FinishedAt.IsZero() {
		resp.FinishedAt = &s.FinishedAt
	}
	return resp
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// LimitsResponse reports a principal's current rate-limit usage.
type LimitsResponse struct {
	Principal string          `json:"principal"`
	Usage     ratelimit.Usage `json:"usage"`

	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	OptimalBatchSize  int `json:"optimal_batch_size"`
}

// ErrorResponse defines the standard error response structure.
type ErrorResponse struct {
	Error string `json:"error"`
}
