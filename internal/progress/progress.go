package progress

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies the phase of task execution a progress update belongs to.
type Stage string

// Progress stages in the order a task normally moves through them.
const (
	StageInitializing Stage = "initializing"
	StageValidating   Stage = "validating"
	StageFetching     Stage = "fetching_content"
	StageProcessing   Stage = "processing"
	StageReporting    Stage = "generating_results"
	StageCompleted    Stage = "completed"
)

// Update is a single progress event for a task. Within one stage the
// Percentage reported by the engine's tracker is non-decreasing.
type Update struct {
	// TaskID identifies the execution this update belongs to.
	TaskID uuid.UUID `json:"task_id"`

	// Principal is the identity the task runs on behalf of. Used for
	// per-principal subscription routing.
	Principal string `json:"principal"`

	// Stage is the execution phase the task is currently in.
	Stage Stage `json:"stage"`

	// Current and Total describe progress within the stage.
	Current int `json:"current"`
	Total   int `json:"total"`

	// Percentage is Current/Total expressed as 0-100.
	Percentage float64 `json:"percentage"`

	// Message is a short human-readable description of what is happening.
	Message string `json:"message"`

	// RateLimitRemaining carries a snapshot of the remaining minute budget
	// for the task's principal at the time the update was produced, when
	// the engine has one available.
	RateLimitRemaining *int `json:"rate_limit_remaining,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives progress updates from the broadcaster. Implementations
// must be comparable (pointer receivers) so subscribe/unsubscribe can be
// idempotent per subscriber value.
type Subscriber interface {
	// Notify delivers one update. Returning an error causes the broadcaster
	// to drop this subscriber; delivery to other subscribers is unaffected.
	Notify(update Update) error
}
