package task

import (
	"time"

	"github.com/google/uuid"
)

// Finding is one noteworthy observation produced while scanning course
// content: a matched string, a broken link, a replacement that was made.
type Finding struct {
	ContentType  string    `json:"content_type"`
	ContentID    string    `json:"content_id"`
	ContentTitle string    `json:"content_title,omitempty"`
	ContentURL   string    `json:"content_url,omitempty"`
	FindingType  string    `json:"finding_type"`
	Description  string    `json:"description"`
	OldValue     string    `json:"old_value,omitempty"`
	NewValue     string    `json:"new_value,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Result is the outcome of a completed task execution.
type Result struct {
	TaskID      uuid.UUID `json:"task_id"`
	Type        string    `json:"type"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// TotalScanned counts the content items the task examined.
	TotalScanned int       `json:"total_scanned"`
	Findings     []Finding `json:"findings,omitempty"`

	// FindingsByType aggregates findings per FindingType.
	FindingsByType map[string]int `json:"findings_by_type,omitempty"`

	// APICalls and RateLimitHits describe how the execution behaved
	// against the LMS.
	APICalls      int `json:"api_calls"`
	RateLimitHits int `json:"rate_limit_hits"`

	// Skipped is set when a pre-execution hook declined the run.
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
}

// AddFinding appends a finding and keeps the per-type aggregate current.
func (r *Result) AddFinding(f Finding) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	r.Findings = append(r.Findings, f)
	if r.FindingsByType == nil {
		r.FindingsByType = make(map[string]int)
	}
	r.FindingsByType[f.FindingType]++
}

// Duration returns the wall-clock time the execution took.
func (r *Result) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
