package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edusuite/coursescan/internal/progress"
	"github.com/edusuite/coursescan/internal/ratelimit"
)

// Tracker is the progress reporting handle given to a running task. It
// publishes updates through the broadcaster, annotates them with current
// rate-limit headroom, and exposes the cooperative cancellation flag.
//
// Within a stage the reported percentage never decreases; a stage change
// resets the floor.
type Tracker struct {
	taskID      uuid.UUID
	principal   string
	broadcaster *progress.Broadcaster
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	cancelled   *atomic.Bool

	mu      sync.Mutex
	stage   progress.Stage
	lastPct float64
}

// NewTracker creates a tracker outside the engine, for exercising task
// implementations directly. A nil cancelled flag means Cancelled always
// reports false.
func NewTracker(taskID uuid.UUID, principal string, b *progress.Broadcaster, l *ratelimit.Limiter, cancelled *atomic.Bool, logger *slog.Logger) *Tracker {
	return newTracker(taskID, principal, b, l, cancelled, logger)
}

func newTracker(taskID uuid.UUID, principal string, b *progress.Broadcaster, l *ratelimit.Limiter, cancelled *atomic.Bool, logger *slog.Logger) *Tracker {
	return &Tracker{
		taskID:      taskID,
		principal:   principal,
		broadcaster: b,
		limiter:     l,
		cancelled:   cancelled,
		logger:      logger.With("component", "progress_tracker", "task_id", taskID),
	}
}

// Update publishes a progress update. current/total describe progress
// within the given stage; a zero total reports the stage without a
// meaningful percentage.
func (t *Tracker) Update(stage progress.Stage, current, total int, message string) {
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}

	t.mu.Lock()
	if stage == t.stage {
		if pct < t.lastPct {
			pct = t.lastPct
		}
	} else {
		t.stage = stage
	}
	t.lastPct = pct
	t.mu.Unlock()

	upd := progress.Update{
		TaskID:     t.taskID,
		Principal:  t.principal,
		Stage:      stage,
		Current:    current,
		Total:      total,
		Percentage: pct,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}

	if t.limiter != nil {
		upd.RateLimitRemaining = t.limiter.Remaining(context.Background(), t.principal)
	}

	if t.broadcaster != nil {
		t.broadcaster.Broadcast(upd)
	}
}

// Cancelled reports whether a cancellation has been requested for this
// execution. Task bodies poll this between batches.
func (t *Tracker) Cancelled() bool {
	return t.cancelled != nil && t.cancelled.Load()
}
