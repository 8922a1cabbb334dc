package task

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edusuite/coursescan/internal/progress"
	"github.com/edusuite/coursescan/internal/ratelimit"
)

// recordingSubscriber captures every update it is notified of.
type recordingSubscriber struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (s *recordingSubscriber) Notify(update progress.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSubscriber) all() []progress.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Update(nil), s.updates...)
}

func newTestTracker(t *testing.T, limiter *ratelimit.Limiter) (*Tracker, *recordingSubscriber, *atomic.Bool) {
	t.Helper()
	logger := testLogger()
	b := progress.NewBroadcaster(logger)
	sub := &recordingSubscriber{}
	b.Subscribe(sub)

	var cancelled atomic.Bool
	tr := newTracker(uuid.New(), "teacher-1", b, limiter, &cancelled, logger)
	return tr, sub, &cancelled
}

func TestTrackerPercentageMonotonicWithinStage(t *testing.T) {
	tr, sub, _ := newTestTracker(t, nil)

	tr.Update(progress.StageProcessing, 50, 100, "halfway")
	tr.Update(progress.StageProcessing, 30, 100, "recount") // must not regress
	tr.Update(progress.StageProcessing, 80, 100, "onward")

	got := sub.all()
	require.Len(t, got, 3)
	assert.Equal(t, 50.0, got[0].Percentage)
	assert.Equal(t, 50.0, got[1].Percentage, "percentage held at the previous high")
	assert.Equal(t, 80.0, got[2].Percentage)
}

func TestTrackerStageChangeResetsFloor(t *testing.T) {
	tr, sub, _ := newTestTracker(t, nil)

	tr.Update(progress.StageFetching, 90, 100, "almost fetched")
	tr.Update(progress.StageProcessing, 5, 100, "starting over")

	got := sub.all()
	require.Len(t, got, 2)
	assert.Equal(t, 90.0, got[0].Percentage)
	assert.Equal(t, 5.0, got[1].Percentage)
}

func TestTrackerClampsOverflow(t *testing.T) {
	tr, sub, _ := newTestTracker(t, nil)

	tr.Update(progress.StageProcessing, 150, 100, "overcounted")

	got := sub.all()
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Percentage)
}

func TestTrackerZeroTotal(t *testing.T) {
	tr, sub, _ := newTestTracker(t, nil)

	tr.Update(progress.StageInitializing, 0, 0, "no denominator yet")

	got := sub.all()
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Percentage)
}

func TestTrackerAnnotatesRateLimitHeadroom(t *testing.T) {
	logger := testLogger()
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultConfig(), logger)
	tr, sub, _ := newTestTracker(t, limiter)

	tr.Update(progress.StageFetching, 1, 10, "fetching pages")

	got := sub.all()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].RateLimitRemaining)
	assert.Equal(t, ratelimit.DefaultConfig().RequestsPerMinute, *got[0].RateLimitRemaining)
}

func TestTrackerCancelledFlag(t *testing.T) {
	tr, _, cancelled := newTestTracker(t, nil)

	assert.False(t, tr.Cancelled())
	cancelled.Store(true)
	assert.True(t, tr.Cancelled())
}
