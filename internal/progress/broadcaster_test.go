package progress

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// recordingSubscriber collects updates in arrival order.
type recordingSubscriber struct {
	mu      sync.Mutex
	updates []Update
	fail    bool
}

func (s *recordingSubscriber) Notify(update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink closed")
	}
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSubscriber) received() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func makeUpdate(taskID uuid.UUID, current, total int) Update {
	return Update{
		TaskID:     taskID,
		Principal:  "u1",
		Stage:      StageProcessing,
		Current:    current,
		Total:      total,
		Percentage: float64(current) / float64(total) * 100,
		Timestamp:  time.Now(),
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(testLogger())
	taskID := uuid.New()
	sub := &recordingSubscriber{}
	b.SubscribeTask(taskID, sub)

	b.Broadcast(makeUpdate(taskID, 1, 3))
	b.Broadcast(makeUpdate(taskID, 2, 3))
	b.Broadcast(makeUpdate(taskID, 3, 3))

	got := sub.received()
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Current)
	assert.Equal(t, 2, got[1].Current)
	assert.Equal(t, 3, got[2].Current)
}

func TestBroadcastRoutesBySubscription(t *testing.T) {
	b := NewBroadcaster(testLogger())
	taskA := uuid.New()
	taskB := uuid.New()

	global := &recordingSubscriber{}
	onlyA := &recordingSubscriber{}
	byPrinc := &recordingSubscriber{}

	b.Subscribe(global)
	b.SubscribeTask(taskA, onlyA)
	b.SubscribePrincipal("u1", byPrinc)

	b.Broadcast(makeUpdate(taskA, 1, 1))
	b.Broadcast(makeUpdate(taskB, 1, 1))

	assert.Len(t, global.received(), 2)
	assert.Len(t, onlyA.received(), 1)
	assert.Len(t, byPrinc.received(), 2, "both updates carry principal u1")
}

func TestFailingSubscriberIsIsolatedAndRemoved(t *testing.T) {
	b := NewBroadcaster(testLogger())
	taskID := uuid.New()

	broken := &recordingSubscriber{fail: true}
	healthy := &recordingSubscriber{}
	b.SubscribeTask(taskID, broken)
	b.SubscribeTask(taskID, healthy)

	b.Broadcast(makeUpdate(taskID, 1, 2))
	assert.Len(t, healthy.received(), 1, "healthy subscriber unaffected by failure")

	// The broken subscriber was dropped: the next update reaches only healthy.
	b.Broadcast(makeUpdate(taskID, 2, 2))
	assert.Len(t, healthy.received(), 2)

	stats := b.Stats()
	assert.Equal(t, 1, stats["task_subscribers"])
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(testLogger())
	taskID := uuid.New()
	sub := &recordingSubscriber{}

	b.SubscribeTask(taskID, sub)
	b.UnsubscribeTask(taskID, sub)
	// Second unsubscribe must be a no-op with no residual index entry.
	b.UnsubscribeTask(taskID, sub)

	assert.Equal(t, 0, b.Stats()["task_subscribers"])

	b.Broadcast(makeUpdate(taskID, 1, 1))
	assert.Empty(t, sub.received())
}

func TestLastPrincipalUnsubscribeDeletesIndexEntry(t *testing.T) {
	b := NewBroadcaster(testLogger())
	sub := &recordingSubscriber{}

	b.SubscribePrincipal("u1", sub)
	require.Equal(t, 1, b.Stats()["principal_subscribers"])

	b.UnsubscribePrincipal("u1", sub)
	assert.Equal(t, 0, b.Stats()["principal_subscribers"])
	assert.NotContains(t, b.byPrinc, "u1", "empty set must be deleted")
}

func TestHistoryRingIsBounded(t *testing.T) {
	b := NewBroadcaster(testLogger())
	b.historyCap = 5
	taskID := uuid.New()

	for i := 1; i <= 8; i++ {
		b.Broadcast(makeUpdate(taskID, i, 8))
	}

	history := b.History(taskID)
	require.Len(t, history, 5)
	assert.Equal(t, 4, history[0].Current, "oldest retained entry")
	assert.Equal(t, 8, history[4].Current)

	latest, ok := b.Latest(taskID)
	require.True(t, ok)
	assert.Equal(t, 8, latest.Current)
}

func TestClearTaskDropsHistoryAndSubscribers(t *testing.T) {
	b := NewBroadcaster(testLogger())
	taskID := uuid.New()
	sub := &recordingSubscriber{}
	b.SubscribeTask(taskID, sub)
	b.Broadcast(makeUpdate(taskID, 1, 1))

	b.ClearTask(taskID)

	assert.Empty(t, b.History(taskID))
	_, ok := b.Latest(taskID)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats()["task_subscribers"])
}
