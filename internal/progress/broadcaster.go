package progress

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// defaultHistorySize bounds the per-task ring of recent updates kept for
// late subscribers.
const defaultHistorySize = 100

// Broadcaster fans progress updates out to global, per-task, and
// per-principal subscriber sets. Delivery is at-most-once and best-effort:
// a subscriber that fails to accept an update is removed, and one slow or
// broken subscriber never delays delivery to the others.
type Broadcaster struct {
	mu sync.Mutex

	global     map[Subscriber]struct{}
	byTask     map[uuid.UUID]map[Subscriber]struct{}
	byPrinc    map[string]map[Subscriber]struct{}
	history    map[uuid.UUID][]Update
	historyCap int

	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with the default history capacity.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		global:     make(map[Subscriber]struct{}),
		byTask:     make(map[uuid.UUID]map[Subscriber]struct{}),
		byPrinc:    make(map[string]map[Subscriber]struct{}),
		history:    make(map[uuid.UUID][]Update),
		historyCap: defaultHistorySize,
		logger:     logger.With("component", "progress_broadcaster"),
	}
}

// Subscribe registers a subscriber for every update regardless of task or
// principal. Subscribing the same value twice is a no-op.
func (b *Broadcaster) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[sub] = struct{}{}
}

// Unsubscribe removes a global subscriber. Unknown subscribers are ignored.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, sub)
}

// SubscribeTask registers a subscriber for one task's updates.
func (b *Broadcaster) SubscribeTask(taskID uuid.UUID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byTask[taskID]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.byTask[taskID] = set
	}
	set[sub] = struct{}{}
}

// UnsubscribeTask removes a task subscriber. When the last subscriber for a
// task is removed the index entry is deleted so no empty sets linger. Calling
// it again for the same pair is a no-op.
func (b *Broadcaster) UnsubscribeTask(taskID uuid.UUID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byTask[taskID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.byTask, taskID)
	}
}

// SubscribePrincipal registers a subscriber for every update produced by
// tasks running on behalf of the given principal.
func (b *Broadcaster) SubscribePrincipal(principal string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byPrinc[principal]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.byPrinc[principal] = set
	}
	set[sub] = struct{}{}
}

// UnsubscribePrincipal removes a principal subscriber, deleting the index
// entry when its set becomes empty.
func (b *Broadcaster) UnsubscribePrincipal(principal string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byPrinc[principal]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.byPrinc, principal)
	}
}

// Broadcast appends the update to the task's history ring and delivers it to
// every matching subscriber. Fan-out happens outside the lock; each
// subscriber is notified on its own goroutine and Broadcast returns once all
// deliveries for this update have settled, so a single producer calling
// Broadcast sequentially preserves per-task ordering.
func (b *Broadcaster) Broadcast(update Update) {
	b.mu.Lock()
	ring := append(b.history[update.TaskID], update)
	if len(ring) > b.historyCap {
		ring = ring[len(ring)-b.historyCap:]
	}
	b.history[update.TaskID] = ring

	subs := make([]Subscriber, 0, len(b.global))
	for sub := range b.global {
		subs = append(subs, sub)
	}
	for sub := range b.byTask[update.TaskID] {
		subs = append(subs, sub)
	}
	for sub := range b.byPrinc[update.Principal] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			if err := s.Notify(update); err != nil {
				b.logger.Warn("dropping subscriber after failed delivery",
					"task_id", update.TaskID,
					"error", err)
				b.remove(s)
			}
		}(sub)
	}
	wg.Wait()
}

// remove drops a subscriber from every index it appears in.
func (b *Broadcaster) remove(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, sub)
	for taskID, set := range b.byTask {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byTask, taskID)
		}
	}
	for principal, set := range b.byPrinc {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byPrinc, principal)
		}
	}
}

// History returns a copy of the retained updates for a task, oldest first.
// Late subscribers use it to backfill before switching to live delivery.
func (b *Broadcaster) History(taskID uuid.UUID) []Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.history[taskID]
	out := make([]Update, len(ring))
	copy(out, ring)
	return out
}

// Latest returns the most recent update for a task, or false when none has
// been recorded.
func (b *Broadcaster) Latest(taskID uuid.UUID) (Update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.history[taskID]
	if len(ring) == 0 {
		return Update{}, false
	}
	return ring[len(ring)-1], true
}

// ClearTask drops a task's history and subscriber index. The engine calls it
// when an execution is evicted after its retention window.
func (b *Broadcaster) ClearTask(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, taskID)
	delete(b.byTask, taskID)
}

// Stats reports subscriber and history counts for monitoring.
func (b *Broadcaster) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	taskSubs := 0
	for _, set := range b.byTask {
		taskSubs += len(set)
	}
	princSubs := 0
	for _, set := range b.byPrinc {
		princSubs += len(set)
	}
	return map[string]int{
		"global_subscribers":    len(b.global),
		"task_subscribers":      taskSubs,
		"principal_subscribers": princSubs,
		"tasks_with_history":    len(b.history),
	}
}
