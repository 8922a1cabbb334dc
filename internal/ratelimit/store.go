package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Window sizes for the two sliding windows every key is tracked under.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// AcquireRequest carries one admission check. The store must treat the
// check-and-record across all four keys (principal minute/hour, global
// minute/hour) as a single atomic operation: concurrent callers racing on
// the same principal must never jointly be admitted past a limit.
type AcquireRequest struct {
	Principal string
	Weight    int
	Now       time.Time

	PrincipalMinuteLimit int
	PrincipalHourLimit   int
	GlobalMinuteLimit    int
	GlobalHourLimit      int
}

// AcquireResult reports the outcome and the post-prune usage counts the
// decision was based on. Counts exclude the request's own weight.
type AcquireResult struct {
	Allowed bool

	PrincipalMinuteCount int
	PrincipalHourCount   int
	GlobalMinuteCount    int
	GlobalHourCount      int
}

// Usage is a point-in-time snapshot of recorded request weight per window.
type Usage struct {
	PrincipalMinute int `json:"principal_minute"`
	PrincipalHour   int `json:"principal_hour"`
	GlobalMinute    int `json:"global_minute"`
	GlobalHour      int `json:"global_hour"`
}

// Store abstracts the backing state for sliding-window admission control.
// RedisStore shares one set of counters across engine processes; MemoryStore
// serves tests and single-process deployments.
type Store interface {
	// Acquire atomically prunes expired entries, checks all four windows,
	// and records the request's weight when every window has capacity.
	Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error)

	// Counts returns current usage for a principal and the global scope
	// without recording anything.
	Counts(ctx context.Context, principal string, now time.Time) (Usage, error)

	// Reset clears a principal's counters. Global counters are untouched.
	Reset(ctx context.Context, principal string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore keeps per-key timestamp slices guarded by one mutex, pruning
// entries older than the window on every check. A request of weight w is
// recorded as w timestamps, mirroring the redis representation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]time.Time)}
}

func principalMinuteKey(principal string) string { return "rl:" + principal + ":minute" }
func principalHourKey(principal string) string   { return "rl:" + principal + ":hour" }

const (
	globalMinuteKey = "rl:global:minute"
	globalHourKey   = "rl:global:hour"
)

// prune drops timestamps at or before the window start and returns the
// surviving slice. Slices are kept sorted because appends are monotonic.
func (s *MemoryStore) prune(key string, cutoff time.Time) []time.Time {
	ts := s.entries[key]
	idx := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	if idx > 0 {
		ts = append([]time.Time(nil), ts[idx:]...)
		s.entries[key] = ts
	}
	return ts
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, req AcquireRequest) (AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm := s.prune(principalMinuteKey(req.Principal), req.Now.Add(-minuteWindow))
	ph := s.prune(principalHourKey(req.Principal), req.Now.Add(-hourWindow))
	gm := s.prune(globalMinuteKey, req.Now.Add(-minuteWindow))
	gh := s.prune(globalHourKey, req.Now.Add(-hourWindow))

	res := AcquireResult{
		PrincipalMinuteCount: len(pm),
		PrincipalHourCount:   len(ph),
		GlobalMinuteCount:    len(gm),
		GlobalHourCount:      len(gh),
	}

	res.Allowed = len(pm)+req.Weight <= req.PrincipalMinuteLimit &&
		len(ph)+req.Weight <= req.PrincipalHourLimit &&
		len(gm)+req.Weight <= req.GlobalMinuteLimit &&
		len(gh)+req.Weight <= req.GlobalHourLimit

	if res.Allowed {
		for i := 0; i < req.Weight; i++ {
			s.entries[principalMinuteKey(req.Principal)] = append(s.entries[principalMinuteKey(req.Principal)], req.Now)
			s.entries[principalHourKey(req.Principal)] = append(s.entries[principalHourKey(req.Principal)], req.Now)
			s.entries[globalMinuteKey] = append(s.entries[globalMinuteKey], req.Now)
			s.entries[globalHourKey] = append(s.entries[globalHourKey], req.Now)
		}
	}

	return res, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(_ context.Context, principal string, now time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Usage{
		PrincipalMinute: len(s.prune(principalMinuteKey(principal), now.Add(-minuteWindow))),
		PrincipalHour:   len(s.prune(principalHourKey(principal), now.Add(-hourWindow))),
		GlobalMinute:    len(s.prune(globalMinuteKey, now.Add(-minuteWindow))),
		GlobalHour:      len(s.prune(globalHourKey, now.Add(-hourWindow))),
	}, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, principalMinuteKey(principal))
	delete(s.entries, principalHourKey(principal))
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
