// Package ratelimit provides dual-scope, dual-window sliding-window admission
// control for outbound LMS API calls. Every request is checked against four
// windows at once: the calling principal's minute and hour budgets and the
// shared global minute and hour budgets. Accounting is a true sliding window
// (timestamps pruned on every check), not fixed buckets, so bursts cannot
// straddle a bucket boundary.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Config holds the limiter's policy knobs.
type Config struct {
	// RequestsPerMinute and RequestsPerHour bound a single principal.
	// Defaults sit safely below the upstream LMS limits.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gt=0"`
	RequestsPerHour   int `mapstructure:"requests_per_hour"   validate:"gt=0"`

	// GlobalMultiplier scales the per-principal limits into the global
	// ceiling shared by all principals. It approximates the number of
	// concurrently active principals and is policy, not a measured fact.
	GlobalMultiplier int `mapstructure:"global_multiplier" validate:"gt=0"`

	// PollInterval is the base granularity of WaitForAvailability's loop.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns limits with a safety margin under the usual LMS
// ceilings (200/min, 6000/hour).
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 180,
		RequestsPerHour:   4800,
		GlobalMultiplier:  10,
		PollInterval:      time.Second,
	}
}

// Status is the outcome of one admission check. Remaining and ResetAt
// reflect the most restrictive of the four windows consulted.
type Status struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	MinuteUsage int `json:"minute_usage"`
	HourUsage   int `json:"hour_usage"`
}

// endpointWeights maps endpoint classes to their request cost. Heavier
// endpoints consume more of the window.
var endpointWeights = map[string]int{
	"syllabus":      1,
	"pages":         1,
	"assignments":   1,
	"announcements": 1,
	"discussions":   1,
	"modules":       1,
	"quizzes":       2,
	"submissions":   2,
	"files":         3,
}

// Limiter enforces the configured budgets against a Store. On store failure
// it fails open: the request is allowed and a warning is logged, trading
// strictness for availability.
type Limiter struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store Store, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}
}

// resolveWeight applies the endpoint-class table when the caller passes a
// non-positive weight.
func resolveWeight(endpointClass string, weight int) int {
	if weight > 0 {
		return weight
	}
	if w, ok := endpointWeights[endpointClass]; ok {
		return w
	}
	return 1
}

// Acquire checks and, when admitted, records one request of the given weight.
// Both scopes and both windows must have capacity; the most restrictive
// window determines Remaining, ResetAt, and RetryAfter.
func (l *Limiter) Acquire(ctx context.Context, principal, endpointClass string, weight int) Status {
	w := resolveWeight(endpointClass, weight)
	now := l.now()

	res, err := l.store.Acquire(ctx, AcquireRequest{
		Principal:            principal,
		Weight:               w,
		Now:                  now,
		PrincipalMinuteLimit: l.cfg.RequestsPerMinute,
		PrincipalHourLimit:   l.cfg.RequestsPerHour,
		GlobalMinuteLimit:    l.cfg.RequestsPerMinute * l.cfg.GlobalMultiplier,
		GlobalHourLimit:      l.cfg.RequestsPerHour * l.cfg.GlobalMultiplier,
	})
	if err != nil {
		// Fail open: an unreachable store must not stall every caller.
		l.logger.Warn("rate limit store unavailable, failing open",
			"principal", principal,
			"error", err)
		return Status{
			Allowed:   true,
			Remaining: 10,
			ResetAt:   now.Add(minuteWindow),
		}
	}

	st := Status{
		Allowed:     res.Allowed,
		MinuteUsage: res.PrincipalMinuteCount,
		HourUsage:   res.PrincipalHourCount,
	}

	st.Remaining = min4(
		l.cfg.RequestsPerMinute-res.PrincipalMinuteCount,
		l.cfg.RequestsPerHour-res.PrincipalHourCount,
		l.cfg.RequestsPerMinute*l.cfg.GlobalMultiplier-res.GlobalMinuteCount,
		l.cfg.RequestsPerHour*l.cfg.GlobalMultiplier-res.GlobalHourCount,
	)
	if st.Remaining < 0 {
		st.Remaining = 0
	}

	minuteBlocked := res.PrincipalMinuteCount+w > l.cfg.RequestsPerMinute ||
		res.GlobalMinuteCount+w > l.cfg.RequestsPerMinute*l.cfg.GlobalMultiplier

	if !st.Allowed {
		if minuteBlocked {
			st.RetryAfter = minuteWindow
			st.ResetAt = now.Add(minuteWindow)
		} else {
			st.RetryAfter = hourWindow
			st.ResetAt = now.Add(hourWindow)
		}
		return st
	}

	// Admitted: the next window to roll over is the minute one.
	st.ResetAt = now.Add(minuteWindow)
	return st
}

// WaitForAvailability polls Acquire until the request is admitted or maxWait
// elapses. The wait between polls doubles up to the reported RetryAfter.
// Returns true when admission succeeded (and was recorded).
func (l *Limiter) WaitForAvailability(ctx context.Context, principal, endpointClass string, weight int, maxWait time.Duration) bool {
	deadline := l.now().Add(maxWait)
	wait := l.cfg.PollInterval

	for {
		st := l.Acquire(ctx, principal, endpointClass, weight)
		if st.Allowed {
			return true
		}
		if st.RetryAfter > 0 && wait*2 < st.RetryAfter {
			wait *= 2
		}
		if l.now().Add(wait).After(deadline) {
			l.logger.Warn("rate limit wait exceeded max wait",
				"principal", principal,
				"max_wait", maxWait)
			return false
		}

		l.logger.Debug("rate limited, waiting",
			"principal", principal,
			"wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// OptimalBatchSize derives a safe batch size from the principal's remaining
// minute and hour budgets, spreading the hourly budget over ten-minute
// chunks. The result is clamped to [1, 50].
func (l *Limiter) OptimalBatchSize(ctx context.Context, principal string) int {
	usage, err := l.store.Counts(ctx, principal, l.now())
	if err != nil {
		l.logger.Warn("rate limit stats unavailable, using conservative batch size",
			"principal", principal,
			"error", err)
		return 10
	}

	remainingMinute := l.cfg.RequestsPerMinute - usage.PrincipalMinute
	remainingHour := l.cfg.RequestsPerHour - usage.PrincipalHour

	size := remainingMinute
	if remainingHour/10 < size {
		size = remainingHour / 10
	}
	if size < 1 {
		return 1
	}
	if size > 50 {
		return 50
	}
	return size
}

// Remaining returns the principal's remaining minute budget, or nil when the
// store cannot be consulted. The engine attaches it to progress updates.
func (l *Limiter) Remaining(ctx context.Context, principal string) *int {
	usage, err := l.store.Counts(ctx, principal, l.now())
	if err != nil {
		return nil
	}
	rem := l.cfg.RequestsPerMinute - usage.PrincipalMinute
	if rem < 0 {
		rem = 0
	}
	return &rem
}

// Stats returns a usage snapshot for operator visibility.
func (l *Limiter) Stats(ctx context.Context, principal string) (Usage, error) {
	return l.store.Counts(ctx, principal, l.now())
}

// Reset clears a principal's counters. Administrative operation.
func (l *Limiter) Reset(ctx context.Context, principal string) error {
	if err := l.store.Reset(ctx, principal); err != nil {
		return err
	}
	l.logger.Info("rate limits reset", "principal", principal)
	return nil
}

// Ping reports backing-store health.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func min4(a, b, c, d int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	if d < m {
		m = d
	}
	return m
}
