package classify

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KindStats tracks running counters for one kind of failure.
type KindStats struct {
	Count            int       `json:"count"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	RecoverableCount int       `json:"recoverable_count"`
	FatalCount       int       `json:"fatal_count"`
}

// Classifier maps raw failures to classified errors and computes retry
// delays. Statistics are its only mutable state and never block
// classification.
type Classifier struct {
	logger *slog.Logger

	statsMu sync.Mutex
	stats   map[Kind]*KindStats

	// jitter returns a factor in [0.5, 1.0]. Injectable for tests.
	jitter func() float64
}

// NewClassifier creates a classifier.
func NewClassifier(logger *slog.Logger) *Classifier {
	return &Classifier{
		logger: logger.With("component", "error_classifier"),
		stats:  make(map[Kind]*KindStats),
		jitter: func() float64 { return 0.5 + 0.5*rand.Float64() },
	}
}

// ClassifyResponse classifies an HTTP error response. The status code sets
// the initial kind; a longer, more specific body pattern overrides it. The
// Retry-After header is honored for rate-limited responses.
func (c *Classifier) ClassifyResponse(status int, body string, header http.Header) *Error {
	kind, ok := statusKinds[status]
	if !ok {
		kind = KindUnknown
	}
	kind = refineFromBody(kind, strings.ToLower(body))

	policy := policyFor(kind)

	technical := body
	if len(technical) > 200 {
		technical = technical[:200]
	}

	ce := &Error{
		Kind:        kind,
		HTTPStatus:  status,
		Retryable:   policy.Strategy != StrategyNone,
		Strategy:    policy.Strategy,
		BaseDelay:   policy.BaseDelay,
		MaxDelay:    policy.MaxDelay,
		MaxRetries:  policy.MaxRetries,
		UserMessage: userMessages[kind],
		Technical:   "LMS API " + strconv.Itoa(status) + ": " + technical,
		Recoverable: isRecoverable(kind),
		Timestamp:   time.Now().UTC(),
	}

	if kind == KindRateLimited {
		ce.RetryAfter = parseRetryAfter(header)
	}

	c.record(ce)
	return ce
}

// ClassifyError classifies a transport-level failure: timeouts, connection
// and TLS errors, context deadlines, and anything else by message keywords.
func (c *Classifier) ClassifyError(err error) *Error {
	kind := classifyErrKind(err)
	policy := policyFor(kind)

	ce := &Error{
		Kind:        kind,
		Retryable:   policy.Strategy != StrategyNone,
		Strategy:    policy.Strategy,
		BaseDelay:   policy.BaseDelay,
		MaxDelay:    policy.MaxDelay,
		MaxRetries:  policy.MaxRetries,
		UserMessage: userMessages[kind],
		Technical:   err.Error(),
		Recoverable: isRecoverable(kind),
		Timestamp:   time.Now().UTC(),
	}

	c.record(ce)
	return ce
}

func classifyErrKind(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return KindNetworkTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindNetworkConnection
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") {
		return KindNetworkConnection
	}
	for _, p := range bodyPatterns {
		if strings.Contains(msg, p.substr) {
			return p.kind
		}
	}
	return KindUnknown
}

// refineFromBody lets a body keyword override the status-derived kind when
// the pattern is specific enough.
func refineFromBody(initial Kind, body string) Kind {
	if body == "" {
		return initial
	}
	best := initial
	bestLen := 0
	for _, p := range bodyPatterns {
		if p.kind != initial && len(p.substr) > 3 && len(p.substr) > bestLen &&
			strings.Contains(body, p.substr) {
			best = p.kind
			bestLen = len(p.substr)
		}
	}
	return best
}

// parseRetryAfter reads the Retry-After header as integer seconds or an
// HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ShouldRetry reports whether the given attempt (1-based) may be retried.
func (c *Classifier) ShouldRetry(ce *Error, attempt int) bool {
	if ce.Strategy == StrategyNone {
		return false
	}
	return attempt <= ce.MaxRetries
}

// ComputeDelay returns the backoff before retrying the given attempt
// (1-based). Exponential doubles from the base, linear grows by the base,
// rate-limit-aware prefers the server's Retry-After hint. Every strategy is
// jittered by a uniform factor in [0.5, 1.0] and capped at MaxDelay.
func (c *Classifier) ComputeDelay(attempt int, ce *Error) time.Duration {
	var delay time.Duration

	switch ce.Strategy {
	case StrategyNone:
		return 0
	case StrategyImmediate:
		// Small pause to avoid hammering the endpoint back-to-back.
		return 100 * time.Millisecond
	case StrategyLinear:
		delay = ce.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		delay = time.Duration(float64(ce.BaseDelay) * math.Pow(2, float64(attempt-1)))
	case StrategyRateLimitAware:
		if ce.RetryAfter > 0 {
			delay = ce.RetryAfter
		} else {
			delay = time.Duration(float64(ce.BaseDelay) * math.Pow(1.5, float64(attempt-1)))
		}
	default:
		delay = ce.BaseDelay
	}

	delay = time.Duration(float64(delay) * c.jitter())
	if ce.MaxDelay > 0 && delay > ce.MaxDelay {
		delay = ce.MaxDelay
	}
	return delay
}

// record updates the per-kind counters. Append-only; failures here cannot
// affect the classification result.
func (c *Classifier) record(ce *Error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	st, ok := c.stats[ce.Kind]
	if !ok {
		st = &KindStats{FirstSeen: ce.Timestamp}
		c.stats[ce.Kind] = st
	}
	st.Count++
	st.LastSeen = ce.Timestamp
	if ce.Recoverable {
		st.RecoverableCount++
	} else {
		st.FatalCount++
	}
}

// Stats returns a copy of the per-kind counters.
func (c *Classifier) Stats() map[Kind]KindStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	out := make(map[Kind]KindStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// ResetStats clears the counters, mainly for tests and maintenance.
func (c *Classifier) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = make(map[Kind]*KindStats)
}
