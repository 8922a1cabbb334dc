// Package resilience drives retries around a single remote call, combining
// rate-limit admission with classified backoff. Instead of propagating raw
// transport failures upward, Do returns either a response or a classified
// error — an explicit result the caller can branch on.
package resilience

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/edusuite/coursescan/internal/classify"
	"github.com/edusuite/coursescan/internal/ratelimit"
)

// Response is the successful outcome of one remote call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Call performs one attempt of a remote call. It returns a response (which
// may still carry an error status) or a transport error.
type Call func(ctx context.Context) (*Response, error)

// Loop wraps calls with rate limiting and classified retries.
type Loop struct {
	limiter    *ratelimit.Limiter
	classifier *classify.Classifier
	logger     *slog.Logger

	// maxLimiterWait bounds how long Do blocks waiting for rate-limit
	// admission before giving up with a rate-limited error.
	maxLimiterWait time.Duration

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a resilience loop over the given limiter and classifier.
func NewLoop(limiter *ratelimit.Limiter, classifier *classify.Classifier, logger *slog.Logger) *Loop {
	return &Loop{
		limiter:        limiter,
		classifier:     classifier,
		logger:         logger.With("component", "resilience_loop"),
		maxLimiterWait: 5 * time.Minute,
		sleep:          sleepCtx,
	}
}

// sleepCtx blocks for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do performs the call under rate limiting, retrying per the classifier's
// policy for whatever failure occurs. It returns exactly one of a response
// with a 2xx/3xx status or a classified error.
func (l *Loop) Do(ctx context.Context, principal, endpointClass string, weight int, call Call) (*Response, *classify.Error) {
	attempt := 1
	var lastErr *classify.Error

	for {
		if err := ctx.Err(); err != nil {
			return nil, l.classifier.ClassifyError(err)
		}

		if !l.limiter.WaitForAvailability(ctx, principal, endpointClass, weight, l.maxLimiterWait) {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, l.classifier.ClassifyResponse(http.StatusTooManyRequests,
				"local rate limit budget exhausted", nil)
		}

		resp, err := call(ctx)

		var ce *classify.Error
		switch {
		case err != nil:
			ce = l.classifier.ClassifyError(err)
		case resp.StatusCode >= 400:
			ce = l.classifier.ClassifyResponse(resp.StatusCode, string(resp.Body), resp.Header)
		default:
			return resp, nil
		}

		if !l.classifier.ShouldRetry(ce, attempt) {
			l.logger.Debug("giving up on remote call",
				"principal", principal,
				"endpoint_class", endpointClass,
				"kind", ce.Kind,
				"attempts", attempt)
			return nil, ce
		}

		delay := l.classifier.ComputeDelay(attempt, ce)
		l.logger.Debug("retrying remote call",
			"principal", principal,
			"endpoint_class", endpointClass,
			"kind", ce.Kind,
			"attempt", attempt,
			"delay", delay)

		if err := l.sleep(ctx, delay); err != nil {
			return nil, l.classifier.ClassifyError(err)
		}

		lastErr = ce
		attempt++
	}
}
