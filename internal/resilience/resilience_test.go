package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edusuite/coursescan/internal/classify"
	"github.com/edusuite/coursescan/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// newTestLoop builds a loop with a generous limiter, no jitter, and
// instantaneous sleeps that record the requested delays.
func newTestLoop(t *testing.T) (*Loop, *[]time.Duration) {
	t.Helper()
	logger := testLogger()

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		RequestsPerMinute: 1000,
		RequestsPerHour:   10000,
		GlobalMultiplier:  10,
		PollInterval:      time.Millisecond,
	}, logger)

	classifier := classify.NewClassifier(logger)

	loop := NewLoop(limiter, classifier, logger)
	slept := &[]time.Duration{}
	loop.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return loop, slept
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	loop, slept := newTestLoop(t)

	resp, cerr := loop.Do(context.Background(), "u1", "pages", 1, func(context.Context) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})

	require.Nil(t, cerr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, *slept)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	loop, slept := newTestLoop(t)

	calls := 0
	resp, cerr := loop.Do(context.Background(), "u1", "pages", 1, func(context.Context) (*Response, error) {
		calls++
		if calls < 3 {
			return &Response{StatusCode: http.StatusServiceUnavailable, Body: []byte("try later")}, nil
		}
		return &Response{StatusCode: http.StatusOK}, nil
	})

	require.Nil(t, cerr)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2, "one backoff per failed attempt")
}

func TestDoNonRetryableSurfacesImmediately(t *testing.T) {
	loop, slept := newTestLoop(t)

	calls := 0
	resp, cerr := loop.Do(context.Background(), "u1", "pages", 1, func(context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: http.StatusNotFound, Body: []byte("no such page")}, nil
	})

	assert.Nil(t, resp)
	require.NotNil(t, cerr)
	assert.Equal(t, classify.KindNotFound, cerr.Kind)
	assert.False(t, cerr.Retryable)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoExhaustsRetries(t *testing.T) {
	loop, _ := newTestLoop(t)

	calls := 0
	resp, cerr := loop.Do(context.Background(), "u1", "pages", 1, func(context.Context) (*Response, error) {
		calls++
		return nil, errors.New("dial tcp: connection refused")
	})

	assert.Nil(t, resp)
	require.NotNil(t, cerr)
	assert.Equal(t, classify.KindNetworkConnection, cerr.Kind)
	// MaxRetries for connection failures is 3: initial attempt + 3 retries.
	assert.Equal(t, 4, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	loop, _ := newTestLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, cerr := loop.Do(ctx, "u1", "pages", 1, func(context.Context) (*Response, error) {
		t.Fatal("call must not run after cancellation")
		return nil, nil
	})

	assert.Nil(t, resp)
	require.NotNil(t, cerr)
}

func TestDoReturnsRateLimitedWhenBudgetExhausted(t *testing.T) {
	logger := testLogger()
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		RequestsPerMinute: 1,
		RequestsPerHour:   100,
		GlobalMultiplier:  10,
		PollInterval:      time.Millisecond,
	}, logger)
	loop := NewLoop(limiter, classify.NewClassifier(logger), logger)
	loop.maxLimiterWait = 10 * time.Millisecond

	ctx := context.Background()
	ok := func(context.Context) (*Response, error) {
		return &Response{StatusCode: http.StatusOK}, nil
	}

	_, cerr := loop.Do(ctx, "u1", "pages", 1, ok)
	require.Nil(t, cerr)

	resp, cerr := loop.Do(ctx, "u1", "pages", 1, ok)
	assert.Nil(t, resp)
	require.NotNil(t, cerr)
	assert.Equal(t, classify.KindRateLimited, cerr.Kind)
}
