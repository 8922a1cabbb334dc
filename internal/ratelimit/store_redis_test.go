package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running redis instance. Set
// COURSESCAN_TEST_REDIS_ADDR to enable it.
func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("COURSESCAN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COURSESCAN_TEST_REDIS_ADDR not set, skipping redis integration test")
	}

	store := NewRedisStore(addr, "", 0)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	principal := "integration-test-" + time.Now().Format("150405.000")
	require.NoError(t, store.Reset(ctx, principal))

	req := AcquireRequest{
		Principal:            principal,
		Weight:               1,
		Now:                  time.Now(),
		PrincipalMinuteLimit: 2,
		PrincipalHourLimit:   100,
		GlobalMinuteLimit:    100000,
		GlobalHourLimit:      100000,
	}

	res, err := store.Acquire(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	req.Now = time.Now()
	res, err = store.Acquire(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	req.Now = time.Now()
	res, err = store.Acquire(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "third acquire exceeds the minute limit")
	assert.Equal(t, 2, res.PrincipalMinuteCount)

	require.NoError(t, store.Reset(ctx, principal))
}
