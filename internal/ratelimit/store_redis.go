package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript performs the whole admission check atomically: prune all four
// sliding windows, count them, compare against the limits, and record the
// request's weight only when every window has capacity. Running it as one Lua
// script is what keeps racing callers from jointly exceeding a limit.
//
// KEYS[1] = principal minute key   KEYS[2] = principal hour key
// KEYS[3] = global minute key      KEYS[4] = global hour key
// ARGV[1] = now (unix seconds, fractional)
// ARGV[2] = weight
// ARGV[3..6] = principal minute / principal hour / global minute / global hour limits
// ARGV[7] = unique member prefix for this request
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local weight = tonumber(ARGV[2])
local limits = {tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])}
local windows = {60, 3600, 60, 3600}
local counts = {}

for i = 1, 4 do
    redis.call("ZREMRANGEBYSCORE", KEYS[i], 0, now - windows[i])
    counts[i] = redis.call("ZCARD", KEYS[i])
end

local allowed = 1
for i = 1, 4 do
    if counts[i] + weight > limits[i] then
        allowed = 0
    end
end

if allowed == 1 then
    for i = 1, 4 do
        for j = 1, weight do
            redis.call("ZADD", KEYS[i], now, ARGV[7] .. ":" .. j)
        end
        redis.call("EXPIRE", KEYS[i], windows[i] * 2)
    end
end

return {allowed, counts[1], counts[2], counts[3], counts[4]}
`)

// RedisStore implements Store on a shared redis instance so that several
// engine processes enforce one global limit. Entries live in sorted sets
// scored by unix time; keys expire at twice their window to self-clean.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given redis address.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire implements Store with a single atomic script round-trip.
func (s *RedisStore) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	keys := []string{
		principalMinuteKey(req.Principal),
		principalHourKey(req.Principal),
		globalMinuteKey,
		globalHourKey,
	}
	now := float64(req.Now.UnixMicro()) / 1e6

	res, err := acquireScript.Run(ctx, s.client, keys,
		now,
		req.Weight,
		req.PrincipalMinuteLimit,
		req.PrincipalHourLimit,
		req.GlobalMinuteLimit,
		req.GlobalHourLimit,
		uuid.NewString(),
	).Result()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("rate limit acquire script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return AcquireResult{}, fmt.Errorf("unexpected acquire script response: %v", res)
	}

	toInt := func(v interface{}) int {
		n, _ := v.(int64)
		return int(n)
	}

	return AcquireResult{
		Allowed:              toInt(vals[0]) == 1,
		PrincipalMinuteCount: toInt(vals[1]),
		PrincipalHourCount:   toInt(vals[2]),
		GlobalMinuteCount:    toInt(vals[3]),
		GlobalHourCount:      toInt(vals[4]),
	}, nil
}

// Counts implements Store.
func (s *RedisStore) Counts(ctx context.Context, principal string, now time.Time) (Usage, error) {
	cutoffMinute := float64(now.Add(-minuteWindow).UnixMicro()) / 1e6
	cutoffHour := float64(now.Add(-hourWindow).UnixMicro()) / 1e6

	pipe := s.client.Pipeline()
	pm := pipe.ZCount(ctx, principalMinuteKey(principal), fmt.Sprintf("%f", cutoffMinute), "+inf")
	ph := pipe.ZCount(ctx, principalHourKey(principal), fmt.Sprintf("%f", cutoffHour), "+inf")
	gm := pipe.ZCount(ctx, globalMinuteKey, fmt.Sprintf("%f", cutoffMinute), "+inf")
	gh := pipe.ZCount(ctx, globalHourKey, fmt.Sprintf("%f", cutoffHour), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return Usage{}, fmt.Errorf("rate limit counts: %w", err)
	}

	return Usage{
		PrincipalMinute: int(pm.Val()),
		PrincipalHour:   int(ph.Val()),
		GlobalMinute:    int(gm.Val()),
		GlobalHour:      int(gh.Val()),
	}, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, principal string) error {
	if err := s.client.Del(ctx, principalMinuteKey(principal), principalHourKey(principal)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
