// Package ratelimit layers the user-facing admission limiters: a
// Redis sliding window shared by all replicas, a token-bucket burst
// handler with borrow-and-cooldown semantics, and an in-process edge
// guard that sheds abusive clients before any store round trip.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is the sliding-window length for per-user request counting.
const Window = time.Minute

// slidingLua evicts entries older than the window, counts the
// remainder and appends the new entry if under the limit.
// KEYS: throttle zset. ARGV: now ms, window ms, limit, member.
const slidingLua = `
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
    return {0, count}
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return {1, count + 1}
`

// SlidingWindow is the per-user request limiter. Store failures fail
// open so a Redis blip does not take request intake down with it.
type SlidingWindow struct {
	client redis.UniversalClient
	script *redis.Script
	logger *slog.Logger
}

// NewSlidingWindow creates a sliding-window limiter on the given
// Redis client.
func NewSlidingWindow(client redis.UniversalClient, logger *slog.Logger) *SlidingWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		client: client,
		script: redis.NewScript(slidingLua),
		logger: logger,
	}
}

func throttleKey(userID string) string {
	return "throttle:" + userID
}

// Allow counts one request against the user's minute window. It
// returns the requests used within the window including this one.
// A limit of zero or less means unlimited.
func (l *SlidingWindow) Allow(ctx context.Context, userID string, limit int64) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	val, err := l.script.Run(ctx, l.client,
		[]string{throttleKey(userID)},
		now.UnixMilli(), Window.Milliseconds(), limit, member,
	).Result()
	if err != nil {
		// Fail open: intake stays up when the store is down.
		l.logger.Warn("sliding window check failed, allowing",
			"user", userID,
			"error", err,
		)
		return true, 0, err
	}

	result, ok := val.([]interface{})
	if !ok || len(result) != 2 {
		l.logger.Warn("sliding window returned unexpected result, allowing",
			"user", userID,
			"result", val,
		)
		return true, 0, nil
	}

	allowed, _ := result[0].(int64)
	count, _ := result[1].(int64)
	return allowed == 1, count, nil
}

// Used returns the requests currently counted in the user's window.
func (l *SlidingWindow) Used(ctx context.Context, userID string) (int64, error) {
	cutoff := time.Now().Add(-Window).UnixMilli()
	if err := l.client.ZRemRangeByScore(ctx, throttleKey(userID), "-inf", fmt.Sprint(cutoff)).Err(); err != nil {
		return 0, err
	}
	return l.client.ZCard(ctx, throttleKey(userID)).Result()
}
