package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWindow(t *testing.T) (*SlidingWindow, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewSlidingWindow(client, nil), s, client
}

func TestSlidingWindowAllow(t *testing.T) {
	l, s, _ := newTestWindow(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		allowed, count, err := l.Allow(ctx, "user-1", 3)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, count)
	}

	allowed, count, err := l.Allow(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), count)

	// Another user has an independent window.
	allowed, _, err = l.Allow(ctx, "user-2", 3)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, s.Exists("throttle:user-1"))
}

func TestSlidingWindowEvictsOldEntries(t *testing.T) {
	l, _, client := newTestWindow(t)
	ctx := context.Background()

	// Seed two entries just outside the window.
	old := float64(time.Now().Add(-2 * time.Minute).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, "throttle:user-1",
		redis.Z{Score: old, Member: "a"},
		redis.Z{Score: old + 1, Member: "b"},
	).Err())

	allowed, count, err := l.Allow(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count, "stale entries must not count")

	used, err := l.Used(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestSlidingWindowUnlimited(t *testing.T) {
	l, s, _ := newTestWindow(t)

	allowed, count, err := l.Allow(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, count)
	assert.False(t, s.Exists("throttle:user-1"))
}

func TestSlidingWindowFailsOpen(t *testing.T) {
	l, s, _ := newTestWindow(t)
	s.Close()

	allowed, _, err := l.Allow(context.Background(), "user-1", 5)
	assert.True(t, allowed, "store failure must not block intake")
	assert.Error(t, err)
}
