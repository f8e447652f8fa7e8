package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg, nil, nil, nil), client, mr
}

func queueRequest(id string, tier types.Tier, prio types.Priority) *types.Request {
	return &types.Request{
		ID:       id,
		UserID:   "user-1",
		Tier:     tier,
		Priority: prio,
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}
}

func TestEnqueuePopOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var events []Event
	q.SetEventFunc(func(ev Event) { events = append(events, ev) })

	_, err := q.Enqueue(ctx, queueRequest("low", types.TierBasic, types.PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("crit", types.TierEnterprise, types.PriorityCritical))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "crit", batch[0].Request.ID)
	assert.Equal(t, "low", batch[1].Request.ID)
	assert.Equal(t, types.StatusProcessing, batch[0].Status)

	require.Len(t, events, 2)
	assert.Equal(t, EventEnqueued, events[0].Kind)
	assert.Equal(t, "low", events[0].RequestID)
}

func TestAgingPromotesStarvedEntries(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	// A low-priority entry that has waited longer than the critical
	// entry's full weight advantage must drain first.
	_, err := q.Enqueue(ctx, queueRequest("old-low", types.TierBasic, types.PriorityLow))
	require.NoError(t, err)

	clock = clock.Add(3001 * time.Second)
	_, err = q.Enqueue(ctx, queueRequest("fresh-crit", types.TierEnterprise, types.PriorityCritical))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "old-low", batch[0].Request.ID)
}

func TestEqualPriorityDrainsInArrivalOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, queueRequest("first", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	clock = clock.Add(5 * time.Millisecond)
	_, err = q.Enqueue(ctx, queueRequest("second", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].Request.ID)
	assert.Equal(t, "second", batch[1].Request.ID)
}

func TestEnqueueRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := Config{Tiers: map[types.Tier]TierPolicy{
		types.TierBasic: {RequestsPerMinute: 2},
	}}
	limiter := ratelimit.NewSlidingWindow(client, nil)
	q := New(client, cfg, limiter, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("a", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("b", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, queueRequest("c", types.TierBasic, types.PriorityMedium))
	require.Error(t, err)
	var me *muxerrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, muxerrors.KindRateLimited, me.Kind)

	hint, ok := muxerrors.WaitHint(err)
	require.True(t, ok)
	assert.Greater(t, hint, time.Duration(0))
}

func TestEnqueueBurstBorrowing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := Config{Tiers: map[types.Tier]TierPolicy{
		types.TierBasic: {RequestsPerMinute: 1, BurstCapacity: 5},
	}}
	limiter := ratelimit.NewSlidingWindow(client, nil)
	burst := ratelimit.NewBurstHandler(client, ratelimit.DefaultBurstConfig(), nil)
	q := New(client, cfg, limiter, burst, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("a", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	// Over the sliding limit, but the burst bucket still has tokens.
	_, err = q.Enqueue(ctx, queueRequest("b", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
}

func TestQueueFull(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxQueueSize: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("a", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("b", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, queueRequest("c", types.TierBasic, types.PriorityMedium))
	require.Error(t, err)
	var me *muxerrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, muxerrors.KindQueueFull, me.Kind)
}

func TestScheduleRetryParksUntilDue(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	qr := batch[0]
	qr.Request.Attempts = 1
	require.NoError(t, q.ScheduleRetry(ctx, qr, 5*time.Second))

	// Not due yet.
	batch, err = q.PopBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, batch)

	clock = clock.Add(6 * time.Second)
	batch, err = q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "r1", batch[0].Request.ID)
	assert.Equal(t, 1, batch[0].Request.Attempts)
	assert.Equal(t, types.StatusProcessing, batch[0].Status)
}

func TestCancelPending(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	status, err := q.Cancel(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, status)

	batch, err := q.PopBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	entry, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, entry.Status)

	pos, err := q.Position(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pos)

	// Idempotent on repeat.
	status, err = q.Cancel(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, status)
}

func TestCancelUnknownNotFound(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	_, err := q.Cancel(context.Background(), "ghost")
	require.Error(t, err)
	var me *muxerrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, muxerrors.KindNotFound, me.Kind)
}

func TestCancelProcessingSetsMark(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	status, err := q.Cancel(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, status)
	assert.True(t, q.IsCancelRequested(ctx, "r1"))
}

func TestCompleteStoresResponse(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	resp := &types.Response{RequestID: "r1", Content: "done", ProviderID: "alpha"}
	require.NoError(t, q.Complete(ctx, batch[0], resp))

	entry, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, entry.Status)
	require.NotNil(t, entry.Response)
	assert.Equal(t, "done", entry.Response.Content)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Processing)
	assert.Zero(t, depths.Pending)
}

func TestFailStoresError(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	failure := muxerrors.NewTimeout("alpha", "alpha-model", "deadline exceeded")
	require.NoError(t, q.Fail(ctx, batch[0], failure))

	entry, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, entry.Status)
	require.NotNil(t, entry.Failure)
	assert.Equal(t, muxerrors.KindTimeout, entry.Failure.Kind)
	assert.Equal(t, "alpha", entry.Failure.Provider)
}

func TestFailWithCancelledLandsCancelled(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, q.Fail(ctx, batch[0], muxerrors.NewCancelled("user cancelled")))

	entry, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, entry.Status)
}

func TestPositionReflectsPriorityOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("low", types.TierBasic, types.PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("high", types.TierBasic, types.PriorityHigh))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("crit", types.TierBasic, types.PriorityCritical))
	require.NoError(t, err)

	for want, id := range map[int64]string{0: "crit", 1: "high", 2: "low"} {
		pos, err := q.Position(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, pos, id)
	}
}

func TestEnqueueAssignsID(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	req := queueRequest("", types.TierBasic, types.PriorityMedium)
	qr, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, qr.Request.ID)
}

func TestPopBatchStampsStartedAtOnce(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, queueRequest("r1", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	firstClaim := clock
	assert.True(t, batch[0].StartedAt.Equal(firstClaim))

	// The stamp is persisted so status lookups see it mid-flight.
	entry, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, entry.Queued.StartedAt.Equal(firstClaim))
	assert.True(t, entry.Queued.CompletedAt.IsZero())

	// A retry re-claim keeps the original dispatch time.
	require.NoError(t, q.ScheduleRetry(ctx, batch[0], 5*time.Second))
	clock = clock.Add(10 * time.Second)

	batch, err = q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].StartedAt.Equal(firstClaim))
}

func TestFinalizeStampsCompletedAt(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	_, err := q.Enqueue(ctx, queueRequest("ok", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queueRequest("bad", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	batch, err := q.PopBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	clock = clock.Add(3 * time.Second)
	done := clock
	require.NoError(t, q.Complete(ctx, batch[0], &types.Response{RequestID: batch[0].Request.ID}))
	require.NoError(t, q.Fail(ctx, batch[1], muxerrors.NewTimeout("alpha", "alpha-model", "deadline exceeded")))

	for _, id := range []string{"ok", "bad"} {
		entry, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, entry.Queued.CompletedAt.Equal(done), id)
	}
}

func TestSetTierPoliciesAppliesToNewEnqueues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := Config{Tiers: map[types.Tier]TierPolicy{
		types.TierBasic: {RequestsPerMinute: 100},
	}}
	limiter := ratelimit.NewSlidingWindow(client, nil)
	q := New(client, cfg, limiter, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queueRequest("a", types.TierBasic, types.PriorityMedium))
	require.NoError(t, err)

	q.SetTierPolicies(map[types.Tier]TierPolicy{
		types.TierBasic: {RequestsPerMinute: 1},
	})

	_, err = q.Enqueue(ctx, queueRequest("b", types.TierBasic, types.PriorityMedium))
	require.Error(t, err)
	var me *muxerrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, muxerrors.KindRateLimited, me.Kind)

	// An empty swap is ignored rather than dropping all throttles.
	q.SetTierPolicies(nil)
	_, err = q.Enqueue(ctx, queueRequest("c", types.TierBasic, types.PriorityMedium))
	require.Error(t, err)
}
