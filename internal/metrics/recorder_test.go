package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func newTestRecorder(t *testing.T) (*miniredis.Miniredis, *Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mr, NewRecorder(client, logger)
}

func TestRecordAccumulates(t *testing.T) {
	mr, rec := newTestRecorder(t)
	ctx := context.Background()

	usage := types.TokenUsage{Input: 100, Output: 50, Total: 150}
	require.NoError(t, rec.RecordSuccess(ctx, "alpha", 200*time.Millisecond, usage, 0.002))
	require.NoError(t, rec.RecordSuccess(ctx, "alpha", 400*time.Millisecond, usage, 0.003))
	require.NoError(t, rec.RecordFailure(ctx, "alpha", muxerrors.KindServerError, 1200*time.Millisecond))

	st, err := rec.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Success)
	assert.Equal(t, int64(1), st.Failure)
	assert.Equal(t, int64(1), st.FailuresByKind[muxerrors.KindServerError])
	assert.Equal(t, int64(3), st.Total())
	assert.InDelta(t, 2.0/3.0, st.SuccessRate(), 1e-9)
	assert.Equal(t, int64(200), st.InputTokens)
	assert.Equal(t, int64(100), st.OutputTokens)
	assert.InDelta(t, 0.005, st.SpendUSD, 1e-9)
	assert.Equal(t, int64(3), st.Samples)
	assert.InDelta(t, 400, st.P50LatencyMs, 0.001)
	assert.InDelta(t, 1200, st.P95LatencyMs, 0.001)

	assert.Greater(t, mr.TTL("stats:alpha"), time.Duration(0))
	assert.Greater(t, mr.TTL("response_times:alpha"), time.Duration(0))
}

func TestSnapshotEmptyRecord(t *testing.T) {
	_, rec := newTestRecorder(t)

	st, err := rec.Snapshot(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Total())
	assert.Equal(t, 1.0, st.SuccessRate())
	assert.Equal(t, int64(0), st.Samples)
	assert.Zero(t, st.P95LatencyMs)
}

func TestPercentilesNearestRank(t *testing.T) {
	_, rec := newTestRecorder(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		latency := time.Duration(i) * 100 * time.Millisecond
		require.NoError(t, rec.RecordFailure(ctx, "alpha", muxerrors.KindTimeout, latency))
	}

	st, err := rec.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.InDelta(t, 500, st.P50LatencyMs, 0.001)
	assert.InDelta(t, 1000, st.P95LatencyMs, 0.001)
}

func TestLatencySamplesTrimmed(t *testing.T) {
	mr, rec := newTestRecorder(t)
	ctx := context.Background()

	usage := types.TokenUsage{Input: 1, Output: 1, Total: 2}
	for i := 0; i < maxSamples+25; i++ {
		require.NoError(t, rec.RecordSuccess(ctx, "alpha", time.Duration(i)*time.Millisecond, usage, 0))
	}

	raw, err := mr.List("response_times:alpha")
	require.NoError(t, err)
	assert.Len(t, raw, maxSamples)
	// The oldest entries are the ones trimmed away.
	assert.Equal(t, "25.000", raw[0])

	st, err := rec.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(maxSamples), st.Samples)
	assert.Equal(t, int64(maxSamples+25), st.Total())
}

func TestProviderStatsFailOpen(t *testing.T) {
	mr, rec := newTestRecorder(t)
	ctx := context.Background()

	t.Run("no record", func(t *testing.T) {
		_, ok := rec.ProviderStats(ctx, "alpha")
		assert.False(t, ok)
	})

	t.Run("with record", func(t *testing.T) {
		usage := types.TokenUsage{Input: 10, Output: 5, Total: 15}
		for i := 0; i < 9; i++ {
			require.NoError(t, rec.RecordSuccess(ctx, "alpha", 100*time.Millisecond, usage, 0.001))
		}
		require.NoError(t, rec.RecordFailure(ctx, "alpha", muxerrors.KindNetwork, 900*time.Millisecond))

		st, ok := rec.ProviderStats(ctx, "alpha")
		require.True(t, ok)
		assert.InDelta(t, 0.9, st.SuccessRate, 1e-9)
		assert.InDelta(t, 900, st.P95LatencyMs, 0.001)
		assert.Equal(t, int64(10), st.Samples)
	})

	t.Run("store down", func(t *testing.T) {
		mr.Close()
		_, ok := rec.ProviderStats(ctx, "alpha")
		assert.False(t, ok)
	})
}

func TestRecorderIsolatesProviders(t *testing.T) {
	_, rec := newTestRecorder(t)
	ctx := context.Background()

	usage := types.TokenUsage{Input: 10, Output: 10, Total: 20}
	require.NoError(t, rec.RecordSuccess(ctx, "alpha", 100*time.Millisecond, usage, 0.01))
	require.NoError(t, rec.RecordFailure(ctx, "beta", muxerrors.KindRateLimited, 50*time.Millisecond))

	alpha, err := rec.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	beta, err := rec.Snapshot(ctx, "beta")
	require.NoError(t, err)

	assert.Equal(t, int64(1), alpha.Success)
	assert.Equal(t, int64(0), alpha.Failure)
	assert.Equal(t, int64(0), beta.Success)
	assert.Equal(t, int64(1), beta.FailuresByKind[muxerrors.KindRateLimited])
}

func TestPercentileBounds(t *testing.T) {
	cases := []struct {
		samples []float64
		q       float64
		want    float64
	}{
		{nil, 0.95, 0},
		{[]float64{42}, 0.5, 42},
		{[]float64{42}, 0.95, 42},
		{[]float64{1, 2}, 0.5, 1},
		{[]float64{1, 2}, 0.95, 2},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("q%.2f_n%d", tc.q, len(tc.samples)), func(t *testing.T) {
			assert.Equal(t, tc.want, percentile(tc.samples, tc.q))
		})
	}
}
