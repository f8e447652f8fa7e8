package metrics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/router"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// statsTTL bounds how long an idle provider's record survives.
	// Every write refreshes it, so the record is effectively rolling.
	statsTTL = 24 * time.Hour

	// maxSamples trims the latency list to the most recent entries.
	maxSamples = 1000
)

const (
	fieldSuccess      = "success"
	fieldInputTokens  = "input_tokens"
	fieldOutputTokens = "output_tokens"
	fieldSpend        = "spend"
	failurePrefix     = "failure:"
)

func statsKey(providerID string) string { return "stats:" + providerID }

func responseTimesKey(providerID string) string { return "response_times:" + providerID }

// Recorder ingests per-attempt outcomes into the per-provider rolling
// record. Counters live in a Redis hash, latency samples in a list
// trimmed to the last thousand entries. Safe for concurrent use.
type Recorder struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRecorder creates a recorder over the given Redis client.
func NewRecorder(client redis.UniversalClient, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{client: client, logger: logger}
}

// RecordSuccess folds one successful attempt into the rolling record
// and the exported series.
func (r *Recorder) RecordSuccess(ctx context.Context, providerID string, latency time.Duration, usage types.TokenUsage, cost float64) error {
	RequestsTotal.WithLabelValues(providerID, "success").Inc()
	RequestLatency.WithLabelValues(providerID).Observe(latency.Seconds())
	TokenUsage.WithLabelValues(providerID, "input").Add(float64(usage.Input))
	TokenUsage.WithLabelValues(providerID, "output").Add(float64(usage.Output))
	if cost > 0 {
		TotalSpend.WithLabelValues(providerID).Add(cost)
	}

	key := statsKey(providerID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldSuccess, 1)
	pipe.HIncrBy(ctx, key, fieldInputTokens, int64(usage.Input))
	pipe.HIncrBy(ctx, key, fieldOutputTokens, int64(usage.Output))
	pipe.HIncrByFloat(ctx, key, fieldSpend, cost)
	pipe.Expire(ctx, key, statsTTL)
	pushSample(ctx, pipe, providerID, latency)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordFailure folds one failed attempt into the rolling record,
// keyed by the canonical error kind.
func (r *Recorder) RecordFailure(ctx context.Context, providerID string, kind muxerrors.Kind, latency time.Duration) error {
	RequestsTotal.WithLabelValues(providerID, "failure").Inc()
	FailuresTotal.WithLabelValues(providerID, string(kind)).Inc()
	RequestLatency.WithLabelValues(providerID).Observe(latency.Seconds())

	key := statsKey(providerID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, failurePrefix+string(kind), 1)
	pipe.Expire(ctx, key, statsTTL)
	pushSample(ctx, pipe, providerID, latency)
	_, err := pipe.Exec(ctx)
	return err
}

func pushSample(ctx context.Context, pipe redis.Pipeliner, providerID string, latency time.Duration) {
	key := responseTimesKey(providerID)
	ms := float64(latency) / float64(time.Millisecond)
	pipe.RPush(ctx, key, strconv.FormatFloat(ms, 'f', 3, 64))
	pipe.LTrim(ctx, key, -maxSamples, -1)
	pipe.Expire(ctx, key, statsTTL)
}

// Stats is one provider's rolling record.
type Stats struct {
	ProviderID string

	Success        int64
	Failure        int64
	FailuresByKind map[muxerrors.Kind]int64

	InputTokens  int64
	OutputTokens int64
	SpendUSD     float64

	// Samples counts retained latency entries, which lag the outcome
	// counters once the list is trimmed.
	Samples      int64
	P50LatencyMs float64
	P95LatencyMs float64
}

// Total is the number of recorded attempts.
func (s *Stats) Total() int64 { return s.Success + s.Failure }

// SuccessRate is successes over recorded attempts, 1 when no attempts
// have been recorded.
func (s *Stats) SuccessRate() float64 {
	total := s.Total()
	if total == 0 {
		return 1
	}
	return float64(s.Success) / float64(total)
}

// Snapshot reads one provider's rolling record, including p50/p95 over
// the retained latency samples.
func (r *Recorder) Snapshot(ctx context.Context, providerID string) (*Stats, error) {
	fields, err := r.client.HGetAll(ctx, statsKey(providerID)).Result()
	if err != nil {
		return nil, err
	}

	st := &Stats{ProviderID: providerID, FailuresByKind: make(map[muxerrors.Kind]int64)}
	for field, raw := range fields {
		switch {
		case field == fieldSuccess:
			st.Success, _ = strconv.ParseInt(raw, 10, 64)
		case field == fieldInputTokens:
			st.InputTokens, _ = strconv.ParseInt(raw, 10, 64)
		case field == fieldOutputTokens:
			st.OutputTokens, _ = strconv.ParseInt(raw, 10, 64)
		case field == fieldSpend:
			st.SpendUSD, _ = strconv.ParseFloat(raw, 64)
		case strings.HasPrefix(field, failurePrefix):
			n, _ := strconv.ParseInt(raw, 10, 64)
			st.FailuresByKind[muxerrors.Kind(strings.TrimPrefix(field, failurePrefix))] = n
			st.Failure += n
		}
	}

	samples, err := r.samples(ctx, providerID)
	if err != nil {
		return nil, err
	}
	st.Samples = int64(len(samples))
	if len(samples) > 0 {
		sort.Float64s(samples)
		st.P50LatencyMs = percentile(samples, 0.50)
		st.P95LatencyMs = percentile(samples, 0.95)
	}
	return st, nil
}

// ProviderStats supplies the selector's quality snapshot. Reads are
// fail-open: on store errors or an empty record the provider scores
// optimistically.
func (r *Recorder) ProviderStats(ctx context.Context, providerID string) (router.ProviderStats, bool) {
	st, err := r.Snapshot(ctx, providerID)
	if err != nil {
		r.logger.Warn("provider stats read failed", "provider", providerID, "error", err)
		return router.ProviderStats{}, false
	}
	if st.Total() == 0 {
		return router.ProviderStats{}, false
	}
	return router.ProviderStats{
		SuccessRate:  st.SuccessRate(),
		P95LatencyMs: st.P95LatencyMs,
		Samples:      st.Total(),
	}, true
}

func (r *Recorder) samples(ctx context.Context, providerID string) ([]float64, error) {
	raw, err := r.client.LRange(ctx, responseTimesKey(providerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// percentile applies the nearest-rank method over ascending samples.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
