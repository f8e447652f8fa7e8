package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/capacity"
)

// Alert metric names, one per monitored signal.
const (
	MetricSuccessRate = "success_rate"
	MetricP95Latency  = "p95_latency"
	MetricUtilization = "utilization"
)

// alertsKey holds active alerts, one hash field per provider:metric.
const alertsKey = "alerts:performance"

// Thresholds configure when the evaluator raises and resolves alerts.
type Thresholds struct {
	// MinSuccessRate alerts when the rolling success rate drops below.
	MinSuccessRate float64
	// MaxP95Latency alerts when the rolling p95 exceeds.
	MaxP95Latency time.Duration
	// MaxUtilization alerts when concurrent-slot pressure exceeds.
	MaxUtilization float64
	// MinSamples gates the quality alerts so a lone early failure does
	// not page anyone.
	MinSamples int64
	// Interval is the sweep period.
	Interval time.Duration
}

// DefaultThresholds returns the evaluator defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate: 0.95,
		MaxP95Latency:  30 * time.Second,
		MaxUtilization: 0.9,
		MinSamples:     20,
		Interval:       30 * time.Second,
	}
}

// Alert is one unresolved threshold crossing.
type Alert struct {
	Provider  string    `json:"provider"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// QueueDepths is a point-in-time backlog snapshot.
type QueueDepths struct {
	Pending    int64
	Delayed    int64
	Processing int64
}

// DepthSource supplies queue backlog sizes for the sweep.
type DepthSource func(ctx context.Context) (QueueDepths, error)

// Evaluator sweeps provider records and capacity pressure, raising and
// resolving alerts in the coordination store. Raising is idempotent:
// while an alert for a (provider, metric) pair is unresolved, further
// crossings neither duplicate it nor re-log it.
type Evaluator struct {
	client   redis.UniversalClient
	recorder *Recorder
	capacity *capacity.Manager
	cfg      Thresholds
	depths   DepthSource
	logger   *slog.Logger
	started  atomic.Bool

	now func() time.Time
}

// NewEvaluator creates an alert sweep over the capacity manager's
// providers. Zero threshold fields fall back to defaults.
func NewEvaluator(client redis.UniversalClient, recorder *Recorder, capMgr *capacity.Manager, cfg Thresholds, logger *slog.Logger) *Evaluator {
	def := DefaultThresholds()
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.MaxP95Latency <= 0 {
		cfg.MaxP95Latency = def.MaxP95Latency
	}
	if cfg.MaxUtilization <= 0 {
		cfg.MaxUtilization = def.MaxUtilization
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		client:   client,
		recorder: recorder,
		capacity: capMgr,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetDepthSource attaches a queue backlog reader; each sweep then
// mirrors the depths into the queue gauge.
func (e *Evaluator) SetDepthSource(fn DepthSource) {
	e.depths = fn
}

// Start begins the sweep loop until the context is canceled.
func (e *Evaluator) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run(ctx)
}

func (e *Evaluator) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			e.logger.Info("alert evaluator stopped")
			return
		}
	}
}

// Sweep evaluates every provider once, mirroring the rolling quality
// gauges as it goes.
func (e *Evaluator) Sweep(ctx context.Context) {
	for _, providerID := range e.capacity.Providers() {
		if ctx.Err() != nil {
			return
		}
		e.sweepProvider(ctx, providerID)
	}

	if e.depths != nil {
		d, err := e.depths(ctx)
		if err != nil {
			e.logger.Warn("alert sweep depth read failed", "error", err)
			return
		}
		QueueDepth.WithLabelValues("pending").Set(float64(d.Pending))
		QueueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
		QueueDepth.WithLabelValues("processing").Set(float64(d.Processing))
	}
}

func (e *Evaluator) sweepProvider(ctx context.Context, providerID string) {
	st, err := e.recorder.Snapshot(ctx, providerID)
	if err != nil {
		e.logger.Warn("alert sweep record read failed", "provider", providerID, "error", err)
		return
	}

	rate := st.SuccessRate()
	ProviderSuccessRate.WithLabelValues(providerID).Set(rate)
	ProviderP95Latency.WithLabelValues(providerID).Set(st.P95LatencyMs / 1000)

	seen := st.Total() >= e.cfg.MinSamples
	e.judge(ctx, providerID, MetricSuccessRate, rate, e.cfg.MinSuccessRate,
		seen && rate < e.cfg.MinSuccessRate)

	maxP95 := float64(e.cfg.MaxP95Latency) / float64(time.Millisecond)
	e.judge(ctx, providerID, MetricP95Latency, st.P95LatencyMs, maxP95,
		seen && st.P95LatencyMs > maxP95)

	state, err := e.capacity.State(ctx, providerID)
	if err != nil {
		e.logger.Warn("alert sweep capacity read failed", "provider", providerID, "error", err)
		return
	}
	util := state.Utilization()
	ProviderUtilization.WithLabelValues(providerID).Set(util)
	e.judge(ctx, providerID, MetricUtilization, util, e.cfg.MaxUtilization,
		util > e.cfg.MaxUtilization)
}

// judge raises or resolves the alert for one (provider, metric) pair.
// HSETNX makes the raise idempotent across sweeps and replicas.
func (e *Evaluator) judge(ctx context.Context, provider, metric string, value, threshold float64, firing bool) {
	field := provider + ":" + metric

	if firing {
		body, err := json.Marshal(Alert{
			Provider:  provider,
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			RaisedAt:  e.now().UTC(),
		})
		if err != nil {
			return
		}
		raised, err := e.client.HSetNX(ctx, alertsKey, field, body).Result()
		if err != nil {
			e.logger.Warn("alert write failed", "provider", provider, "metric", metric, "error", err)
			return
		}
		AlertsActive.WithLabelValues(provider, metric).Set(1)
		if raised {
			e.logger.Warn("performance alert raised",
				"provider", provider,
				"metric", metric,
				"value", value,
				"threshold", threshold,
			)
		}
		return
	}

	resolved, err := e.client.HDel(ctx, alertsKey, field).Result()
	if err != nil {
		e.logger.Warn("alert resolve failed", "provider", provider, "metric", metric, "error", err)
		return
	}
	AlertsActive.WithLabelValues(provider, metric).Set(0)
	if resolved > 0 {
		e.logger.Info("performance alert resolved",
			"provider", provider,
			"metric", metric,
			"value", value,
		)
	}
}

// Active lists the unresolved alerts, ordered by provider then metric.
func (e *Evaluator) Active(ctx context.Context) ([]Alert, error) {
	fields, err := e.client.HGetAll(ctx, alertsKey).Result()
	if err != nil {
		return nil, err
	}
	alerts := make([]Alert, 0, len(fields))
	for _, raw := range fields {
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Provider != alerts[j].Provider {
			return alerts[i].Provider < alerts[j].Provider
		}
		return alerts[i].Metric < alerts[j].Metric
	})
	return alerts, nil
}
