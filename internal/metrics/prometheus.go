// Package metrics keeps a rolling per-provider performance record and
// exports Prometheus series for it. The rolling record lives in Redis
// so every replica sees the same numbers; the selector and the alert
// evaluator both read from it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaymux"

// LatencyBuckets defines histogram buckets for request latency (seconds).
var LatencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

var (
	// RequestsTotal counts relayed attempts by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total relayed attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, failure
	)

	// FailuresTotal counts failed attempts by canonical error kind.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed attempts by canonical error kind",
		},
		[]string{"provider", "kind"},
	)

	// RequestLatency tracks attempt latency distribution.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// TokenUsage counts token consumption by direction.
	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total token usage",
		},
		[]string{"provider", "type"}, // type: input, output
	)

	// TotalSpend accrues estimated cost.
	TotalSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Total spend in USD",
		},
		[]string{"provider"},
	)

	// QueueDepth mirrors the live occupancy of each queue set.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue occupancy by state",
		},
		[]string{"state"}, // state: pending, delayed, processing
	)

	// QueueEventsTotal counts queue lifecycle events.
	QueueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Queue lifecycle events",
		},
		[]string{"kind"},
	)

	// ProviderSuccessRate mirrors the rolling success rate.
	ProviderSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_success_rate",
			Help:      "Rolling success rate per provider",
		},
		[]string{"provider"},
	)

	// ProviderUtilization mirrors concurrent-slot pressure per provider.
	ProviderUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_utilization",
			Help:      "Concurrent-slot utilization per provider",
		},
		[]string{"provider"},
	)

	// ProviderP95Latency mirrors the rolling p95 latency.
	ProviderP95Latency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_p95_latency_seconds",
			Help:      "Rolling p95 response time per provider",
		},
		[]string{"provider"},
	)

	// AlertsActive is 1 while a performance alert is unresolved.
	AlertsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Active performance alerts (1 while unresolved)",
		},
		[]string{"provider", "metric"},
	)

	// CapacityThresholdEvents counts sweep threshold crossings.
	CapacityThresholdEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_threshold_events_total",
			Help:      "Capacity sweep threshold crossings",
		},
		[]string{"provider", "kind"},
	)
)

// RegisterInflight exposes a live in-flight reading sampled at scrape
// time. Call at most once per process.
func RegisterInflight(fn func() int) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being processed by this replica",
		},
		func() float64 { return float64(fn()) },
	)
}
