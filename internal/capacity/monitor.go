package capacity

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// EventKind names a threshold crossing observed by the sweep.
type EventKind string

const (
	EventWarningUtilization  EventKind = "warning_utilization"
	EventCriticalUtilization EventKind = "critical_utilization"
	EventRateLimitWarning    EventKind = "rate_limit_warning"
)

// Event is one threshold crossing for one provider.
type Event struct {
	ProviderID  string
	Kind        EventKind
	Utilization float64
	HealthScore float64
}

// EventFunc receives sweep events. Handlers must not block.
type EventFunc func(Event)

// Monitor periodically recomputes provider health scores and emits
// threshold events.
type Monitor struct {
	manager *Manager
	onEvent EventFunc
	started atomic.Bool
}

// NewMonitor creates a sweep loop over the manager's providers.
func NewMonitor(manager *Manager, onEvent EventFunc) *Monitor {
	return &Monitor{manager: manager, onEvent: onEvent}
}

// Start begins the sweep loop until the context is canceled.
func (mo *Monitor) Start(ctx context.Context) {
	if !mo.started.CompareAndSwap(false, true) {
		return
	}
	go mo.run(ctx)
}

func (mo *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(mo.manager.cfg.MonitoringInterval)
	defer ticker.Stop()

	mo.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			mo.Sweep(ctx)
		case <-ctx.Done():
			mo.manager.logger.Info("capacity monitor stopped")
			return
		}
	}
}

// Sweep recomputes and stores the health score for every provider,
// emitting events for any crossed thresholds.
func (mo *Monitor) Sweep(ctx context.Context) {
	m := mo.manager
	for _, providerID := range m.Providers() {
		if ctx.Err() != nil {
			return
		}

		state, err := m.State(ctx, providerID)
		if err != nil {
			m.logger.Warn("capacity sweep read failed",
				"provider", providerID,
				"error", err,
			)
			continue
		}

		limits, _ := m.Limits(providerID)
		key := capacityKey(providerID)

		// A failed release can strand the active counter out of range.
		// The sweep is the reconciliation point: clamp it back into
		// [0, maxConcurrent] so admission is not starved forever.
		if state.Active < 0 || (limits.MaxConcurrent > 0 && state.Active > limits.MaxConcurrent) {
			clamped := 0
			if state.Active > 0 {
				clamped = limits.MaxConcurrent
			}
			m.logger.Warn("capacity counter out of range, clamping",
				"provider", providerID,
				"active", state.Active,
				"clamped", clamped,
			)
			if err := m.client.HSet(ctx, key, "active", clamped).Err(); err == nil {
				state.Active = clamped
			}
		}

		score := HealthScore(state, limits, m.cfg.QueueLengthLimit)
		if err := m.client.HSet(ctx, key,
			"health", strconv.FormatFloat(score, 'f', -1, 64),
			"updated_at", state.UpdatedAt.Unix(),
		).Err(); err != nil {
			m.logger.Warn("capacity sweep write failed",
				"provider", providerID,
				"error", err,
			)
			continue
		}
		m.client.Expire(ctx, key, snapshotTTL)

		mo.emitThresholds(providerID, state, limits, score)
	}
}

func (mo *Monitor) emitThresholds(providerID string, state *types.CapacityState, limits types.Limits, score float64) {
	m := mo.manager
	util := state.Utilization()

	switch {
	case m.cfg.CriticalUtilization > 0 && util >= m.cfg.CriticalUtilization:
		m.logger.Warn("provider utilization critical",
			"provider", providerID,
			"utilization", util,
			"health", score,
		)
		mo.emit(Event{ProviderID: providerID, Kind: EventCriticalUtilization, Utilization: util, HealthScore: score})
	case m.cfg.WarningUtilization > 0 && util >= m.cfg.WarningUtilization:
		m.logger.Warn("provider utilization elevated",
			"provider", providerID,
			"utilization", util,
			"health", score,
		)
		mo.emit(Event{ProviderID: providerID, Kind: EventWarningUtilization, Utilization: util, HealthScore: score})
	}

	if limits.RequestsPerMinute > 0 && m.cfg.RateLimitWarning > 0 {
		rateU := float64(state.Minute.Requests) / float64(limits.RequestsPerMinute)
		if rateU >= m.cfg.RateLimitWarning {
			m.logger.Warn("provider near minute request cap",
				"provider", providerID,
				"requests", state.Minute.Requests,
				"cap", limits.RequestsPerMinute,
			)
			mo.emit(Event{ProviderID: providerID, Kind: EventRateLimitWarning, Utilization: rateU, HealthScore: score})
		}
	}
}

func (mo *Monitor) emit(ev Event) {
	if mo.onEvent != nil {
		mo.onEvent(ev)
	}
}

// HealthScore combines concurrency, rate and queue pressure into a
// [0,1] score: 0.4*(1-concU) + 0.3*(1-rateU) + 0.3*(1-queueU).
func HealthScore(state *types.CapacityState, limits types.Limits, queueLimit int) float64 {
	concU := state.Utilization()

	var rateU float64
	if limits.RequestsPerMinute > 0 {
		rateU = clamp01(float64(state.Minute.Requests) / float64(limits.RequestsPerMinute))
	}

	var queueU float64
	if queueLimit > 0 {
		queueU = clamp01(float64(state.QueueLength) / float64(queueLimit))
	}

	return clamp01(0.4*(1-concU) + 0.3*(1-rateU) + 0.3*(1-queueU))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
