// Package health provides proactive provider probing. Probe verdicts
// drive selector cooldowns so traffic drains away from a provider
// before request failures pile up.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/relaymux/internal/provider"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	defaultCooldown      = 60 * time.Second
)

// Config controls the prober behavior.
type Config struct {
	Enabled        bool
	Interval       time.Duration
	Timeout        time.Duration
	CooldownPeriod time.Duration
}

// CooldownSink receives probe verdicts; the selector implements it.
type CooldownSink interface {
	SetCooldown(providerID string, until time.Time)
	ClearCooldown(providerID string)
}

// Result is the retained outcome of the latest probe for one provider.
type Result struct {
	ProviderID string
	Healthy    bool
	Latency    time.Duration
	Details    string
	CheckedAt  time.Time
}

// Prober periodically probes every registered provider and updates
// selector cooldowns. It clears only cooldowns it set itself, so
// exclusions placed by an operator survive a healthy probe.
type Prober struct {
	cfg      Config
	registry *provider.Registry
	sink     CooldownSink
	logger   *slog.Logger
	started  atomic.Bool

	mu        sync.Mutex
	cooldowns map[string]time.Time
	results   map[string]Result

	now func() time.Time
}

// NewProber creates a prober over the registry's adapters.
func NewProber(cfg Config, registry *provider.Registry, sink CooldownSink, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.CooldownPeriod < 0 {
		cfg.CooldownPeriod = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:       cfg,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
		results:   make(map[string]Result),
		now:       time.Now,
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	for _, reg := range p.registry.List() {
		if ctx.Err() != nil {
			return
		}
		p.probe(ctx, reg.Adapter)
	}
}

func (p *Prober) probe(ctx context.Context, adapter provider.Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	id := adapter.Name()
	started := p.now()
	res, err := adapter.HealthProbe(probeCtx)
	checked := p.now()

	result := Result{ProviderID: id, CheckedAt: checked}
	switch {
	case err != nil:
		result.Details = err.Error()
		result.Latency = checked.Sub(started)
	case res == nil:
		result.Details = "probe returned no result"
		result.Latency = checked.Sub(started)
	default:
		result.Healthy = res.Healthy
		result.Latency = res.Latency
		result.Details = res.Details
	}
	p.record(result)

	if result.Healthy {
		p.handleSuccess(id)
		return
	}
	p.handleFailure(id, result.Details)
}

func (p *Prober) handleFailure(providerID, details string) {
	if p.cfg.CooldownPeriod <= 0 || p.sink == nil {
		p.logger.Warn("health probe failed", "provider", providerID, "details", details)
		return
	}

	until := p.now().Add(p.cfg.CooldownPeriod).Truncate(time.Second)

	p.mu.Lock()
	current, ok := p.cooldowns[providerID]
	if ok && current.After(until) {
		p.mu.Unlock()
		p.logger.Warn("health probe failed",
			"provider", providerID,
			"cooldown_until", current,
			"details", details,
		)
		return
	}
	p.cooldowns[providerID] = until
	p.mu.Unlock()

	p.sink.SetCooldown(providerID, until)
	p.logger.Warn("health probe failed",
		"provider", providerID,
		"cooldown_until", until,
		"details", details,
	)
}

func (p *Prober) handleSuccess(providerID string) {
	if p.cfg.CooldownPeriod <= 0 || p.sink == nil {
		return
	}
	p.mu.Lock()
	_, ok := p.cooldowns[providerID]
	delete(p.cooldowns, providerID)
	p.mu.Unlock()
	if ok {
		p.sink.ClearCooldown(providerID)
		p.logger.Info("health probe recovered", "provider", providerID)
	}
}

func (p *Prober) record(result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[result.ProviderID] = result
}

// LastResult returns the most recent probe outcome for a provider.
func (p *Prober) LastResult(providerID string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[providerID]
	return res, ok
}
