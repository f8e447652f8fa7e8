// Package router chooses the provider that should serve a request. A
// selection weighs live admission state against rolling cost, success
// and latency signals. Provider hints pin the choice but never skip
// admission.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/relaymux/internal/capacity"
	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Score weights. Availability dominates so a provider that can start
// now generally beats a cheaper one that cannot.
const (
	weightAvailability = 0.40
	weightCost         = 0.20
	weightSuccess      = 0.25
	weightLatency      = 0.15

	// costCeiling is the estimated request cost in USD at which the
	// cost score bottoms out.
	costCeiling = 0.10

	// latencyCeilingMs is the p95 latency at which the latency score
	// bottoms out.
	latencyCeilingMs = 5000.0

	// maxWaitTolerance keeps a capacity-bound candidate eligible when
	// a slot is expected to free within this window.
	maxWaitTolerance = 30 * time.Second

	// defaultRecheckWait is the wait hint when no slot-based estimate
	// applies, e.g. a health denial. The capacity monitor refreshes
	// scores on this order.
	defaultRecheckWait = 10 * time.Second

	// defaultOutputTokens sizes the completion for cost estimates when
	// the request does not cap output.
	defaultOutputTokens = 500
)

// ProviderStats is the rolling quality snapshot the selector consumes.
type ProviderStats struct {
	SuccessRate  float64
	P95LatencyMs float64
	Samples      int64
}

// StatsSource supplies per-provider quality numbers. Implementations
// return ok=false when no samples exist yet; the selector then scores
// the provider optimistically.
type StatsSource interface {
	ProviderStats(ctx context.Context, providerID string) (ProviderStats, bool)
}

// Decision names the provider a request should run on.
type Decision struct {
	ProviderID string
	Model      string

	Score         float64
	EstimatedCost float64

	// AdmittedNow is false when the provider is expected to free a
	// slot within the wait tolerance; ExpectedWait carries the guess.
	AdmittedNow  bool
	ExpectedWait time.Duration

	// FallbackUsed marks a decision made after the hinted provider
	// failed admission; OriginalProvider records the hint.
	FallbackUsed     bool
	OriginalProvider string
}

// Selector scores admission-eligible providers for each request.
// Safe for concurrent use.
type Selector struct {
	registry *provider.Registry
	capacity *capacity.Manager
	stats    StatsSource
	logger   *slog.Logger

	mu        sync.RWMutex
	catalogs  map[string]*provider.Catalog
	cooldowns map[string]time.Time

	now func() time.Time
}

// NewSelector creates a selector over the given registry and capacity
// manager. stats may be nil; unknown providers then score as healthy.
func NewSelector(registry *provider.Registry, capMgr *capacity.Manager, stats StatsSource, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		registry:  registry,
		capacity:  capMgr,
		stats:     stats,
		logger:    logger,
		catalogs:  make(map[string]*provider.Catalog),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetCooldown excludes a provider from selection until the given time.
// The health prober drives this on probe failures.
func (s *Selector) SetCooldown(providerID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[providerID] = until
}

// ClearCooldown lifts an exclusion, typically on probe recovery.
func (s *Selector) ClearCooldown(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, providerID)
}

func (s *Selector) cooldownRemaining(providerID string, now time.Time) time.Duration {
	s.mu.RLock()
	until, ok := s.cooldowns[providerID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Select picks the provider for one request.
//
// Candidates are the registered providers advertising every requested
// capability. Each is probed for admission; a provider that cannot
// admit now stays eligible at a reduced availability weight when a
// slot is expected within the wait tolerance. The best weighted score
// wins, ties going to the lower expected wait and then the lower id.
//
// When no candidate is eligible, Select returns a CAPACITY_EXHAUSTED
// error whose wait hint is the shortest estimated wait observed; the
// orchestrator schedules the retry from it.
func (s *Selector) Select(ctx context.Context, req *types.Request) (*Decision, error) {
	regs := s.registry.ByCapability(req.Capabilities)
	if len(regs) == 0 {
		return nil, muxerrors.NewInvalidRequest("", req.ModelHint, "no provider supports the requested capabilities")
	}

	if req.ProviderHint != "" {
		return s.selectHinted(ctx, req, regs)
	}
	return s.selectScored(ctx, req, regs, "")
}

// selectHinted resolves an explicit provider hint. The hint bypasses
// scoring but still undergoes admission; when it cannot serve and
// fallback is allowed, scoring proceeds over the remaining set.
func (s *Selector) selectHinted(ctx context.Context, req *types.Request, regs []*provider.Registration) (*Decision, error) {
	var hinted *provider.Registration
	for _, reg := range regs {
		if reg.Adapter.Name() == req.ProviderHint {
			hinted = reg
			break
		}
	}
	if hinted == nil {
		if _, ok := s.registry.Get(req.ProviderHint); !ok {
			return nil, muxerrors.NewNotFound(req.ProviderHint, req.ModelHint,
				fmt.Sprintf("provider %q is not registered", req.ProviderHint))
		}
		if req.Fallback {
			return s.fallbackScored(ctx, req, regs)
		}
		return nil, muxerrors.NewUnprocessable(req.ProviderHint, req.ModelHint,
			fmt.Sprintf("provider %q does not support the requested capabilities", req.ProviderHint))
	}

	cand, skip := s.evaluate(ctx, req, hinted, s.now())
	if skip == skipNone {
		return cand.decision(), nil
	}
	if req.Fallback {
		return s.fallbackScored(ctx, req, regs)
	}

	switch skip {
	case skipModel:
		return nil, muxerrors.NewUnprocessable(req.ProviderHint, req.ModelHint,
			fmt.Sprintf("provider %q does not serve model %q", req.ProviderHint, req.ModelHint))
	case skipCost:
		return nil, muxerrors.NewInvalidRequest(req.ProviderHint, cand.model,
			fmt.Sprintf("estimated cost %.4f exceeds maxCost %.4f", cand.estCost, req.MaxCost))
	case skipConfig:
		return nil, muxerrors.NewUnprocessable(req.ProviderHint, req.ModelHint,
			fmt.Sprintf("provider %q has no declared capacity limits", req.ProviderHint))
	default:
		wait := cand.wait
		if wait <= 0 {
			wait = defaultRecheckWait
		}
		return nil, muxerrors.NewCapacityExhausted(
			fmt.Sprintf("provider %s cannot admit the request", req.ProviderHint), wait)
	}
}

func (s *Selector) fallbackScored(ctx context.Context, req *types.Request, regs []*provider.Registration) (*Decision, error) {
	d, err := s.selectScored(ctx, req, regs, req.ProviderHint)
	if err != nil {
		return nil, err
	}
	d.FallbackUsed = true
	d.OriginalProvider = req.ProviderHint
	return d, nil
}

func (s *Selector) selectScored(ctx context.Context, req *types.Request, regs []*provider.Registration, exclude string) (*Decision, error) {
	now := s.now()

	var best *candidate
	var minWait time.Duration
	waitBound := 0
	costBound := 0

	for _, reg := range regs {
		if reg.Adapter.Name() == exclude {
			continue
		}
		cand, skip := s.evaluate(ctx, req, reg, now)
		switch skip {
		case skipNone:
			cand.score = s.score(ctx, cand)
			if best == nil || cand.better(best) {
				best = cand
			}
		case skipWait:
			waitBound++
			if minWait == 0 || cand.wait < minWait {
				minWait = cand.wait
			}
		case skipCost:
			costBound++
		}
	}

	if best != nil {
		s.logger.Debug("provider selected",
			"requestId", req.ID,
			"provider", best.id,
			"model", best.model,
			"score", best.score,
			"admittedNow", best.admitted,
			"expectedWait", best.wait,
		)
		return best.decision(), nil
	}

	if waitBound > 0 {
		return nil, muxerrors.NewCapacityExhausted("all candidate providers are at capacity", minWait)
	}
	if costBound > 0 {
		return nil, muxerrors.NewInvalidRequest("", req.ModelHint,
			fmt.Sprintf("no provider can serve the request within maxCost %.4f", req.MaxCost))
	}
	return nil, muxerrors.NewUnprocessable("", req.ModelHint, "no registered provider can serve the request")
}

// skipKind classifies why a registration fell out of the running.
type skipKind int

const (
	skipNone   skipKind = iota
	skipModel           // provider cannot serve the model
	skipCost            // estimate exceeds the request's maxCost
	skipWait            // capacity-bound beyond the wait tolerance
	skipConfig          // no declared limits
)

type candidate struct {
	id       string
	model    string
	estCost  float64
	admitted bool
	wait     time.Duration
	score    float64
}

func (c *candidate) decision() *Decision {
	return &Decision{
		ProviderID:    c.id,
		Model:         c.model,
		Score:         c.score,
		EstimatedCost: c.estCost,
		AdmittedNow:   c.admitted,
		ExpectedWait:  c.wait,
	}
}

// better reports whether c should displace cur. Ties break toward the
// lower expected wait, then the lower id.
func (c *candidate) better(cur *candidate) bool {
	if c.score != cur.score {
		return c.score > cur.score
	}
	if c.wait != cur.wait {
		return c.wait < cur.wait
	}
	return c.id < cur.id
}

// evaluate resolves the model, estimates cost and probes admission for
// one registration. For skipWait the candidate's wait carries the
// estimate that feeds the selector's wait hint.
func (s *Selector) evaluate(ctx context.Context, req *types.Request, reg *provider.Registration, now time.Time) (*candidate, skipKind) {
	id := reg.Adapter.Name()
	cand := &candidate{id: id}

	if d := s.cooldownRemaining(id, now); d > 0 {
		cand.wait = d
		return cand, skipWait
	}

	cat := s.catalog(reg)
	model := req.ModelHint
	if model == "" {
		info, ok := cat.Default()
		if !ok {
			return cand, skipModel
		}
		model = info.Name
	} else if !reg.Adapter.SupportsModel(model) {
		return cand, skipModel
	}
	cand.model = model

	inTokens := req.EstimatedTokens
	if inTokens <= 0 {
		inTokens = types.EstimateTokens(req.Messages)
	}
	outTokens := req.MaxTokens
	if outTokens <= 0 {
		outTokens = defaultOutputTokens
	}
	cand.estCost = cat.EstimateCost(model, inTokens, outTokens)
	if req.MaxCost > 0 && cand.estCost > req.MaxCost {
		return cand, skipCost
	}

	admitted, reason, err := s.capacity.HasAvailableCapacity(ctx, id, inTokens)
	if err != nil {
		// The reservation step stays authoritative, so score the
		// provider as available rather than blackholing it when the
		// probe itself fails.
		s.logger.Warn("capacity probe failed", "provider", id, "error", err)
		cand.admitted = true
		return cand, skipNone
	}
	if admitted {
		cand.admitted = true
		return cand, skipNone
	}
	if reason == capacity.ReasonNoLimits {
		return cand, skipConfig
	}

	cand.wait = s.waitFor(ctx, id, reason, now)
	if cand.wait > maxWaitTolerance {
		return cand, skipWait
	}
	return cand, skipNone
}

// waitFor estimates when the provider might admit, given why it
// refused. Rate-window denials wait for the window to reset; health
// denials wait for the next monitor sweep.
func (s *Selector) waitFor(ctx context.Context, id, reason string, now time.Time) time.Duration {
	state, err := s.capacity.State(ctx, id)
	if err != nil {
		return defaultRecheckWait
	}
	wait := s.capacity.WaitEstimate(state)
	switch reason {
	case capacity.ReasonMinuteReqs, capacity.ReasonMinuteToks:
		if reset := state.Minute.ResetAt.Sub(now); reset > wait {
			wait = reset
		}
	case capacity.ReasonUnhealthy:
		if wait < defaultRecheckWait {
			wait = defaultRecheckWait
		}
	}
	if wait <= 0 {
		wait = defaultRecheckWait
	}
	return wait
}

func (s *Selector) score(ctx context.Context, cand *candidate) float64 {
	availability := 0.5
	if cand.admitted {
		availability = 1.0
	}
	costScore := clamp01(1 - cand.estCost/costCeiling)

	successRate := 1.0
	latencyScore := 1.0
	if s.stats != nil {
		if st, ok := s.stats.ProviderStats(ctx, cand.id); ok {
			successRate = clamp01(st.SuccessRate)
			latencyScore = clamp01(1 - st.P95LatencyMs/latencyCeilingMs)
		}
	}

	return weightAvailability*availability +
		weightCost*costScore +
		weightSuccess*successRate +
		weightLatency*latencyScore
}

// catalog caches the per-provider pricing catalog; adapters rebuild it
// only when re-registered under a new selector.
func (s *Selector) catalog(reg *provider.Registration) *provider.Catalog {
	id := reg.Adapter.Name()
	s.mu.RLock()
	cat := s.catalogs[id]
	s.mu.RUnlock()
	if cat != nil {
		return cat
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cat := s.catalogs[id]; cat != nil {
		return cat
	}
	cat = provider.NewCatalog(reg.Adapter.Models())
	s.catalogs[id] = cat
	return cat
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
