package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	// burstStateTTL bounds how long idle bucket state survives.
	burstStateTTL = 12 * time.Hour
)

// BurstConfig holds the token-bucket tuning shared by all buckets.
type BurstConfig struct {
	// RefillRate is tokens per second.
	RefillRate float64

	// BurstSize is the maximum number of borrowed tokens in one burst.
	BurstSize int

	// MaxBurstDuration bounds how long one burst may run.
	MaxBurstDuration time.Duration

	// CooldownPeriod is how long bursting stays forbidden after a
	// burst ends.
	CooldownPeriod time.Duration

	// BurstThreshold is the bucket-fill fraction below which
	// borrowing may engage. A bucket fuller than threshold*capacity
	// is asked to wait for refill instead of borrowing.
	BurstThreshold float64
}

// DefaultBurstConfig returns the tuning used when none is configured.
func DefaultBurstConfig() BurstConfig {
	return BurstConfig{
		RefillRate:       1,
		BurstSize:        20,
		MaxBurstDuration: 10 * time.Second,
		CooldownPeriod:   30 * time.Second,
		BurstThreshold:   0.5,
	}
}

// BurstState is the persisted bucket for one identifier.
type BurstState struct {
	Tokens         int       `json:"tokens"`
	LastRefill     time.Time `json:"lastRefill"`
	BurstStartedAt time.Time `json:"burstStartedAt"`
	Borrowed       int       `json:"borrowed"`
	TotalBursts    int64     `json:"totalBursts"`
	CooldownUntil  time.Time `json:"cooldownUntil"`
}

func (s *BurstState) bursting() bool { return !s.BurstStartedAt.IsZero() }

// BurstDecision is the outcome of one bucket check.
type BurstDecision struct {
	Allowed  bool
	Bursting bool

	// SuggestedWait is how long the caller should back off after a
	// rejection.
	SuggestedWait time.Duration
}

// BurstHandler is the token-bucket burst limiter. Bucket state lives
// in Redis so replicas share budgets, with a local cache absorbing
// repeat lookups.
type BurstHandler struct {
	cfg    BurstConfig
	client redis.UniversalClient
	local  *cache.Cache
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewBurstHandler creates a burst handler on the given Redis client.
func NewBurstHandler(client redis.UniversalClient, cfg BurstConfig, logger *slog.Logger) *BurstHandler {
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultBurstConfig().RefillRate
	}
	if cfg.BurstThreshold <= 0 || cfg.BurstThreshold > 1 {
		cfg.BurstThreshold = DefaultBurstConfig().BurstThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BurstHandler{
		cfg:    cfg,
		client: client,
		local:  cache.New(burstStateTTL, 30*time.Minute),
		logger: logger,
		now:    time.Now,
	}
}

func burstKey(id string) string {
	return "burst:state:" + id
}

// Check consumes requested tokens from the identifier's bucket of the
// given capacity, borrowing within burst limits when the bucket runs
// dry. Rejections carry a suggested wait.
func (h *BurstHandler) Check(ctx context.Context, id string, requested, capacity int) BurstDecision {
	if capacity <= 0 || requested <= 0 {
		return BurstDecision{Allowed: true}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	state := h.loadState(ctx, id, capacity)
	h.refill(state, capacity, now)

	decision := h.decide(state, requested, capacity, now)
	h.saveState(ctx, id, state)
	return decision
}

func (h *BurstHandler) decide(state *BurstState, requested, capacity int, now time.Time) BurstDecision {
	// Enough tokens: consume and close out any running burst.
	if state.Tokens >= requested {
		state.Tokens -= requested
		if state.bursting() {
			h.endBurst(state, now)
		}
		return BurstDecision{Allowed: true}
	}

	deficit := requested - state.Tokens

	// No bursting during cooldown.
	if now.Before(state.CooldownUntil) {
		return BurstDecision{SuggestedWait: state.CooldownUntil.Sub(now)}
	}

	// A bucket still above the threshold waits for refill instead of
	// borrowing.
	if float64(state.Tokens) > h.cfg.BurstThreshold*float64(capacity) {
		return BurstDecision{SuggestedWait: h.refillWait(deficit)}
	}

	if !state.bursting() {
		state.BurstStartedAt = now
		state.TotalBursts++
	}

	// Overrunning the burst window or the borrow budget ends the
	// burst and starts cooldown.
	if now.Sub(state.BurstStartedAt) > h.cfg.MaxBurstDuration ||
		state.Borrowed+deficit > h.cfg.BurstSize {
		h.endBurst(state, now)
		return BurstDecision{SuggestedWait: state.CooldownUntil.Sub(now)}
	}

	state.Borrowed += deficit
	state.Tokens = 0
	return BurstDecision{Allowed: true, Bursting: true}
}

// refill credits whole tokens for the time elapsed since the last
// refill, advancing the refill mark only by the credited amount so
// fractional progress is never lost.
func (h *BurstHandler) refill(state *BurstState, capacity int, now time.Time) {
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	credit := int(math.Floor(elapsed * h.cfg.RefillRate))
	if credit <= 0 {
		return
	}

	state.Tokens += credit
	if state.Tokens >= capacity {
		state.Tokens = capacity
		state.LastRefill = now
		return
	}
	consumed := time.Duration(float64(credit) / h.cfg.RefillRate * float64(time.Second))
	state.LastRefill = state.LastRefill.Add(consumed)
}

func (h *BurstHandler) endBurst(state *BurstState, now time.Time) {
	state.BurstStartedAt = time.Time{}
	state.Borrowed = 0
	state.CooldownUntil = now.Add(h.cfg.CooldownPeriod)
}

func (h *BurstHandler) refillWait(deficit int) time.Duration {
	return time.Duration(float64(deficit) / h.cfg.RefillRate * float64(time.Second))
}

func (h *BurstHandler) loadState(ctx context.Context, id string, capacity int) *BurstState {
	if v, ok := h.local.Get(id); ok {
		if state, ok := v.(*BurstState); ok {
			return state
		}
	}

	raw, err := h.client.Get(ctx, burstKey(id)).Bytes()
	if err == nil {
		var state BurstState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil {
			h.local.Set(id, &state, cache.DefaultExpiration)
			return &state
		}
	} else if err != redis.Nil {
		h.logger.Warn("burst state load failed, starting fresh",
			"id", id,
			"error", err,
		)
	}

	state := &BurstState{Tokens: capacity, LastRefill: h.now()}
	h.local.Set(id, state, cache.DefaultExpiration)
	return state
}

// saveState persists best effort. The local copy is authoritative for
// this replica either way.
func (h *BurstHandler) saveState(ctx context.Context, id string, state *BurstState) {
	h.local.Set(id, state, cache.DefaultExpiration)

	raw, err := json.Marshal(state)
	if err != nil {
		h.logger.Warn("burst state marshal failed", "id", id, "error", err)
		return
	}
	if err := h.client.Set(ctx, burstKey(id), raw, burstStateTTL).Err(); err != nil {
		h.logger.Warn("burst state persist failed", "id", id, "error", err)
	}
}

// State returns a copy of the identifier's bucket for inspection.
func (h *BurstHandler) State(ctx context.Context, id string, capacity int) BurstState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.loadState(ctx, id, capacity)
}
