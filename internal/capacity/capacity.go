// Package capacity tracks per-provider admission state in Redis so
// every replica enforces the same concurrency caps and sliding-window
// budgets. Reservations are atomic check-and-increment Lua calls;
// window counters live in wall-clock buckets that expire on their own.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// snapshotTTL keeps capacity hashes from outliving a dead provider.
	snapshotTTL = 5 * time.Minute

	// healthFloor is the admission threshold. A score of exactly 0.5
	// is admissible.
	healthFloor = 0.5
)

// Denial reasons returned by HasAvailableCapacity. The router keys its
// wait estimates off these, so they are part of the package contract.
const (
	ReasonNoLimits    = "provider has no declared limits"
	ReasonConcurrency = "concurrent slots exhausted"
	ReasonMinuteReqs  = "minute request cap reached"
	ReasonMinuteToks  = "minute token cap would be exceeded"
	ReasonQueueFull   = "queue length limit reached"
	ReasonUnhealthy   = "health score below admission floor"
	ReasonOverloaded  = "overload protection engaged"
)

// window periods tracked per provider. Bucket keys are the UTC window
// start so replicas land on the same bucket.
var periods = []struct {
	name string
	d    time.Duration
}{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Config holds the admission thresholds shared by all providers.
type Config struct {
	// WarningUtilization and CriticalUtilization are sweep event
	// thresholds in [0,1].
	WarningUtilization  float64
	CriticalUtilization float64

	// RateLimitWarning is the fraction of the minute request cap at
	// which a rate-limit event fires.
	RateLimitWarning float64

	// OverloadProtection denies admission when utilization exceeds it.
	OverloadProtection float64

	// QueueLengthLimit caps how many dispatched requests may wait on
	// one provider.
	QueueLengthLimit int

	// MonitoringInterval is the health sweep period.
	MonitoringInterval time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		WarningUtilization:  0.7,
		CriticalUtilization: 0.9,
		RateLimitWarning:    0.8,
		OverloadProtection:  0.95,
		QueueLengthLimit:    100,
		MonitoringInterval:  10 * time.Second,
	}
}

// Manager coordinates capacity decisions through Redis.
type Manager struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger

	reserveScript *redis.Script
	releaseScript *redis.Script

	mu     sync.RWMutex
	limits map[string]types.Limits
}

// reserveScript atomically admits one request if a concurrency slot is
// free, bumping the active count and the window request counters.
// KEYS: capacity hash, minute/hour/day window hashes.
// ARGV: maxConcurrent, snapshot TTL, then one TTL per window key.
const reserveLua = `
local active = tonumber(redis.call('HGET', KEYS[1], 'active') or '0')
local max = tonumber(ARGV[1])
if max > 0 and active >= max then
    return {0, active}
end
active = redis.call('HINCRBY', KEYS[1], 'active', 1)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
for i = 2, #KEYS do
    redis.call('HINCRBY', KEYS[i], 'requests', 1)
    redis.call('EXPIRE', KEYS[i], tonumber(ARGV[i + 1]))
end
return {1, active}
`

// releaseScript frees a slot and folds the observed processing time
// into the running average: avg = 0.9*avg + 0.1*observed.
// KEYS: capacity hash. ARGV: observed ms, snapshot TTL.
const releaseLua = `
local active = tonumber(redis.call('HGET', KEYS[1], 'active') or '0')
if active > 0 then
    redis.call('HINCRBY', KEYS[1], 'active', -1)
end
local observed = tonumber(ARGV[1])
local avg = tonumber(redis.call('HGET', KEYS[1], 'avg_ms') or '0')
if avg == 0 then
    avg = observed
else
    avg = 0.9 * avg + 0.1 * observed
end
redis.call('HSET', KEYS[1], 'avg_ms', tostring(avg))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return tostring(avg)
`

// NewManager creates a capacity manager backed by the given Redis
// client.
func NewManager(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = DefaultConfig().MonitoringInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:        client,
		cfg:           cfg,
		logger:        logger,
		reserveScript: redis.NewScript(reserveLua),
		releaseScript: redis.NewScript(releaseLua),
		limits:        make(map[string]types.Limits),
	}
}

// SetLimits registers or replaces a provider's declared caps.
func (m *Manager) SetLimits(providerID string, limits types.Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[providerID] = limits
}

// Limits returns the declared caps for a provider.
func (m *Manager) Limits(providerID string) (types.Limits, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[providerID]
	return l, ok
}

// Providers returns the ids with declared limits.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.limits))
	for id := range m.limits {
		ids = append(ids, id)
	}
	return ids
}

func capacityKey(providerID string) string {
	return "capacity:" + providerID
}

func windowKey(providerID, period string, start time.Time) string {
	return fmt.Sprintf("window:%s:%s:%d", providerID, period, start.Unix())
}

// HasAvailableCapacity reports whether the provider can admit one more
// request. The reason names the first failing constraint.
func (m *Manager) HasAvailableCapacity(ctx context.Context, providerID string, estimatedTokens int) (bool, string, error) {
	limits, ok := m.Limits(providerID)
	if !ok {
		return false, ReasonNoLimits, nil
	}

	state, err := m.State(ctx, providerID)
	if err != nil {
		return false, "", err
	}

	if limits.MaxConcurrent > 0 && state.Active >= limits.MaxConcurrent {
		return false, ReasonConcurrency, nil
	}
	if limits.RequestsPerMinute > 0 && state.Minute.Requests >= limits.RequestsPerMinute {
		return false, ReasonMinuteReqs, nil
	}
	if limits.TokensPerMinute > 0 && state.Minute.Tokens+int64(estimatedTokens) > limits.TokensPerMinute {
		return false, ReasonMinuteToks, nil
	}
	if m.cfg.QueueLengthLimit > 0 && state.QueueLength >= m.cfg.QueueLengthLimit {
		return false, ReasonQueueFull, nil
	}
	if state.HealthScore < healthFloor {
		return false, ReasonUnhealthy, nil
	}
	if m.cfg.OverloadProtection > 0 && state.Utilization() > m.cfg.OverloadProtection {
		return false, ReasonOverloaded, nil
	}
	return true, "", nil
}

// Reserve atomically claims a concurrency slot and counts the request
// in every window bucket. It fails fast and never blocks.
func (m *Manager) Reserve(ctx context.Context, providerID string) (bool, error) {
	limits, ok := m.Limits(providerID)
	if !ok {
		return false, fmt.Errorf("capacity: provider %s has no declared limits", providerID)
	}

	now := time.Now().UTC()
	keys := make([]string, 0, 1+len(periods))
	args := make([]interface{}, 0, 2+len(periods))
	keys = append(keys, capacityKey(providerID))
	args = append(args, limits.MaxConcurrent, int(snapshotTTL.Seconds()))
	for _, p := range periods {
		keys = append(keys, windowKey(providerID, p.name, now.Truncate(p.d)))
		args = append(args, int(2*p.d.Seconds()))
	}

	val, err := m.reserveScript.Run(ctx, m.client, keys, args...).Result()
	if err != nil {
		return false, fmt.Errorf("capacity: reserve %s: %w", providerID, err)
	}

	result, ok := val.([]interface{})
	if !ok || len(result) < 1 {
		return false, fmt.Errorf("capacity: unexpected reserve result %T", val)
	}
	granted, _ := result[0].(int64)
	return granted == 1, nil
}

// Release frees the slot claimed by Reserve and records the observed
// processing time. Callers must release exactly once per reservation.
func (m *Manager) Release(ctx context.Context, providerID string, processingTime time.Duration) error {
	err := m.releaseScript.Run(ctx, m.client,
		[]string{capacityKey(providerID)},
		processingTime.Milliseconds(), int(snapshotTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("capacity: release %s: %w", providerID, err)
	}
	return nil
}

// RecordUsage adds consumed tokens to every window bucket.
func (m *Manager) RecordUsage(ctx context.Context, providerID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}

	now := time.Now().UTC()
	pipe := m.client.Pipeline()
	for _, p := range periods {
		key := windowKey(providerID, p.name, now.Truncate(p.d))
		pipe.HIncrBy(ctx, key, "tokens", int64(tokens))
		pipe.Expire(ctx, key, 2*p.d)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("capacity: record usage %s: %w", providerID, err)
	}
	return nil
}

// AddQueued adjusts the count of dispatched requests waiting on the
// provider. Negative deltas never push the count below zero.
func (m *Manager) AddQueued(ctx context.Context, providerID string, delta int) error {
	key := capacityKey(providerID)
	n, err := m.client.HIncrBy(ctx, key, "queued", int64(delta)).Result()
	if err != nil {
		return fmt.Errorf("capacity: adjust queued %s: %w", providerID, err)
	}
	if n < 0 {
		m.client.HSet(ctx, key, "queued", 0)
	}
	m.client.Expire(ctx, key, snapshotTTL)
	return nil
}

// State assembles the live snapshot for one provider.
func (m *Manager) State(ctx context.Context, providerID string) (*types.CapacityState, error) {
	limits, _ := m.Limits(providerID)
	now := time.Now().UTC()

	pipe := m.client.Pipeline()
	capCmd := pipe.HGetAll(ctx, capacityKey(providerID))
	windowCmds := make([]*redis.MapStringStringCmd, len(periods))
	for i, p := range periods {
		windowCmds[i] = pipe.HGetAll(ctx, windowKey(providerID, p.name, now.Truncate(p.d)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("capacity: read state %s: %w", providerID, err)
	}

	snapshot := capCmd.Val()
	state := &types.CapacityState{
		ProviderID:      providerID,
		Active:          parseInt(snapshot["active"]),
		MaxConcurrent:   limits.MaxConcurrent,
		QueueLength:     parseInt(snapshot["queued"]),
		AvgProcessingMs: parseFloat(snapshot["avg_ms"]),
		HealthScore:     1.0,
		UpdatedAt:       now,
	}
	if v, ok := snapshot["health"]; ok {
		state.HealthScore = parseFloat(v)
	}
	if state.MaxConcurrent > 0 {
		state.AvailableSlots = state.MaxConcurrent - state.Active
		if state.AvailableSlots < 0 {
			state.AvailableSlots = 0
		}
	}

	windows := []*types.WindowCounters{&state.Minute, &state.Hour, &state.Day}
	for i, p := range periods {
		vals := windowCmds[i].Val()
		windows[i].Requests = parseInt64(vals["requests"])
		windows[i].Tokens = parseInt64(vals["tokens"])
		windows[i].ResetAt = now.Truncate(p.d).Add(p.d)
	}
	return state, nil
}

// WaitEstimate guesses how long until a slot frees up, from the
// average processing time and the number of requests ahead.
func (m *Manager) WaitEstimate(state *types.CapacityState) time.Duration {
	if state.AvailableSlots > 0 || state.MaxConcurrent <= 0 {
		return 0
	}
	avg := state.AvgProcessingMs
	if avg <= 0 {
		avg = 1000
	}
	ahead := float64(state.QueueLength + 1)
	return time.Duration(avg*ahead/float64(state.MaxConcurrent)) * time.Millisecond
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
