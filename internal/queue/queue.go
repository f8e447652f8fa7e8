// Package queue implements the shared priority queue for routed
// requests. Entries live in Redis so every replica drains the same
// backlog: a pending zset ordered by priority score, a delayed zset
// for scheduled retries, and a processing zset for in-flight work.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	pendingKey    = "queue:pending"
	delayedKey    = "queue:delayed"
	processingKey = "queue:processing"
	completedKey  = "queue:completed"
	failedKey     = "queue:failed"
	itemPrefix    = "queue:item:"

	// liveItemTTL bounds orphaned item hashes; terminal writes shrink
	// it to the per-status retention.
	liveItemTTL = 7 * 24 * time.Hour
)

func itemKey(id string) string {
	return itemPrefix + id
}

// TierPolicy is the per-tier intake budget.
type TierPolicy struct {
	RequestsPerMinute int64
	BurstCapacity     int
}

// Config tunes queue behavior. Zero values fall back to defaults.
type Config struct {
	// MaxQueueSize caps pending plus delayed entries; enqueue beyond
	// it rejects with QUEUE_FULL.
	MaxQueueSize int64

	// BatchSize is the default pop size for the processing loop.
	BatchSize int

	PriorityWeights map[types.Priority]float64
	TierMultipliers map[types.Tier]float64
	Tiers           map[types.Tier]TierPolicy

	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// DefaultConfig returns the queue tuning used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 1000,
		BatchSize:    10,
		PriorityWeights: map[types.Priority]float64{
			types.PriorityCritical: 1000,
			types.PriorityHigh:     100,
			types.PriorityMedium:   10,
			types.PriorityLow:      1,
		},
		TierMultipliers: map[types.Tier]float64{
			types.TierEnterprise: 3,
			types.TierPremium:    2,
			types.TierBasic:      1,
		},
		Tiers: map[types.Tier]TierPolicy{
			types.TierBasic:      {RequestsPerMinute: 60, BurstCapacity: 10},
			types.TierPremium:    {RequestsPerMinute: 300, BurstCapacity: 50},
			types.TierEnterprise: {RequestsPerMinute: 1500, BurstCapacity: 200},
		},
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// EventKind names a queue lifecycle event.
type EventKind string

// Emitted event kinds.
const (
	EventEnqueued  EventKind = "requestEnqueued"
	EventCancelled EventKind = "requestCancelled"
)

// Event describes one queue lifecycle change.
type Event struct {
	Kind      EventKind
	RequestID string
	UserID    string
	Tier      types.Tier
	Priority  types.Priority
}

// EventFunc receives queue events. Calls must not block.
type EventFunc func(Event)

// popLua promotes due delayed entries into pending, then moves up to
// the requested count of lowest-score pending entries to processing.
// KEYS: pending, delayed, processing. ARGV: now unix, count, item
// key prefix.
const popLua = `
local now = tonumber(ARGV[1])
local count = tonumber(ARGV[2])
local prefix = ARGV[3]

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
    local score = redis.call('HGET', prefix .. id, 'score')
    redis.call('ZADD', KEYS[1], tonumber(score or '0'), id)
end
if #due > 0 then
    redis.call('ZREM', KEYS[2], unpack(due))
end

local ids = redis.call('ZRANGE', KEYS[1], 0, count - 1)
for _, id in ipairs(ids) do
    redis.call('ZADD', KEYS[3], now, id)
    redis.call('HSET', prefix .. id, 'status', 'processing')
end
if #ids > 0 then
    redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`

// cancelLua removes a waiting entry or marks an in-flight one. It
// returns the resulting status, or an empty string for unknown ids.
// KEYS: pending, delayed, failed, item hash. ARGV: id, now unix,
// retention seconds.
const cancelLua = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
    redis.call('HSET', KEYS[4], 'status', 'cancelled')
    redis.call('EXPIRE', KEYS[4], tonumber(ARGV[3]))
    redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
    return 'cancelled'
end
local status = redis.call('HGET', KEYS[4], 'status')
if not status then
    return ''
end
if status == 'processing' then
    redis.call('HSET', KEYS[4], 'cancel', '1')
end
return status
`

// Queue is the Redis-backed priority queue. Safe for concurrent use;
// replicas sharing the same Redis drain a single logical queue.
type Queue struct {
	client  redis.UniversalClient
	cfg     Config
	limiter *ratelimit.SlidingWindow
	burst   *ratelimit.BurstHandler
	logger  *slog.Logger
	onEvent EventFunc

	// tierMu guards cfg.Tiers, the only knob swapped on config reload.
	tierMu sync.RWMutex

	popScript    *redis.Script
	cancelScript *redis.Script

	now func() time.Time
}

// New creates a queue on the given Redis client. limiter and burst
// guard intake; either may be nil to disable that layer.
func New(client redis.UniversalClient, cfg Config, limiter *ratelimit.SlidingWindow, burst *ratelimit.BurstHandler, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if len(cfg.PriorityWeights) == 0 {
		cfg.PriorityWeights = def.PriorityWeights
	}
	if len(cfg.TierMultipliers) == 0 {
		cfg.TierMultipliers = def.TierMultipliers
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:       client,
		cfg:          cfg,
		limiter:      limiter,
		burst:        burst,
		logger:       logger,
		popScript:    redis.NewScript(popLua),
		cancelScript: redis.NewScript(cancelLua),
		now:          time.Now,
	}
}

// SetEventFunc installs the event callback. Not safe to call once the
// queue is in use.
func (q *Queue) SetEventFunc(fn EventFunc) {
	q.onEvent = fn
}

// BatchSize returns the configured pop size for the processing loop.
func (q *Queue) BatchSize() int {
	return q.cfg.BatchSize
}

// SetTierPolicies replaces the per-tier intake budgets on config
// reload. Safe for concurrent use with Enqueue.
func (q *Queue) SetTierPolicies(tiers map[types.Tier]TierPolicy) {
	if len(tiers) == 0 {
		return
	}
	q.tierMu.Lock()
	q.cfg.Tiers = tiers
	q.tierMu.Unlock()
}

func (q *Queue) tierPolicy(tier types.Tier) TierPolicy {
	q.tierMu.RLock()
	defer q.tierMu.RUnlock()
	return q.cfg.Tiers[tier]
}

func (q *Queue) emit(ev Event) {
	if q.onEvent != nil {
		q.onEvent(ev)
	}
}

// score encodes priority relative to arrival time: newer arrivals
// carry ever-larger baselines, so a waiting entry gains one unit of
// effective priority per second over everything enqueued after it.
func (q *Queue) score(req *types.Request, at time.Time) float64 {
	weight := q.cfg.PriorityWeights[req.Priority]
	if weight <= 0 {
		weight = 1
	}
	mult := q.cfg.TierMultipliers[req.Tier]
	if mult <= 0 {
		mult = 1
	}
	return float64(at.UnixMilli())/1000.0 - weight*mult
}

// Enqueue admits a request into the pending queue. It rejects with
// RATE_LIMITED when the user's tier budget is spent and the burst
// handler will not borrow, and with QUEUE_FULL past MaxQueueSize.
func (q *Queue) Enqueue(ctx context.Context, req *types.Request) (*types.QueuedRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	policy := q.tierPolicy(req.Tier)
	if q.limiter != nil && policy.RequestsPerMinute > 0 {
		allowed, used, err := q.limiter.Allow(ctx, req.UserID, policy.RequestsPerMinute)
		if err == nil && !allowed {
			var dec ratelimit.BurstDecision
			if q.burst != nil {
				dec = q.burst.Check(ctx, req.UserID, 1, policy.BurstCapacity)
			}
			if !dec.Allowed {
				wait := dec.SuggestedWait
				if wait <= 0 {
					wait = time.Second
				}
				return nil, muxerrors.NewRateLimited("",
					fmt.Sprintf("user %s exceeded %d requests per minute", req.UserID, policy.RequestsPerMinute),
					wait)
			}
			q.logger.Debug("request admitted through burst budget",
				"requestId", req.ID,
				"user", req.UserID,
				"used", used,
			)
		}
	}

	backlog, err := q.backlog(ctx)
	if err != nil {
		return nil, err
	}
	if backlog >= q.cfg.MaxQueueSize {
		return nil, muxerrors.NewQueueFull(
			fmt.Sprintf("queue is full (%d entries)", backlog))
	}

	now := q.now()
	qr := &types.QueuedRequest{
		Request:     req,
		CreatedAt:   now,
		ScheduledAt: now,
		Status:      types.StatusPending,
	}
	score := q.score(req, now)

	body, err := json.Marshal(qr)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, itemKey(req.ID),
		"body", body,
		"score", strconv.FormatFloat(score, 'f', -1, 64),
		"status", string(types.StatusPending),
	)
	pipe.Expire(ctx, itemKey(req.ID), liveItemTTL)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", req.ID, err)
	}

	q.logger.Info("request enqueued",
		"requestId", req.ID,
		"user", req.UserID,
		"tier", req.Tier,
		"priority", req.Priority,
	)
	q.emit(Event{
		Kind:      EventEnqueued,
		RequestID: req.ID,
		UserID:    req.UserID,
		Tier:      req.Tier,
		Priority:  req.Priority,
	})
	return qr, nil
}

func (q *Queue) backlog(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: read backlog: %w", err)
	}
	return pending.Val() + delayed.Val(), nil
}

// PopBatch atomically claims up to n due entries in priority order,
// moving them to the processing set. Retries scheduled in the future
// stay parked until their time.
func (q *Queue) PopBatch(ctx context.Context, n int) ([]*types.QueuedRequest, error) {
	if n <= 0 {
		return nil, nil
	}

	now := q.now()
	val, err := q.popScript.Run(ctx, q.client,
		[]string{pendingKey, delayedKey, processingKey},
		now.Unix(), n, itemPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: pop batch: %w", err)
	}

	ids, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("queue: unexpected pop result %T", val)
	}

	out := make([]*types.QueuedRequest, 0, len(ids))
	for _, raw := range ids {
		id, _ := raw.(string)
		if id == "" {
			continue
		}
		qr, err := q.loadBody(ctx, id)
		if err != nil {
			// Entry expired under us; drop the claim.
			q.logger.Warn("popped entry has no body, dropping",
				"requestId", id,
				"error", err,
			)
			q.client.ZRem(ctx, processingKey, id)
			continue
		}
		qr.Status = types.StatusProcessing
		if qr.StartedAt.IsZero() {
			qr.StartedAt = now
			if body, err := json.Marshal(qr); err == nil {
				q.client.HSet(ctx, itemKey(id), "body", body)
			}
		}
		out = append(out, qr)
	}
	return out, nil
}

func (q *Queue) loadBody(ctx context.Context, id string) (*types.QueuedRequest, error) {
	body, err := q.client.HGet(ctx, itemKey(id), "body").Result()
	if err != nil {
		return nil, err
	}
	var qr types.QueuedRequest
	if err := json.Unmarshal([]byte(body), &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

// ScheduleRetry parks a claimed entry in the delayed set until
// now+delay, bumping its priority score by the delay so it does not
// jump entries that kept waiting. The caller owns the entry while it
// is in processing, so the read-modify-write below does not race.
func (q *Queue) ScheduleRetry(ctx context.Context, qr *types.QueuedRequest, delay time.Duration) error {
	id := qr.Request.ID
	now := q.now()
	qr.ScheduledAt = now.Add(delay)
	qr.Status = types.StatusPending

	body, err := json.Marshal(qr)
	if err != nil {
		return fmt.Errorf("queue: marshal request %s: %w", id, err)
	}

	raw, err := q.client.HGet(ctx, itemKey(id), "score").Result()
	if err != nil {
		return fmt.Errorf("queue: read score %s: %w", id, err)
	}
	score, _ := strconv.ParseFloat(raw, 64)
	score += delay.Seconds()

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey, id)
	pipe.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(qr.ScheduledAt.Unix()),
		Member: id,
	})
	pipe.HSet(ctx, itemKey(id),
		"body", body,
		"score", strconv.FormatFloat(score, 'f', -1, 64),
		"status", string(types.StatusPending),
	)
	pipe.Expire(ctx, itemKey(id), liveItemTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: schedule retry %s: %w", id, err)
	}

	q.logger.Info("retry scheduled",
		"requestId", id,
		"delay", delay,
		"attempt", qr.Request.Attempts,
	)
	return nil
}

// Complete finalizes a claimed entry with its response. The completed
// set keeps a 24h window by default.
func (q *Queue) Complete(ctx context.Context, qr *types.QueuedRequest, resp *types.Response) error {
	qr.Status = types.StatusCompleted
	return q.finalize(ctx, qr, completedKey, q.cfg.CompletedRetention, "response", resp)
}

// Fail finalizes a claimed entry with its terminal error. A CANCELLED
// failure lands with cancelled status.
func (q *Queue) Fail(ctx context.Context, qr *types.QueuedRequest, failure *muxerrors.Error) error {
	qr.Status = types.StatusFailed
	if failure != nil && failure.Kind == muxerrors.KindCancelled {
		qr.Status = types.StatusCancelled
	}
	return q.finalize(ctx, qr, failedKey, q.cfg.FailedRetention, "error", failure)
}

func (q *Queue) finalize(ctx context.Context, qr *types.QueuedRequest, setKey string, retention time.Duration, field string, artifact interface{}) error {
	id := qr.Request.ID
	now := q.now()
	qr.CompletedAt = now

	body, err := json.Marshal(qr)
	if err != nil {
		return fmt.Errorf("queue: marshal request %s: %w", id, err)
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("queue: marshal %s for %s: %w", field, id, err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey, id)
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(now.Add(-retention).Unix(), 10))
	pipe.HSet(ctx, itemKey(id),
		"body", body,
		"status", string(qr.Status),
		field, payload,
	)
	pipe.Expire(ctx, itemKey(id), retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: finalize %s: %w", id, err)
	}
	return nil
}

// Cancel removes a waiting request or marks an in-flight one for the
// orchestrator to abort at its next suspension point. Cancelling a
// terminal request is a no-op returning its status; unknown ids fail
// with NOT_FOUND.
func (q *Queue) Cancel(ctx context.Context, id string) (types.RequestStatus, error) {
	now := q.now()
	val, err := q.cancelScript.Run(ctx, q.client,
		[]string{pendingKey, delayedKey, failedKey, itemKey(id)},
		id, now.Unix(), int(q.cfg.FailedRetention.Seconds()),
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: cancel %s: %w", id, err)
	}

	status, _ := val.(string)
	if status == "" {
		return "", muxerrors.NewNotFound("", "", fmt.Sprintf("request %s not found", id))
	}

	if types.RequestStatus(status) == types.StatusCancelled {
		q.logger.Info("request cancelled", "requestId", id)
		q.emit(Event{Kind: EventCancelled, RequestID: id})
	}
	return types.RequestStatus(status), nil
}

// IsCancelRequested reports whether a cancel mark is set for an
// in-flight request. The orchestrator polls this at suspension points.
func (q *Queue) IsCancelRequested(ctx context.Context, id string) bool {
	v, err := q.client.HGet(ctx, itemKey(id), "cancel").Result()
	return err == nil && v == "1"
}

// Entry is a queue item with its terminal artifacts, as served by the
// status endpoint.
type Entry struct {
	Queued   *types.QueuedRequest
	Status   types.RequestStatus
	Response *types.Response
	Failure  *muxerrors.Error
}

// Get loads one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	vals, err := q.client.HGetAll(ctx, itemKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, muxerrors.NewNotFound("", "", fmt.Sprintf("request %s not found", id))
	}

	entry := &Entry{Status: types.RequestStatus(vals["status"])}
	if body, ok := vals["body"]; ok {
		var qr types.QueuedRequest
		if err := json.Unmarshal([]byte(body), &qr); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", id, err)
		}
		qr.Status = entry.Status
		entry.Queued = &qr
	}
	if raw, ok := vals["response"]; ok {
		var resp types.Response
		if err := json.Unmarshal([]byte(raw), &resp); err == nil {
			entry.Response = &resp
		}
	}
	if raw, ok := vals["error"]; ok {
		var failure muxerrors.Error
		if err := json.Unmarshal([]byte(raw), &failure); err == nil {
			entry.Failure = &failure
		}
	}
	return entry, nil
}

// Position returns the zero-based queue position of a waiting request.
// Delayed entries count after everything currently pending. Returns -1
// for requests not waiting.
func (q *Queue) Position(ctx context.Context, id string) (int64, error) {
	rank, err := q.client.ZRank(ctx, pendingKey, id).Result()
	if err == nil {
		return rank, nil
	}
	if err != redis.Nil {
		return -1, fmt.Errorf("queue: position %s: %w", id, err)
	}

	rank, err = q.client.ZRank(ctx, delayedKey, id).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("queue: position %s: %w", id, err)
	}
	pending, err := q.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return -1, fmt.Errorf("queue: position %s: %w", id, err)
	}
	return pending + rank, nil
}

// Depth is the queue occupancy snapshot.
type Depth struct {
	Pending    int64
	Delayed    int64
	Processing int64
}

// Depths returns the live occupancy of each queue set.
func (q *Queue) Depths(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	processing := pipe.ZCard(ctx, processingKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue: read depths: %w", err)
	}
	return Depth{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
	}, nil
}
