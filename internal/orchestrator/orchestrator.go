// Package orchestrator drives queued requests through provider
// execution: routing, capacity admission, adapter calls, retries,
// cancellation and terminal bookkeeping.
package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/capacity"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/queue"
	"github.com/blueberrycongee/relaymux/internal/retry"
	"github.com/blueberrycongee/relaymux/internal/router"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	defaultMaxConcurrent      = 10
	defaultProcessingInterval = 100 * time.Millisecond
	defaultRequestTimeout     = 2 * time.Minute
	defaultCancelPoll         = 200 * time.Millisecond

	// defaultAdmissionWait parks a request when a denial carries no
	// usable wait hint.
	defaultAdmissionWait = time.Second

	// bookkeepTimeout bounds store writes that happen after the
	// attempt context is already spent.
	bookkeepTimeout = 5 * time.Second
)

// Config tunes the worker pool.
type Config struct {
	// MaxConcurrent is the worker pool size; it bounds in-flight
	// requests across all providers.
	MaxConcurrent int

	// ProcessingInterval is the queue poll cadence.
	ProcessingInterval time.Duration

	// DefaultTimeout backfills the request deadline when the caller
	// set none.
	DefaultTimeout time.Duration

	// CancelPollInterval is how often an executing request checks for
	// a cancel mark.
	CancelPollInterval time.Duration
}

// DefaultConfig returns the orchestrator tuning used when none is
// configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      defaultMaxConcurrent,
		ProcessingInterval: defaultProcessingInterval,
		DefaultTimeout:     defaultRequestTimeout,
		CancelPollInterval: defaultCancelPoll,
	}
}

// MetricsRecorder ingests per-attempt outcomes. Recording is
// best-effort: failures are retried once and then dropped, they never
// fail a request.
type MetricsRecorder interface {
	RecordSuccess(ctx context.Context, providerID string, latency time.Duration, usage types.TokenUsage, cost float64) error
	RecordFailure(ctx context.Context, providerID string, kind muxerrors.Kind, latency time.Duration) error
}

// StreamRelay consumes an adapter chunk stream on behalf of a
// streaming request and returns the assembled terminal response.
type StreamRelay interface {
	Relay(ctx context.Context, req *types.Request, cs provider.ChunkStream) (*types.Response, error)
}

// Orchestrator owns the dispatch loop. Start launches the intake
// ticker; each popped request runs on its own worker goroutine bounded
// by MaxConcurrent.
type Orchestrator struct {
	cfg      Config
	queue    *queue.Queue
	selector *router.Selector
	registry *provider.Registry
	capacity *capacity.Manager
	retrier  *retry.Controller
	relay    StreamRelay
	metrics  MetricsRecorder
	tracer   trace.Tracer
	logger   *slog.Logger

	slots   chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	now func() time.Time
}

// New creates an orchestrator. Relay and metrics sinks are optional
// and attached with SetStreamRelay and SetMetricsRecorder.
func New(cfg Config, q *queue.Queue, sel *router.Selector, reg *provider.Registry, capMgr *capacity.Manager, retrier *retry.Controller, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = def.ProcessingInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = def.CancelPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		queue:    q,
		selector: sel,
		registry: reg,
		capacity: capMgr,
		retrier:  retrier,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// SetStreamRelay attaches the streaming dispatcher. Without one,
// streaming requests are drained in place and completed buffered.
func (o *Orchestrator) SetStreamRelay(r StreamRelay) {
	o.relay = r
}

// SetMetricsRecorder attaches the metrics sink.
func (o *Orchestrator) SetMetricsRecorder(m MetricsRecorder) {
	o.metrics = m
}

// SetTracer attaches a tracer; each adapter call then runs under a
// client span carrying the gen_ai attributes.
func (o *Orchestrator) SetTracer(t trace.Tracer) {
	o.tracer = t
}

// Start launches the intake loop until ctx is canceled. Canceling ctx
// stops intake only; in-flight workers finish on their own deadlines.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ProcessingInterval)
	defer ticker.Stop()

	o.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator intake stopped")
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// Drain waits for in-flight work after the intake context is canceled.
// It reports false when the timeout passed with work still running.
func (o *Orchestrator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Inflight reports how many requests are currently being processed.
func (o *Orchestrator) Inflight() int {
	return len(o.slots)
}

// tick pops one batch, bounded by the free worker slots, and hands
// each entry to a worker. Only the run loop sends on slots, so the
// free count cannot go stale between the check and the send.
func (o *Orchestrator) tick(ctx context.Context) {
	free := cap(o.slots) - len(o.slots)
	n := free
	if bs := o.queue.BatchSize(); bs < n {
		n = bs
	}
	if n <= 0 {
		return
	}

	batch, err := o.queue.PopBatch(ctx, n)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("queue pop failed", "error", err)
		}
		return
	}
	for _, qr := range batch {
		o.slots <- struct{}{}
		o.wg.Add(1)
		go func(qr *types.QueuedRequest) {
			defer o.wg.Done()
			defer func() { <-o.slots }()
			o.process(qr)
		}(qr)
	}
}

// process runs one attempt of one request: route, reserve, execute,
// then settle the outcome. Workers are independent of the intake
// context so a shutdown drains them instead of aborting them.
func (o *Orchestrator) process(qr *types.QueuedRequest) {
	req := qr.Request

	if req.Deadline.IsZero() {
		req.Deadline = o.now().Add(o.cfg.DefaultTimeout)
	}

	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()

	if qr.WaitingOn != "" {
		if err := o.capacity.AddQueued(ctx, qr.WaitingOn, -1); err != nil {
			o.logger.Warn("queued-demand settle failed",
				"request_id", req.ID, "provider", qr.WaitingOn, "error", err)
		}
		qr.WaitingOn = ""
	}

	if o.queue.IsCancelRequested(ctx, req.ID) {
		o.finishCancelled(qr, "cancelled while queued")
		return
	}
	if !req.Deadline.After(o.now()) {
		o.failTerminal(qr, muxerrors.NewTimeout("", "", "deadline expired while queued"))
		return
	}

	decision, err := o.selector.Select(ctx, req)
	if err != nil {
		o.handleAdmissionError(qr, err)
		return
	}

	granted, err := o.capacity.Reserve(ctx, decision.ProviderID)
	if err != nil {
		o.handleAdmissionError(qr, muxerrors.NewCapacityExhausted(
			"capacity reservation failed: "+err.Error(), defaultAdmissionWait))
		return
	}
	if !granted {
		wait := decision.ExpectedWait
		if wait <= 0 {
			wait = defaultAdmissionWait
		}
		o.requeue(qr, decision.ProviderID, wait,
			muxerrors.NewCapacityExhausted("reservation lost to a concurrent claim", wait))
		return
	}

	// Admitted. The reservation must be released exactly once on every
	// path below; res.release no-ops after the first call.
	res := &reservation{orc: o, provider: decision.ProviderID, start: time.Now()}
	defer res.release()

	if o.queue.IsCancelRequested(ctx, req.ID) {
		o.finishCancelled(qr, "cancelled before execution")
		return
	}

	reg, ok := o.registry.Get(decision.ProviderID)
	if !ok {
		o.finishAttempt(ctx, qr, decision, nil,
			muxerrors.NewNotFound(decision.ProviderID, decision.Model, "provider deregistered before execution"), 0)
		return
	}

	stopWatch := o.watchCancel(ctx, cancel, req.ID)
	defer stopWatch()

	o.logger.Info("executing request",
		"request_id", req.ID,
		"provider", decision.ProviderID,
		"model", decision.Model,
		"attempt", req.Attempts+1,
		"stream", req.Stream)

	execCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		var temp float64
		if req.Temperature != nil {
			temp = *req.Temperature
		}
		execCtx, span = observability.StartLLMSpan(ctx, o.tracer, operationOf(req), observability.LLMSpanAttributes{
			Provider:    decision.ProviderID,
			Model:       decision.Model,
			Stream:      req.Stream,
			MaxTokens:   req.MaxTokens,
			Temperature: temp,
		})
	}

	start := time.Now()
	var resp *types.Response
	var execErr error
	if req.Stream {
		cs, serr := reg.Adapter.Stream(execCtx, req)
		switch {
		case serr != nil:
			execErr = serr
		case o.relay != nil:
			resp, execErr = o.relay.Relay(execCtx, req, cs)
		default:
			resp, execErr = drainChunks(cs)
		}
	} else {
		resp, execErr = reg.Adapter.Execute(execCtx, req)
	}
	elapsed := time.Since(start)

	if span != nil {
		if execErr != nil {
			observability.RecordError(span, execErr)
		} else if resp != nil {
			observability.RecordLLMResponse(span, resp.Usage.Input, resp.Usage.Output, resp.FinishReason)
		}
		span.End()
	}

	// Release with the observed processing time before terminal
	// bookkeeping so the freed slot is visible to waiting requests.
	res.release()

	o.finishAttempt(ctx, qr, decision, resp, execErr, elapsed)
}

// finishAttempt settles one executed attempt: completion, retry
// scheduling, or terminal failure.
func (o *Orchestrator) finishAttempt(attemptCtx context.Context, qr *types.QueuedRequest, d *router.Decision, resp *types.Response, execErr error, elapsed time.Duration) {
	req := qr.Request
	req.Attempts++

	ctx, cancel := bookCtx()
	defer cancel()

	if execErr == nil && resp != nil {
		if resp.RequestID == "" {
			resp.RequestID = req.ID
		}
		if resp.ProviderID == "" {
			resp.ProviderID = d.ProviderID
		}
		if resp.Model == "" {
			resp.Model = d.Model
		}
		if resp.ResponseTimeMs == 0 {
			resp.ResponseTimeMs = elapsed.Milliseconds()
		}
		if d.FallbackUsed {
			resp.FallbackUsed = true
			resp.OriginalProvider = d.OriginalProvider
		}

		if err := o.queue.Complete(ctx, qr, resp); err != nil {
			o.logger.Error("completion bookkeeping failed", "request_id", req.ID, "error", err)
		}
		if resp.Usage.Total > 0 {
			if err := o.capacity.RecordUsage(ctx, d.ProviderID, resp.Usage.Total); err != nil {
				o.logger.Warn("usage recording failed",
					"request_id", req.ID, "provider", d.ProviderID, "error", err)
			}
		}
		o.observe(req, d.ProviderID, true, elapsed)
		o.record(func(ctx context.Context) error {
			return o.metrics.RecordSuccess(ctx, d.ProviderID, elapsed, resp.Usage, resp.Cost)
		})
		o.logger.Info("request completed",
			"request_id", req.ID,
			"provider", d.ProviderID,
			"model", resp.Model,
			"attempts", req.Attempts,
			"elapsed_ms", elapsed.Milliseconds())
		return
	}

	failure := o.canonical(attemptCtx, execErr, d.ProviderID, d.Model)
	req.LastError = failure.Error()

	o.record(func(ctx context.Context) error {
		return o.metrics.RecordFailure(ctx, d.ProviderID, failure.Kind, elapsed)
	})

	if failure.Kind == muxerrors.KindCancelled || o.queue.IsCancelRequested(ctx, req.ID) {
		o.finishCancelled(qr, "cancelled during execution")
		return
	}

	dec := o.retrier.Decide(o.now(), retry.Attempt{
		RequestID: req.ID,
		Operation: operationOf(req),
		Provider:  d.ProviderID,
		Number:    req.Attempts,
		Err:       failure,
		Deadline:  req.Deadline,
	})
	if dec.Retry {
		if err := o.queue.ScheduleRetry(ctx, qr, dec.Delay); err != nil {
			o.logger.Error("retry scheduling failed", "request_id", req.ID, "error", err)
			o.failTerminal(qr, failure)
			return
		}
		o.logger.Info("retry scheduled",
			"request_id", req.ID,
			"provider", d.ProviderID,
			"attempt", req.Attempts,
			"delay", dec.Delay,
			"kind", string(failure.Kind))
		return
	}

	o.observe(req, d.ProviderID, false, elapsed)
	if err := o.queue.Fail(ctx, qr, failure); err != nil {
		o.logger.Error("failure bookkeeping failed", "request_id", req.ID, "error", err)
	}
	o.logger.Warn("request failed",
		"request_id", req.ID,
		"provider", d.ProviderID,
		"attempts", req.Attempts,
		"kind", string(failure.Kind),
		"reason", dec.Reason)
}

// handleAdmissionError settles a routing or reservation failure.
// Waitable denials park the request without consuming its attempt
// budget; everything else is terminal.
func (o *Orchestrator) handleAdmissionError(qr *types.QueuedRequest, err error) {
	e := asCanonical(err)
	if !e.Retryable {
		o.failTerminal(qr, e)
		return
	}
	wait := defaultAdmissionWait
	if hint, ok := muxerrors.WaitHint(e); ok {
		wait = hint
	}
	o.requeue(qr, "", wait, e)
}

// requeue parks the request for wait. When the denial is attributable
// to one provider, its queued-demand counter is bumped so wait
// estimates see the backlog; the counter settles on next dispatch.
func (o *Orchestrator) requeue(qr *types.QueuedRequest, providerID string, wait time.Duration, cause *muxerrors.Error) {
	req := qr.Request

	ctx, cancel := bookCtx()
	defer cancel()

	if !req.Deadline.IsZero() && o.now().Add(wait).After(req.Deadline) {
		o.failTerminal(qr, cause)
		o.logger.Warn("no admission before deadline",
			"request_id", req.ID, "wait", wait, "kind", string(cause.Kind))
		return
	}

	if providerID != "" {
		if err := o.capacity.AddQueued(ctx, providerID, 1); err != nil {
			o.logger.Warn("queued-demand bump failed",
				"request_id", req.ID, "provider", providerID, "error", err)
		} else {
			qr.WaitingOn = providerID
		}
	}

	if err := o.queue.ScheduleRetry(ctx, qr, wait); err != nil {
		o.logger.Error("requeue failed", "request_id", req.ID, "error", err)
		o.failTerminal(qr, cause)
		return
	}
	o.logger.Info("admission deferred",
		"request_id", req.ID,
		"wait", wait,
		"kind", string(cause.Kind),
		"reason", cause.Message)
}

func (o *Orchestrator) finishCancelled(qr *types.QueuedRequest, stage string) {
	ctx, cancel := bookCtx()
	defer cancel()
	if err := o.queue.Fail(ctx, qr, muxerrors.NewCancelled(stage)); err != nil {
		o.logger.Error("cancel bookkeeping failed", "request_id", qr.Request.ID, "error", err)
	}
	o.logger.Info("request cancelled", "request_id", qr.Request.ID, "stage", stage)
}

func (o *Orchestrator) failTerminal(qr *types.QueuedRequest, failure *muxerrors.Error) {
	ctx, cancel := bookCtx()
	defer cancel()
	if err := o.queue.Fail(ctx, qr, failure); err != nil {
		o.logger.Error("failure bookkeeping failed", "request_id", qr.Request.ID, "error", err)
	}
}

// watchCancel polls for a cancel mark while the adapter call is in
// flight and aborts the attempt context when one appears. The returned
// stop function is idempotent.
func (o *Orchestrator) watchCancel(ctx context.Context, cancel context.CancelFunc, id string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(o.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if o.queue.IsCancelRequested(ctx, id) {
					cancel()
					return
				}
			}
		}
	}()
	return stop
}

// observe feeds a terminal outcome to the retry learner.
func (o *Orchestrator) observe(req *types.Request, providerID string, success bool, elapsed time.Duration) {
	if o.retrier == nil {
		return
	}
	o.retrier.Observe(retry.Outcome{
		Operation: operationOf(req),
		Provider:  providerID,
		Success:   success,
		Attempts:  req.Attempts,
		Duration:  elapsed,
	})
}

// record runs one metrics write with a single bounded retry.
func (o *Orchestrator) record(fn func(context.Context) error) {
	if o.metrics == nil {
		return
	}
	ctx, cancel := bookCtx()
	defer cancel()
	if err := fn(ctx); err != nil {
		if err = fn(ctx); err != nil {
			o.logger.Warn("metrics recording failed", "error", err)
		}
	}
}

// canonical maps an execution error onto the taxonomy. A spent attempt
// deadline wins over whatever the adapter reported: the wall clock is
// authoritative for timeouts.
func (o *Orchestrator) canonical(ctx context.Context, err error, providerID, model string) *muxerrors.Error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return muxerrors.NewTimeout(providerID, model, "request deadline exceeded")
	}
	var e *muxerrors.Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.Canceled) {
		return muxerrors.NewCancelled("execution aborted")
	}
	msg := "adapter returned no response"
	if err != nil {
		msg = err.Error()
	}
	return muxerrors.NewServerError(providerID, model, http.StatusInternalServerError, msg)
}

func asCanonical(err error) *muxerrors.Error {
	var e *muxerrors.Error
	if stderrors.As(err, &e) {
		return e
	}
	return muxerrors.NewServerError("", "", http.StatusInternalServerError, err.Error())
}

func operationOf(req *types.Request) string {
	if req.Stream {
		return "stream"
	}
	return "completion"
}

func bookCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), bookkeepTimeout)
}

// reservation tracks one admitted capacity slot. release is safe to
// call more than once; only the first call reaches the store.
type reservation struct {
	orc      *Orchestrator
	provider string
	start    time.Time
	released bool
}

func (r *reservation) release() {
	if r.released {
		return
	}
	r.released = true
	ctx, cancel := bookCtx()
	defer cancel()
	if err := r.orc.capacity.Release(ctx, r.provider, time.Since(r.start)); err != nil {
		r.orc.logger.Error("capacity release failed, counter reconciles at the next sweep",
			"provider", r.provider, "error", err)
	}
}

// drainChunks consumes a chunk stream in place and assembles the
// buffered response. Used when no streaming dispatcher is attached.
func drainChunks(cs provider.ChunkStream) (*types.Response, error) {
	defer func() { _ = cs.Close() }()

	var (
		content strings.Builder
		usage   types.TokenUsage
		cost    float64
		finish  string
	)
	for {
		chunk, err := cs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		content.WriteString(chunk.Content)
		cost += chunk.Cost
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Done {
			break
		}
	}
	return &types.Response{
		Content:      content.String(),
		Usage:        usage,
		Cost:         cost,
		FinishReason: finish,
	}, nil
}
