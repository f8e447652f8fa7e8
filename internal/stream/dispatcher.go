// Package stream fans provider chunk streams out to SSE subscribers.
// Sessions are in-memory and single-node; subscribers are rebindable
// by id within a grace window across reconnects.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/relaymux/internal/provider"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	defaultSubscriberBuffer = 64
	defaultSendRetry        = time.Second
	defaultHeartbeatEvery   = 30 * time.Second
	defaultIdleDrop         = 10 * time.Minute
	defaultGraceWindow      = 30 * time.Second
	defaultCompressionFloor = 1024

	// chunkEWMAAlpha weighs new chunk sizes into the session average.
	chunkEWMAAlpha = 0.1

	// progressEmitStep is the overall-progress gain that triggers a
	// dedicated progress event between chunks.
	progressEmitStep = 5.0
)

// Config tunes the dispatcher.
type Config struct {
	// SubscriberBuffer is the consumer channel depth per subscriber.
	SubscriberBuffer int

	// SendRetry is the slice after which a blocked delivery rechecks
	// the idle clock.
	SendRetry time.Duration

	// HeartbeatEvery is the heartbeat cadence for live sessions.
	HeartbeatEvery time.Duration

	// IdleDrop is how long a subscriber may go without draining before
	// it is dropped.
	IdleDrop time.Duration

	// GraceWindow is how long an ended session stays subscribable so
	// reconnects still receive the terminal event.
	GraceWindow time.Duration

	// CompressionFloor is the chunk size in bytes above which
	// whitespace runs are collapsed.
	CompressionFloor int
}

// DefaultConfig returns the dispatcher tuning used when none is
// configured.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: defaultSubscriberBuffer,
		SendRetry:        defaultSendRetry,
		HeartbeatEvery:   defaultHeartbeatEvery,
		IdleDrop:         defaultIdleDrop,
		GraceWindow:      defaultGraceWindow,
		CompressionFloor: defaultCompressionFloor,
	}
}

// EventType names an SSE event emitted to subscribers.
type EventType string

// Wire-visible event types.
const (
	EventOpen      EventType = "open"
	EventChunk     EventType = "chunk"
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one element of a subscriber's ordered event feed. Data is
// JSON-marshalable and becomes the SSE data payload.
type Event struct {
	Type EventType
	Data any
}

// OpenPayload announces a session to a new subscriber.
type OpenPayload struct {
	StreamID  string `json:"streamId"`
	RequestID string `json:"requestId"`
}

// ChunkPayload carries one content delta.
type ChunkPayload struct {
	Content  string  `json:"content"`
	Progress float64 `json:"progress"`
}

// ProgressPayload reports overall completion between chunks.
type ProgressPayload struct {
	Progress float64 `json:"progress"`
	Tokens   int     `json:"tokens"`
	Phase    string  `json:"phase"`
}

// HeartbeatPayload keeps idle connections alive.
type HeartbeatPayload struct {
	At time.Time `json:"at"`
}

// DonePayload is the terminal event of a successful session.
type DonePayload struct {
	StreamID      string  `json:"streamId"`
	Chunks        int     `json:"chunks"`
	Tokens        int     `json:"tokens"`
	Cost          float64 `json:"cost,omitempty"`
	AvgChunkBytes float64 `json:"avgChunkBytes"`
	ElapsedMs     int64   `json:"elapsedMs"`
}

// ErrorPayload is the terminal event of a failed session.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionInfo is an ops-surface snapshot of one session.
type SessionInfo struct {
	StreamID      string    `json:"streamId"`
	RequestID     string    `json:"requestId"`
	StartedAt     time.Time `json:"startedAt"`
	Subscribers   int       `json:"subscribers"`
	Chunks        int       `json:"chunks"`
	Tokens        int       `json:"tokens"`
	AvgChunkBytes float64   `json:"avgChunkBytes"`
	Progress      float64   `json:"progress"`
	Ended         bool      `json:"ended"`
}

// Dispatcher owns stream sessions from open to end.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.SendRetry <= 0 {
		cfg.SendRetry = def.SendRetry
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = def.HeartbeatEvery
	}
	if cfg.IdleDrop <= 0 {
		cfg.IdleDrop = def.IdleDrop
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.CompressionFloor <= 0 {
		cfg.CompressionFloor = def.CompressionFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Relay consumes one adapter chunk stream on behalf of a streaming
// request, fanning events out to subscribers, and returns the
// assembled terminal response. The stream id is the request id.
func (d *Dispatcher) Relay(ctx context.Context, req *types.Request, cs provider.ChunkStream) (*types.Response, error) {
	defer func() { _ = cs.Close() }()

	sess := d.open(req)
	defer d.retire(sess)

	stopHeartbeat := make(chan struct{})
	go sess.heartbeatLoop(stopHeartbeat)
	defer close(stopHeartbeat)

	sess.broadcast(Event{Type: EventOpen, Data: OpenPayload{StreamID: sess.id, RequestID: req.ID}}, false)
	sess.beginGeneration()

	var (
		content strings.Builder
		usage   types.TokenUsage
		cost    float64
		finish  string
		tokens  int
	)
	for {
		if err := ctx.Err(); err != nil {
			sess.end(Event{Type: EventError, Data: ErrorPayload{
				Kind:    string(muxerrors.KindCancelled),
				Message: "stream aborted",
			}})
			return nil, err
		}

		chunk, err := cs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			failure := muxerrors.KindOf(err)
			sess.end(Event{Type: EventError, Data: ErrorPayload{
				Kind:    string(failure),
				Message: err.Error(),
			}})
			d.logger.Warn("stream relay failed", "stream_id", sess.id, "kind", string(failure), "error", err)
			return nil, err
		}
		if chunk == nil {
			continue
		}

		text := chunk.Content
		if len(text) > d.cfg.CompressionFloor {
			text = normalizeWhitespace(text)
		}
		content.WriteString(text)
		cost += chunk.Cost
		tokens += chunk.Tokens
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}

		sess.observe(chunk, text)
		if chunk.Done {
			break
		}
	}

	if usage.Total == 0 && tokens > 0 {
		usage = types.TokenUsage{Output: tokens, Total: tokens}
	}
	done := sess.complete()
	d.logger.Info("stream relay completed",
		"stream_id", sess.id,
		"chunks", done.Chunks,
		"tokens", done.Tokens,
		"elapsed_ms", done.ElapsedMs)

	return &types.Response{
		Content:      content.String(),
		Usage:        usage,
		Cost:         cost,
		FinishReason: finish,
	}, nil
}

// Subscribe attaches to a session by stream id. An empty subscriber id
// creates a fresh identity; a known id rebinds to the existing
// subscription, backlog included. Ended sessions remain subscribable
// within the grace window and deliver the terminal event immediately.
func (d *Dispatcher) Subscribe(streamID, subscriberID string) (*Subscriber, error) {
	d.mu.RLock()
	sess, ok := d.sessions[streamID]
	d.mu.RUnlock()
	if !ok {
		return nil, muxerrors.NewNotFound("", "", fmt.Sprintf("stream %s not found", streamID))
	}
	return sess.attach(subscriberID), nil
}

// Sessions snapshots all live and grace-window sessions, ordered by
// stream id.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.RLock()
	infos := make([]SessionInfo, 0, len(d.sessions))
	for _, sess := range d.sessions {
		infos = append(infos, sess.info())
	}
	d.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// Close ends every session with an error event. Subscribers flush the
// terminal event and self-close; stragglers are dropped after the
// grace window.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	sessions := make([]*session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.sessions = make(map[string]*session)
	d.mu.Unlock()

	for _, sess := range sessions {
		sess.end(Event{Type: EventError, Data: ErrorPayload{
			Kind:    string(muxerrors.KindCancelled),
			Message: "server shutting down",
		}})
		time.AfterFunc(d.cfg.GraceWindow, sess.dropAll)
	}
}

func (d *Dispatcher) open(req *types.Request) *session {
	sess := newSession(req, d.cfg)
	d.mu.Lock()
	if !d.closed {
		d.sessions[sess.id] = sess
	}
	d.mu.Unlock()
	return sess
}

// retire keeps the ended session subscribable for the grace window,
// then removes it and drops whatever subscribers remain.
func (d *Dispatcher) retire(sess *session) {
	time.AfterFunc(d.cfg.GraceWindow, func() {
		d.mu.Lock()
		delete(d.sessions, sess.id)
		d.mu.Unlock()
		sess.dropAll()
	})
}

type session struct {
	id        string
	requestID string
	startedAt time.Time
	cfg       Config

	mu            sync.Mutex
	subs          map[string]*Subscriber
	task          *types.ProgressTask
	avgChunkBytes float64
	chunks        int
	tokens        int
	cost          float64
	lastEmit      float64
	ended         bool
	terminal      *Event
}

func newSession(req *types.Request, cfg Config) *session {
	return &session{
		id:        req.ID,
		requestID: req.ID,
		startedAt: time.Now(),
		cfg:       cfg,
		subs:      make(map[string]*Subscriber),
		task: types.NewProgressTask(req.ID, []types.ProgressPhase{
			{Name: "dispatch", Weight: 1},
			{Name: "generation", Weight: 9, EstimatedTokens: req.MaxTokens},
		}),
	}
}

// beginGeneration completes the dispatch phase.
func (s *session) beginGeneration() {
	s.mu.Lock()
	s.task.Advance(100, 0)
	s.mu.Unlock()
}

func (s *session) attach(id string) *Subscriber {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	if sub, ok := s.subs[id]; ok {
		s.mu.Unlock()
		return sub
	}
	sub := newSubscriber(id, s.cfg.SubscriberBuffer, s.detach)
	s.subs[id] = sub
	ended := s.ended
	var terminal *Event
	if ended && s.terminal != nil {
		terminal = s.terminal
	}
	s.mu.Unlock()

	sub.push(Event{Type: EventOpen, Data: OpenPayload{StreamID: s.id, RequestID: s.requestID}}, false)
	if terminal != nil {
		sub.push(*terminal, true)
	}
	go sub.pump(s.cfg.SendRetry, s.cfg.IdleDrop)
	return sub
}

func (s *session) detach(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// observe folds one delivered chunk into the session counters and
// forwards it, emitting a standalone progress event when the overall
// value moved enough.
func (s *session) observe(chunk *types.StreamChunk, text string) {
	size := len(text)
	s.mu.Lock()
	s.chunks++
	s.tokens += chunk.Tokens
	s.cost += chunk.Cost
	if s.avgChunkBytes == 0 {
		s.avgChunkBytes = float64(size)
	} else {
		s.avgChunkBytes = (1-chunkEWMAAlpha)*s.avgChunkBytes + chunkEWMAAlpha*float64(size)
	}

	if chunk.Progress > 0 {
		s.task.Advance(chunk.Progress, chunk.Tokens)
	} else if est := s.generationEstimate(); est > 0 {
		pct := 100 * float64(s.tokens) / float64(est)
		if pct > 99 {
			pct = 99
		}
		s.task.Advance(pct, chunk.Tokens)
	} else {
		s.task.Advance(0, chunk.Tokens)
	}
	overall := s.task.Overall()
	emitProgress := overall-s.lastEmit >= progressEmitStep
	if emitProgress {
		s.lastEmit = overall
	}
	tokens := s.tokens
	phase := s.task.Phases[s.task.CurrentPhase].Name
	s.mu.Unlock()

	s.broadcast(Event{Type: EventChunk, Data: ChunkPayload{Content: text, Progress: overall}}, false)
	if emitProgress {
		s.broadcast(Event{Type: EventProgress, Data: ProgressPayload{
			Progress: overall,
			Tokens:   tokens,
			Phase:    phase,
		}}, false)
	}
}

func (s *session) generationEstimate() int {
	for _, ph := range s.task.Phases {
		if ph.Name == "generation" {
			return ph.EstimatedTokens
		}
	}
	return 0
}

// complete finishes the progress task, emits the terminal done event
// and returns its payload.
func (s *session) complete() DonePayload {
	s.mu.Lock()
	s.task.Complete()
	payload := DonePayload{
		StreamID:      s.id,
		Chunks:        s.chunks,
		Tokens:        s.tokens,
		Cost:          s.cost,
		AvgChunkBytes: s.avgChunkBytes,
		ElapsedMs:     time.Since(s.startedAt).Milliseconds(),
	}
	s.mu.Unlock()
	s.end(Event{Type: EventDone, Data: payload})
	return payload
}

// end records the terminal event and broadcasts it once.
func (s *session) end(ev Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.terminal = &ev
	s.mu.Unlock()
	s.broadcast(ev, true)
}

func (s *session) broadcast(ev Event, terminal bool) {
	s.mu.Lock()
	if s.ended && !terminal {
		s.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev, terminal)
	}
}

func (s *session) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.broadcast(Event{Type: EventHeartbeat, Data: HeartbeatPayload{At: time.Now().UTC()}}, false)
		}
	}
}

func (s *session) dropAll() {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		StreamID:      s.id,
		RequestID:     s.requestID,
		StartedAt:     s.startedAt,
		Subscribers:   len(s.subs),
		Chunks:        s.chunks,
		Tokens:        s.tokens,
		AvgChunkBytes: s.avgChunkBytes,
		Progress:      s.task.Overall(),
		Ended:         s.ended,
	}
}

// normalizeWhitespace collapses runs of spaces and tabs into a single
// space. Newlines pass through and reset the run.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t':
			pendingSpace = true
		case '\n', '\r':
			b.WriteRune(r)
			pendingSpace = false
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
