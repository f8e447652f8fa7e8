package stream

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

type scriptStream struct {
	chunks []types.StreamChunk
	err    error
	delay  time.Duration
	pos    int
	closed bool
}

func (s *scriptStream) Next() (*types.StreamChunk, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return &ch, nil
}

func (s *scriptStream) Close() error {
	s.closed = true
	return nil
}

func testConfig() Config {
	return Config{
		SubscriberBuffer: 16,
		SendRetry:        10 * time.Millisecond,
		HeartbeatEvery:   time.Hour,
		IdleDrop:         time.Second,
		GraceWindow:      500 * time.Millisecond,
		CompressionFloor: 1024,
	}
}

func testDispatcher(cfg Config) *Dispatcher {
	return NewDispatcher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func streamRequest(id string, maxTokens int) *types.Request {
	return &types.Request{
		ID:        id,
		UserID:    "user-1",
		Stream:    true,
		MaxTokens: maxTokens,
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
	}
}

type relayResult struct {
	resp *types.Response
	err  error
}

func relayAsync(d *Dispatcher, req *types.Request, cs *scriptStream) <-chan relayResult {
	out := make(chan relayResult, 1)
	go func() {
		resp, err := d.Relay(context.Background(), req, cs)
		out <- relayResult{resp: resp, err: err}
	}()
	return out
}

func subscribeEventually(t *testing.T, d *Dispatcher, streamID, subID string) *Subscriber {
	t.Helper()
	var sub *Subscriber
	require.Eventually(t, func() bool {
		s, err := d.Subscribe(streamID, subID)
		if err != nil {
			return false
		}
		sub = s
		return true
	}, 2*time.Second, time.Millisecond)
	return sub
}

// collectUntilTerminal drains a subscriber through its terminal event.
func collectUntilTerminal(t *testing.T, sub *Subscriber) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-sub.Done():
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return events
					}
					events = append(events, ev)
				default:
					return events
				}
			}
		case <-timeout:
			t.Fatal("terminal event not received")
		}
	}
}

func chunkPayloads(events []Event) []ChunkPayload {
	var out []ChunkPayload
	for _, ev := range events {
		if ev.Type == EventChunk {
			out = append(out, ev.Data.(ChunkPayload))
		}
	}
	return out
}

func TestRelayDeliversOrderedEvents(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{
		delay: 50 * time.Millisecond,
		chunks: []types.StreamChunk{
			{Content: "Hel", Tokens: 2},
			{Content: "lo", Tokens: 1, Done: true, Usage: &types.TokenUsage{Input: 4, Output: 3, Total: 7}},
		},
	}
	result := relayAsync(d, streamRequest("stream-1", 10), cs)
	sub := subscribeEventually(t, d, "stream-1", "")

	events := collectUntilTerminal(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, EventOpen, events[0].Type)
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	chunks := chunkPayloads(events)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.GreaterOrEqual(t, chunks[1].Progress, chunks[0].Progress)

	done := events[len(events)-1].Data.(DonePayload)
	assert.Equal(t, 2, done.Chunks)
	assert.Equal(t, 3, done.Tokens)

	res := <-result
	require.NoError(t, res.err)
	assert.Equal(t, "Hello", res.resp.Content)
	assert.Equal(t, 7, res.resp.Usage.Total)
	assert.True(t, cs.closed)
}

func TestLateSubscriberGetsTerminalWithinGrace(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{chunks: []types.StreamChunk{{Content: "ok", Tokens: 1, Done: true}}}

	_, err := d.Relay(context.Background(), streamRequest("stream-2", 0), cs)
	require.NoError(t, err)

	sub, err := d.Subscribe("stream-2", "")
	require.NoError(t, err)
	events := collectUntilTerminal(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventOpen, events[0].Type)
	assert.Equal(t, EventDone, events[1].Type)

	// Past the grace window the session is gone.
	require.Eventually(t, func() bool {
		_, err := d.Subscribe("stream-2", "")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
	_, err = d.Subscribe("stream-2", "")
	require.Error(t, err)
	assert.Equal(t, muxerrors.KindNotFound, muxerrors.KindOf(err))
}

func TestSubscriberRebindsByIdentity(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{
		delay: 50 * time.Millisecond,
		chunks: []types.StreamChunk{
			{Content: "a", Tokens: 1},
			{Content: "b", Tokens: 1, Done: true},
		},
	}
	result := relayAsync(d, streamRequest("stream-3", 0), cs)

	first := subscribeEventually(t, d, "stream-3", "viewer-1")
	again, err := d.Subscribe("stream-3", "viewer-1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	events := collectUntilTerminal(t, first)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
	<-result
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 1
	cfg.SendRetry = 5 * time.Millisecond
	cfg.IdleDrop = 30 * time.Millisecond
	d := testDispatcher(cfg)

	chunks := make([]types.StreamChunk, 10)
	for i := range chunks {
		chunks[i] = types.StreamChunk{Content: "x", Tokens: 1}
	}
	chunks[9].Done = true
	cs := &scriptStream{delay: 20 * time.Millisecond, chunks: chunks}

	result := relayAsync(d, streamRequest("stream-4", 0), cs)
	slow := subscribeEventually(t, d, "stream-4", "slow")
	fast := subscribeEventually(t, d, "stream-4", "fast")

	events := collectUntilTerminal(t, fast)
	assert.Len(t, chunkPayloads(events), 10)
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	res := <-result
	require.NoError(t, res.err)

	// The stalled subscriber is dropped once its idle window passes.
	select {
	case <-slow.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestWhitespaceNormalizationOverFloor(t *testing.T) {
	cfg := testConfig()
	cfg.CompressionFloor = 64
	d := testDispatcher(cfg)

	big := strings.Repeat("word   word\t\tword  ", 8)
	cs := &scriptStream{
		delay: 50 * time.Millisecond,
		chunks: []types.StreamChunk{
			{Content: big, Tokens: 1},
			{Content: "a  b", Tokens: 1, Done: true},
		},
	}
	result := relayAsync(d, streamRequest("stream-5", 0), cs)
	sub := subscribeEventually(t, d, "stream-5", "")

	chunks := chunkPayloads(collectUntilTerminal(t, sub))
	require.Len(t, chunks, 2)
	assert.NotContains(t, chunks[0].Content, "  ")
	assert.NotContains(t, chunks[0].Content, "\t")
	assert.Contains(t, chunks[0].Content, "word word")
	// Below the floor the content passes through untouched.
	assert.Equal(t, "a  b", chunks[1].Content)

	res := <-result
	require.NoError(t, res.err)
	assert.Contains(t, res.resp.Content, "word word word")
	assert.True(t, strings.HasSuffix(res.resp.Content, "a  b"))
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "a b", normalizeWhitespace("a \t b"))
	assert.Equal(t, "a\n b", normalizeWhitespace("a\n  b"))
	assert.Equal(t, "one two\nthree", normalizeWhitespace("one\t\ttwo\nthree"))
	assert.Equal(t, "tail", normalizeWhitespace("   tail"))
}

func TestAdapterErrorEmitsErrorEvent(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{
		delay:  50 * time.Millisecond,
		chunks: []types.StreamChunk{{Content: "partial", Tokens: 1}},
		err:    muxerrors.NewServerError("alpha", "alpha-model", 502, "upstream broke"),
	}
	result := relayAsync(d, streamRequest("stream-6", 0), cs)
	sub := subscribeEventually(t, d, "stream-6", "")

	events := collectUntilTerminal(t, sub)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	payload := last.Data.(ErrorPayload)
	assert.Equal(t, string(muxerrors.KindServerError), payload.Kind)

	res := <-result
	require.Error(t, res.err)
	assert.Nil(t, res.resp)
}

func TestProgressMonotonicAndCompletes(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{
		delay: 30 * time.Millisecond,
		chunks: []types.StreamChunk{
			{Content: "a", Progress: 30},
			{Content: "b", Progress: 20},
			{Content: "c", Progress: 80, Done: true},
		},
	}
	result := relayAsync(d, streamRequest("stream-7", 0), cs)
	sub := subscribeEventually(t, d, "stream-7", "")

	chunks := chunkPayloads(collectUntilTerminal(t, sub))
	require.Len(t, chunks, 3)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].Progress, chunks[i-1].Progress)
	}

	<-result
	// Within the grace window the ended session reports full progress.
	infos := d.Sessions()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Ended)
	assert.Equal(t, float64(100), infos[0].Progress)
}

func TestTokenEstimateDrivesProgress(t *testing.T) {
	d := testDispatcher(testConfig())
	cs := &scriptStream{
		delay: 30 * time.Millisecond,
		chunks: []types.StreamChunk{
			{Content: "a", Tokens: 5},
			{Content: "b", Tokens: 5, Done: true},
		},
	}
	result := relayAsync(d, streamRequest("stream-8", 10), cs)
	sub := subscribeEventually(t, d, "stream-8", "")

	chunks := chunkPayloads(collectUntilTerminal(t, sub))
	require.Len(t, chunks, 2)
	assert.InDelta(t, 55.0, chunks[0].Progress, 0.5)
	assert.Greater(t, chunks[1].Progress, chunks[0].Progress)
	<-result
}

func TestHeartbeatEmitted(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatEvery = 20 * time.Millisecond
	d := testDispatcher(cfg)

	cs := &scriptStream{
		delay:  200 * time.Millisecond,
		chunks: []types.StreamChunk{{Content: "ok", Done: true}},
	}
	result := relayAsync(d, streamRequest("stream-9", 0), cs)
	sub := subscribeEventually(t, d, "stream-9", "")

	events := collectUntilTerminal(t, sub)
	beats := 0
	for _, ev := range events {
		if ev.Type == EventHeartbeat {
			beats++
		}
	}
	assert.Greater(t, beats, 0)
	<-result
}

func TestCloseEndsSessionsWithError(t *testing.T) {
	d := testDispatcher(testConfig())
	chunks := make([]types.StreamChunk, 20)
	for i := range chunks {
		chunks[i] = types.StreamChunk{Content: "x"}
	}
	chunks[19].Done = true
	cs := &scriptStream{delay: 20 * time.Millisecond, chunks: chunks}

	result := relayAsync(d, streamRequest("stream-10", 0), cs)
	sub := subscribeEventually(t, d, "stream-10", "")

	d.Close()

	events := collectUntilTerminal(t, sub)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, string(muxerrors.KindCancelled), last.Data.(ErrorPayload).Kind)

	_, err := d.Subscribe("stream-10", "")
	require.Error(t, err)
	<-result
}
