package api //nolint:revive // package name is intentional

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/internal/queue"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// gatedChunks releases one chunk per gate tick so the test controls
// exactly when content flows relative to the subscription.
type gatedChunks struct {
	gate   chan struct{}
	chunks []types.StreamChunk
	pos    int
}

func (g *gatedChunks) Next() (*types.StreamChunk, error) {
	<-g.gate
	if g.pos >= len(g.chunks) {
		return nil, io.EOF
	}
	ch := g.chunks[g.pos]
	g.pos++
	return &ch, nil
}

func (g *gatedChunks) Close() error { return nil }

func TestStreamEventsDeliversSSE(t *testing.T) {
	rig := newAPIRig(t, queue.Config{})
	srv := httptest.NewServer(rig.mux)
	t.Cleanup(srv.Close)

	gate := make(chan struct{})
	cs := &gatedChunks{gate: gate, chunks: []types.StreamChunk{
		{Content: "hello ", Tokens: 3},
		{Content: "world", Tokens: 2, Done: true},
	}}
	req := &types.Request{
		ID: "str-1", UserID: "u", Stream: true, MaxTokens: 10,
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}

	relayErr := make(chan error, 1)
	go func() {
		_, err := rig.streams.Relay(context.Background(), req, cs)
		relayErr <- err
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/v1/streams/str-1")
		if err != nil {
			return false
		}
		if r.StatusCode != http.StatusOK {
			_ = r.Body.Close()
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is live once the open event arrives; only then
	// may content flow, so no chunk can be missed.
	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: open\n", first)

	close(gate)
	require.NoError(t, <-relayErr)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	text := string(rest)
	assert.Contains(t, text, "event: chunk")
	assert.Contains(t, text, `"content":"hello "`)
	assert.Contains(t, text, `"content":"world"`)
	assert.Contains(t, text, "event: done")
	assert.Contains(t, text, `"chunks":2`)
}

func TestStreamEventsUnknownStream(t *testing.T) {
	rig := newAPIRig(t, queue.Config{})

	rec := rig.do(http.MethodGet, "/v1/streams/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(muxerrors.KindNotFound), detail.Kind)
}

func TestStreamEventsErrorSessionDeliversTerminal(t *testing.T) {
	rig := newAPIRig(t, queue.Config{})
	srv := httptest.NewServer(rig.mux)
	t.Cleanup(srv.Close)

	gate := make(chan struct{})
	cs := &failingChunks{gate: gate}
	req := &types.Request{
		ID: "str-err", UserID: "u", Stream: true,
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}

	relayErr := make(chan error, 1)
	go func() {
		_, err := rig.streams.Relay(context.Background(), req, cs)
		relayErr <- err
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/v1/streams/str-err")
		if err != nil {
			return false
		}
		if r.StatusCode != http.StatusOK {
			_ = r.Body.Close()
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, err := reader.ReadString('\n')
	require.NoError(t, err)

	close(gate)
	require.Error(t, <-relayErr)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	text := string(rest)
	assert.Contains(t, text, "event: error")
	assert.Contains(t, text, `"kind":"SERVER_ERROR"`)
}

type failingChunks struct {
	gate chan struct{}
}

func (f *failingChunks) Next() (*types.StreamChunk, error) {
	<-f.gate
	return nil, muxerrors.NewServerError("alpha", "alpha-model", http.StatusBadGateway, "upstream hiccup")
}

func (f *failingChunks) Close() error { return nil }
