// Package providertest provides a scriptable in-memory adapter for
// exercising the router, orchestrator and dispatcher without network.
package providertest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Fake is a scriptable Adapter. Zero value is unusable; use New.
type Fake struct {
	mu sync.Mutex

	name         string
	capabilities []types.Capability
	models       []types.ModelInfo

	// Script is consumed front to back, one entry per Execute/Stream
	// call. When empty, calls succeed with a canned response.
	script []Outcome

	// Delay is applied before each Execute/Stream result, honoring ctx.
	Delay time.Duration

	// Chunks returned by Stream when the outcome succeeds.
	Chunks []types.StreamChunk

	// probe overrides the HealthProbe outcome when set.
	probeRes *types.ProbeResult
	probeErr error

	calls int
}

// Outcome scripts a single adapter call.
type Outcome struct {
	Err      error
	Response *types.Response
}

// New creates a fake provider with the given identity.
func New(name string, caps ...types.Capability) *Fake {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapabilityTextGeneration, types.CapabilityChat}
	}
	return &Fake{
		name:         name,
		capabilities: caps,
		models: []types.ModelInfo{
			{Name: name + "-model", InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
		},
	}
}

// WithModels overrides the advertised catalog.
func (f *Fake) WithModels(models ...types.ModelInfo) *Fake {
	f.models = models
	return f
}

// Enqueue appends scripted outcomes.
func (f *Fake) Enqueue(outcomes ...Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
	return f
}

// FailTimes scripts n consecutive failures with the given error.
func (f *Fake) FailTimes(n int, err error) *Fake {
	for i := 0; i < n; i++ {
		f.Enqueue(Outcome{Err: err})
	}
	return f
}

// Calls reports how many Execute/Stream calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Name implements provider.Adapter.
func (f *Fake) Name() string { return f.name }

// Capabilities implements provider.Adapter.
func (f *Fake) Capabilities() []types.Capability { return f.capabilities }

// Models implements provider.Adapter.
func (f *Fake) Models() []types.ModelInfo { return f.models }

// SupportsModel implements provider.Adapter.
func (f *Fake) SupportsModel(model string) bool {
	for _, m := range f.models {
		if m.Name == model {
			return true
		}
	}
	return false
}

func (f *Fake) next(req *types.Request) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out
	}
	return Outcome{Response: &types.Response{
		ID:           "fake-" + f.name,
		RequestID:    req.ID,
		Model:        f.models[0].Name,
		ProviderID:   f.name,
		Content:      "ok",
		Usage:        types.TokenUsage{Input: 10, Output: 5, Total: 15},
		FinishReason: "stop",
	}}
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.NewCancelled(ctx.Err().Error())
	case <-time.After(f.Delay):
		return nil
	}
}

// Execute implements provider.Adapter.
func (f *Fake) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	out := f.next(req)
	if out.Err != nil {
		return nil, out.Err
	}
	resp := *out.Response
	resp.RequestID = req.ID
	return &resp, nil
}

// Stream implements provider.Adapter.
func (f *Fake) Stream(ctx context.Context, req *types.Request) (provider.ChunkStream, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	out := f.next(req)
	if out.Err != nil {
		return nil, out.Err
	}
	chunks := f.Chunks
	if len(chunks) == 0 {
		chunks = []types.StreamChunk{
			{Content: "ok ", Tokens: 2},
			{Content: "done", Tokens: 1, Done: true, Usage: &types.TokenUsage{Input: 10, Output: 3, Total: 13}},
		}
	}
	return &fakeStream{ctx: ctx, chunks: chunks}, nil
}

// SetProbe scripts the HealthProbe outcome until changed. Passing
// (nil, nil) restores the default healthy result.
func (f *Fake) SetProbe(res *types.ProbeResult, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeRes, f.probeErr = res, err
	return f
}

// HealthProbe implements provider.Adapter.
func (f *Fake) HealthProbe(context.Context) (*types.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeRes != nil || f.probeErr != nil {
		return f.probeRes, f.probeErr
	}
	return &types.ProbeResult{Healthy: true, Latency: time.Millisecond}, nil
}

type fakeStream struct {
	ctx    context.Context
	chunks []types.StreamChunk
	pos    int
	closed bool
}

func (s *fakeStream) Next() (*types.StreamChunk, error) {
	if s.closed || s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	select {
	case <-s.ctx.Done():
		return nil, errors.NewCancelled(s.ctx.Err().Error())
	default:
	}
	ch := s.chunks[s.pos]
	s.pos++
	return &ch, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}
