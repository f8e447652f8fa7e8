package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/provider/providertest"
	"github.com/blueberrycongee/relaymux/internal/router"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

var _ CooldownSink = (*router.Selector)(nil)

type recordSink struct {
	mu      sync.Mutex
	set     map[string]time.Time
	sets    int
	cleared []string
}

func newRecordSink() *recordSink {
	return &recordSink{set: make(map[string]time.Time)}
}

func (s *recordSink) SetCooldown(providerID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[providerID] = until
	s.sets++
}

func (s *recordSink) ClearCooldown(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, providerID)
	s.cleared = append(s.cleared, providerID)
}

func newTestProber(t *testing.T, sink CooldownSink) (*Prober, *provider.Registry) {
	t.Helper()
	reg := provider.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProber(Config{
		Enabled:        true,
		Interval:       time.Minute,
		Timeout:        time.Second,
		CooldownPeriod: time.Minute,
	}, reg, sink, logger)
	return p, reg
}

func TestProbeFailureSetsCooldown(t *testing.T) {
	sink := newRecordSink()
	p, reg := newTestProber(t, sink)

	fake := providertest.New("alpha")
	fake.SetProbe(nil, errors.New("connection refused"))
	reg.Register(fake, types.Limits{MaxConcurrent: 4})

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }
	p.runOnce(context.Background())

	until, ok := sink.set["alpha"]
	require.True(t, ok)
	assert.Equal(t, at.Add(time.Minute), until)

	res, ok := p.LastResult("alpha")
	require.True(t, ok)
	assert.False(t, res.Healthy)
	assert.Equal(t, "connection refused", res.Details)
	assert.Equal(t, at, res.CheckedAt)
}

func TestUnhealthyResultSetsCooldown(t *testing.T) {
	sink := newRecordSink()
	p, reg := newTestProber(t, sink)

	fake := providertest.New("alpha")
	fake.SetProbe(&types.ProbeResult{Healthy: false, Latency: 80 * time.Millisecond, Details: "degraded"}, nil)
	reg.Register(fake, types.Limits{MaxConcurrent: 4})

	p.runOnce(context.Background())

	_, ok := sink.set["alpha"]
	assert.True(t, ok)

	res, ok := p.LastResult("alpha")
	require.True(t, ok)
	assert.False(t, res.Healthy)
	assert.Equal(t, 80*time.Millisecond, res.Latency)
	assert.Equal(t, "degraded", res.Details)
}

func TestRecoveryClearsOwnCooldown(t *testing.T) {
	sink := newRecordSink()
	p, reg := newTestProber(t, sink)

	fake := providertest.New("alpha")
	fake.SetProbe(nil, errors.New("boom"))
	reg.Register(fake, types.Limits{MaxConcurrent: 4})

	ctx := context.Background()
	p.runOnce(ctx)
	require.Contains(t, sink.set, "alpha")

	fake.SetProbe(nil, nil)
	p.runOnce(ctx)

	assert.NotContains(t, sink.set, "alpha")
	assert.Equal(t, []string{"alpha"}, sink.cleared)

	res, ok := p.LastResult("alpha")
	require.True(t, ok)
	assert.True(t, res.Healthy)
}

func TestHealthyProbeLeavesForeignCooldownAlone(t *testing.T) {
	sink := newRecordSink()
	p, reg := newTestProber(t, sink)

	reg.Register(providertest.New("alpha"), types.Limits{MaxConcurrent: 4})

	// A cooldown placed by someone else must survive a healthy probe.
	sink.SetCooldown("alpha", time.Now().Add(time.Hour))
	p.runOnce(context.Background())

	assert.Contains(t, sink.set, "alpha")
	assert.Empty(t, sink.cleared)
}

func TestRepeatedFailureNeverShortensCooldown(t *testing.T) {
	sink := newRecordSink()
	p, reg := newTestProber(t, sink)

	fake := providertest.New("alpha")
	fake.SetProbe(nil, errors.New("still down"))
	reg.Register(fake, types.Limits{MaxConcurrent: 4})

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	// Seed a longer exclusion than the next failure would produce.
	far := at.Add(10 * time.Minute)
	p.cooldowns["alpha"] = far

	p.runOnce(context.Background())

	assert.Zero(t, sink.sets)
	assert.Equal(t, far, p.cooldowns["alpha"])
}

func TestStartHonorsEnabledFlag(t *testing.T) {
	sink := newRecordSink()
	reg := provider.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProber(Config{Enabled: false}, reg, sink, logger)

	p.Start(context.Background())
	assert.False(t, p.started.Load())
}
