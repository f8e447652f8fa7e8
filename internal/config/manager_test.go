package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, content string) (*Manager, string) {
	t.Helper()
	path := writeConfigFile(t, content)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, path
}

func TestManagerGet(t *testing.T) {
	mgr, _ := newTestManager(t, minimalConfig)

	cfg := mgr.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	require.Len(t, cfg.Providers, 1)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	mgr, path := newTestManager(t, minimalConfig)

	var notified *Config
	mgr.OnChange(func(c *Config) { notified = c })

	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
providers:
  - name: openai-primary
    type: openai
    api_key: test-key
    limits:
      max_concurrent: 8
`), 0o644))
	require.NoError(t, mgr.Reload())

	assert.Equal(t, 9090, mgr.Get().Server.Port)
	require.NotNil(t, notified)
	assert.Equal(t, 9090, notified.Server.Port)
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	mgr, path := newTestManager(t, minimalConfig)

	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o644))
	require.Error(t, mgr.Reload())

	assert.Equal(t, 8080, mgr.Get().Server.Port)
	assert.Len(t, mgr.Get().Providers, 1)
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	mgr, path := newTestManager(t, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9191
providers:
  - name: openai-primary
    type: openai
    api_key: test-key
    limits:
      max_concurrent: 8
`), 0o644))

	require.Eventually(t, func() bool {
		return mgr.Get().Server.Port == 9191
	}, 5*time.Second, 50*time.Millisecond)
}
