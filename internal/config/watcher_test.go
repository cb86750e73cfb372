package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherNonExistent(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nonexistent.yml"), slog.Default())
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
upstream:
  default: "cloudflare-dns.com"
`)

	watcher, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	assert.Equal(t, "cloudflare-dns.com", watcher.Config().Upstream.Default)

	changed := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	// Give the watcher time to enter its loop.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  default: "dns.google"
`), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "dns.google", cfg.Upstream.Default)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}

	assert.Equal(t, "dns.google", watcher.Config().Upstream.Default)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
upstream:
  default: "cloudflare-dns.com"
`)

	watcher, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: "loud"
`), 0o600))

	require.Error(t, watcher.reload())
	assert.Equal(t, "cloudflare-dns.com", watcher.Config().Upstream.Default)
}
