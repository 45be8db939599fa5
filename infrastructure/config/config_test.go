package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/infrastructure/config"
	"engram/pkg/errors"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VECTOR_DB_URL", "http://localhost:6333")
	t.Setenv("EMBEDDING_URL", "http://localhost:8081/embed")
	t.Setenv("AGENT_ID", "agent-a")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.AutoCapture)
	assert.True(t, cfg.EnableAutoLink)
	assert.InDelta(t, 0.70, cfg.AutoLinkThreshold, 1e-9)
	assert.Equal(t, 500, cfg.CaptureMaxChars)
	assert.Equal(t, 2, cfg.SpreadActivationDepth)
	assert.Equal(t, 12, cfg.DreamIntervalHours)
	assert.Equal(t, "engram_shared", cfg.Collections.Shared)
	assert.Equal(t, "engram_shared", cfg.Partitions().Shared)
}

func TestLoad_MissingRequiredFails(t *testing.T) {
	t.Setenv("VECTOR_DB_URL", "")
	t.Setenv("EMBEDDING_URL", "http://localhost:8081")
	t.Setenv("AGENT_ID", "agent-a")

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestLoad_InvalidURLFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMBEDDING_URL", "not a url")

	_, err := config.Load()
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestLoad_ThresholdsClamped(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AUTO_LINK_THRESHOLD", "0.05")
	t.Setenv("CAPTURE_MAX_CHARS", "50")
	t.Setenv("SPREAD_ACTIVATION_DEPTH", "99")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.3, cfg.AutoLinkThreshold, 1e-9)
	assert.Equal(t, 100, cfg.CaptureMaxChars)
	assert.Equal(t, 5, cfg.SpreadActivationDepth)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	setRequiredEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("autoLinkThreshold: 0.85\nagentId: agent-from-file\n"), 0o644))
	t.Setenv("ENGRAM_CONFIG_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.85, cfg.AutoLinkThreshold, 1e-9)
	assert.Equal(t, "agent-from-file", cfg.AgentID)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")

	initial := config.Tunables{
		AutoLinkThreshold:     0.70,
		SpreadActivationDepth: 2,
		SpreadActivationDecay: 0.5,
		EnableAutoLink:        true,
	}
	w, err := config.NewWatcher(path, initial, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	changed := make(chan config.Tunables, 1)
	w.OnChange(func(tun config.Tunables) { changed <- tun })

	require.NoError(t, os.WriteFile(path,
		[]byte("autoLinkThreshold: 0.9\nspreadActivationDepth: 3\n"), 0o644))

	select {
	case tun := <-changed:
		assert.InDelta(t, 0.9, tun.AutoLinkThreshold, 1e-9)
		assert.Equal(t, 3, tun.SpreadActivationDepth)
		assert.True(t, tun.EnableAutoLink, "unset fields keep previous values")
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not pick up the change")
	}
}

func TestWatcher_InvalidFileKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("autoLinkThreshold: 0.8\n"), 0o644))

	w, err := config.NewWatcher(path, config.Tunables{AutoLinkThreshold: 0.7, SpreadActivationDepth: 2, SpreadActivationDecay: 0.5}, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.InDelta(t, 0.8, w.Current().AutoLinkThreshold, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("autoLinkThreshold: [broken"), 0o644))
	w.Start()
	time.Sleep(300 * time.Millisecond)

	assert.InDelta(t, 0.8, w.Current().AutoLinkThreshold, 1e-9)
}
