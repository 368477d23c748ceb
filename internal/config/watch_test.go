package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSources(t *testing.T) {
	dir := isolate(t)
	override := filepath.Join(dir, "override.json")
	t.Setenv(EnvConfig, override)

	got := Sources(dir)
	require.Len(t, got, 7)
	assert.Equal(t, filepath.Join(GetConfigDir(), "agentd.json"), got[0])
	assert.Equal(t, filepath.Join(dir, ".agentd", "agentd.jsonc"), got[5])
	assert.Equal(t, override, got[6])

	assert.Len(t, Sources(""), 3)
}

func startWatcher(t *testing.T, dir string) <-chan *Config {
	t.Helper()
	changes := make(chan *Config, 8)
	w, err := NewWatcher(dir, func(cfg *Config) { changes <- cfg })
	require.NoError(t, err)
	w.SetDelay(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return changes
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "agentd.jsonc")
	writeConfig(t, path, `{"session": {"maxSessions": 3}}`)

	changes := startWatcher(t, dir)
	writeConfig(t, path, `{"session": {"maxSessions": 7}, "log": {"level": "DEBUG"}}`)

	select {
	case cfg := <-changes:
		require.NotNil(t, cfg.SessionLimit())
		assert.Equal(t, 7, *cfg.SessionLimit())
		assert.Equal(t, "DEBUG", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file changed")
	}
}

func TestWatcher_PicksUpNewFile(t *testing.T) {
	dir := isolate(t)
	changes := startWatcher(t, dir)

	writeConfig(t, filepath.Join(dir, "agentd.json"), `{"model": "openai/gpt-4o"}`)

	select {
	case cfg := <-changes:
		assert.Equal(t, "openai/gpt-4o", cfg.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file was created")
	}
}

func TestWatcher_IgnoresOtherFilesAndBadConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "agentd.json")
	writeConfig(t, path, `{}`)
	changes := startWatcher(t, dir)

	writeConfig(t, filepath.Join(dir, "notes.txt"), "unrelated")
	writeConfig(t, path, `{not json`)

	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	writeConfig(t, path, `{"model": "anthropic/claude-sonnet-4"}`)
	select {
	case cfg := <-changes:
		assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file was fixed")
	}
}
