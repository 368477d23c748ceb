package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/provider"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// setupProject points the commands at a fresh project directory with an
// isolated global config.
func setupProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, key := range []string{config.EnvConfig, config.EnvConfigContent, config.EnvConfigDir, config.EnvPersistEnable, config.EnvPersistFolder} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	old := workDir
	workDir = dir
	t.Cleanup(func() { workDir = old })
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		sessionsJSON = false
		sessionsMatch = ""
		configDiff = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStoreOptions_RelativeFolder(t *testing.T) {
	cfg := &config.Config{}
	opts := storeOptions(cfg, "/srv/project")
	assert.True(t, opts.Enabled)
	assert.Equal(t, filepath.Join("/srv/project", storage.DefaultFolder), opts.Folder)

	enabled := true
	cfg.Session.Persist = config.PersistConfig{Enabled: &enabled, Folder: "/var/lib/agentd"}
	assert.Equal(t, "/var/lib/agentd", storeOptions(cfg, "/srv/project").Folder)
}

func TestSessionsCommands(t *testing.T) {
	dir := setupProject(t)

	store := storage.NewSessionStore(storage.Options{Enabled: true, Folder: filepath.Join(dir, storage.DefaultFolder)})
	trace := []*schema.Message{schema.UserMessage("hi"), schema.AssistantMessage("hello", nil)}
	require.NoError(t, store.Save(context.Background(), "s1", trace))

	out, err := execute(t, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "s1")

	out, err = execute(t, "sessions", "show", "s1", "--json")
	require.NoError(t, err)
	var rec storage.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "s1", rec.SessionID)
	assert.Len(t, rec.Trace, 2)

	_, err = execute(t, "sessions", "show", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err = execute(t, "sessions", "delete", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted s1")
	_, err = os.Stat(store.Path("s1"))
	assert.True(t, os.IsNotExist(err))
}

func TestSessionsList_Match(t *testing.T) {
	dir := setupProject(t)

	store := storage.NewSessionStore(storage.Options{Enabled: true, Folder: filepath.Join(dir, storage.DefaultFolder)})
	for _, id := range []string{"team-a-1", "team-a-2", "team-b-1"} {
		require.NoError(t, store.Save(context.Background(), id, []*schema.Message{schema.UserMessage("hi")}))
	}

	out, err := execute(t, "sessions", "list", "--match", "team-a-*")
	require.NoError(t, err)
	assert.Contains(t, out, "team-a-1")
	assert.Contains(t, out, "team-a-2")
	assert.NotContains(t, out, "team-b-1")

	_, err = execute(t, "sessions", "list", "--match", "team-[")
	assert.ErrorContains(t, err, "invalid --match pattern")
}

func TestSessionsCommands_PersistenceDisabled(t *testing.T) {
	setupProject(t)
	t.Setenv(config.EnvPersistEnable, "false")

	_, err := execute(t, "sessions", "list")
	assert.ErrorIs(t, err, storage.ErrDisabled)
}

func TestRedacted(t *testing.T) {
	cfg := &config.Config{Provider: map[string]provider.Config{
		"openai": {APIKey: "sk-secret", BaseURL: "http://localhost"},
		"ark":    {},
	}}

	out := redacted(cfg)
	assert.Equal(t, "****", out.Provider["openai"].APIKey)
	assert.Equal(t, "http://localhost", out.Provider["openai"].BaseURL)
	assert.Empty(t, out.Provider["ark"].APIKey)
	assert.Equal(t, "sk-secret", cfg.Provider["openai"].APIKey)
}

func TestConfigDiff(t *testing.T) {
	setupProject(t)
	t.Setenv(config.EnvPersistEnable, "false")

	out, err := execute(t, "config", "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, `-       "enabled": true`)
	assert.Contains(t, out, `+       "enabled": false`)
	assert.NotContains(t, out, `"port"`)
}

func TestConfigDiff_NoChanges(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printConfigDiff(&out, config.Defaults(), config.Defaults()))
	assert.Equal(t, "No changes from the defaults\n", out.String())
}

func TestApplyReload(t *testing.T) {
	rt := agent.NewLLMRuntime(agent.NewRegistry(), provider.NewRegistry(nil), agent.Options{})
	manager := session.NewManager(rt, session.DefaultConfig())
	defer logging.SetLevel(logging.InfoLevel)

	limit := 5
	next := config.Defaults()
	next.Log.Level = "DEBUG"
	next.Session.MaxSessions = &limit
	applyReload(serveCmd, manager, next)

	assert.Equal(t, logging.DebugLevel, logging.GetLevel())
	require.NotNil(t, manager.MaxSessions())
	assert.Equal(t, 5, *manager.MaxSessions())

	zero := 0
	next.Session.MaxSessions = &zero
	applyReload(serveCmd, manager, next)
	assert.Nil(t, manager.MaxSessions())
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentd "+Version)
}
