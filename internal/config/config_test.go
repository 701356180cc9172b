package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, SchedulerExternal, cfg.Scheduler.Mode)
	assert.Equal(t, SessionIDLenient, cfg.Pulse.SessionIDMode)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FIREBASE_PROJECT_ID", "cachebash-prod")
	t.Setenv("INTERNAL_API_KEY", "secret-1")
	t.Setenv("SCHEDULER_MODE", "embedded")
	t.Setenv("MCP_ALLOWED_HOSTS", "api.cachebash.dev, localhost:8080")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "cachebash-prod", cfg.Store.ProjectID)
	assert.Equal(t, "secret-1", cfg.Internal.APIKey)
	assert.Equal(t, SchedulerEmbedded, cfg.Scheduler.Mode)
	assert.Equal(t, []string{"api.cachebash.dev", "localhost:8080"}, cfg.MCP.AllowedHosts)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cachebash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
wake:
  host_url: http://hosts.internal:9999
`), 0o600))

	t.Setenv("CACHEBASH_CONFIG", path)
	t.Setenv("PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Server.Port)
	assert.Equal(t, "http://hosts.internal:9999", cfg.Wake.HostURL)
}

func TestLoadRejectsUnknownModes(t *testing.T) {
	t.Setenv("SCHEDULER_MODE", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}
