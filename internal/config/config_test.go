package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Bind)
	assert.True(t, cfg.Development())
	assert.Equal(t, 5, cfg.Auth.LockoutThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Auth.LockoutDuration)
	assert.GreaterOrEqual(t, cfg.Auth.BcryptCost, 12)
	assert.Equal(t, int64(5000), cfg.Fines.BaseCents)
	assert.Equal(t, 10, cfg.Fines.BanAt)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.DedupeWindow)
	assert.Equal(t, 5, cfg.Dispatch.MaxRequests)
	assert.Equal(t, "haven-events", cfg.Events.PubSubTopic)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  bind: ":9000"
  env: production
auth:
  lockout_threshold: 3
dispatch:
  dedupe_window: 5m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Bind)
	assert.False(t, cfg.Development())
	assert.Equal(t, 3, cfg.Auth.LockoutThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.DedupeWindow)
	// Untouched keys still pick up defaults.
	assert.Equal(t, 10, cfg.Fines.BanAt)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Bind)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HAVEN_BIND", ":7000")
	t.Setenv("HAVEN_ENV", "staging")
	t.Setenv("HAVEN_HMAC_SECRET", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Bind)
	assert.Equal(t, "staging", cfg.Server.Env)
	assert.Equal(t, "from-env", cfg.Auth.HMACSecret)
	assert.False(t, cfg.Development())
}
