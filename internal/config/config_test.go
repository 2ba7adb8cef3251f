package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 300, cfg.InterruptDeadlineSeconds)
	require.Equal(t, 4, cfg.WorkerPoolSize)
	require.Equal(t, 8, cfg.MaxConcurrentMissions)
	require.Equal(t, 600, cfg.DefaultTaskTimeoutSeconds)
	require.True(t, cfg.FailFastDefault)
	require.Equal(t, 256, cfg.EventSubscriberBuffer)
	require.Equal(t, 300*time.Second, cfg.InterruptDeadline())
}

func TestLoadWithMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missionctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_pool_size = 16
fail_fast_default = false

[redis]
addr = "redis:6379"

[mongo]
uri = "mongodb://localhost"
database = "missionctl"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.WorkerPoolSize)
	require.False(t, cfg.FailFastDefault)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "missionctl", cfg.Mongo.Database)
	// Unset fields still get their defaults.
	require.Equal(t, 300, cfg.InterruptDeadlineSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missionctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`worker_pool_size = 16`), 0o644))

	t.Setenv("MISSIONCTL_WORKER_POOL_SIZE", "32")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.WorkerPoolSize)
}
