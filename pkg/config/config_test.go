package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 20*time.Second, cfg.Thresholds.UnhealthyTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Thresholds.StartupGracePeriod.Std())
	assert.Equal(t, 30*time.Second, cfg.Thresholds.DrainTimeout.Std())
	assert.Equal(t, uint64(types.WalSegmentSize), cfg.Thresholds.EnableSyncWalThreshold)
	assert.Equal(t, uint64(types.WalSegmentSize), cfg.Thresholds.PromoteWalThreshold)
	assert.False(t, cfg.Raft.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:7070"
data_dir: "/tmp/pgpilot-test"
thresholds:
  unhealthy_timeout: 45s
  drain_timeout: 1m
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.Thresholds.UnhealthyTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Thresholds.DrainTimeout.Std())
	// Untouched values keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Thresholds.StartupGracePeriod.Std())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  unhealthy_timeout: "soon"
`), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Raft.Enabled = true
	cfg.Raft.BindAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Thresholds.DrainTimeout = 0
	assert.Error(t, cfg.Validate())
}
