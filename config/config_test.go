package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojostore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  dir: /var/lib/gojostore
  page_size: 8192
  checkpoint_interval: 30s
  truncate_wal: true
  wal:
    durability: group
    group_commit_interval: 5ms
  buffer_pool:
    frames: 4096
  btree:
    max_key_size: 32
backup:
  rate_limit: 1048576
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9100
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/gojostore", cfg.Engine.Dir)
	assert.Equal(t, "/var/lib/gojostore/wal", cfg.Engine.WAL.Dir)
	assert.Equal(t, 8192, cfg.Engine.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.CheckpointInterval)
	assert.True(t, cfg.Engine.TruncateWAL)
	assert.Equal(t, "group", cfg.Engine.WAL.Durability)
	assert.Equal(t, 5*time.Millisecond, cfg.Engine.WAL.GroupCommitInterval)
	assert.Equal(t, int64(wal.DefaultSegmentSize), cfg.Engine.WAL.SegmentSize)
	assert.Equal(t, 4096, cfg.Engine.BufferPool.Frames)
	assert.Equal(t, 32, cfg.Engine.Tree.MaxKeySize)
	assert.Equal(t, int64(1<<20), cfg.Backup.RateLimit)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "stderr", cfg.Logger.OutputFile)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 9100, cfg.Telemetry.PrometheusPort)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Error(t, cfg.Validate(), "an engine dir is required")

	cfg.SetDir(t.TempDir())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(cfg.Engine.Dir, "wal"), cfg.Engine.WAL.Dir)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "engine: [not, a, map]"))
	require.Error(t, err)
}

func TestValidateCollectsEverySection(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Engine.PageSize = 100
	cfg.Logger.Level = "shout"
	cfg.Telemetry.TraceSampleRatio = 3
	cfg.Backup.RateLimit = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, part := range []string{"engine:", "logger:", "telemetry:", "backup.rate_limit"} {
		assert.Contains(t, err.Error(), part)
	}
}
