package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesSpecDefaults(t *testing.T) {
	cfg := New()

	require.Equal(t, 100, cfg.Engine.MaxConcurrentMixes)
	require.Equal(t, int64(10), cfg.Engine.MinPoolSize)
	require.Equal(t, 3, cfg.Engine.MinCoinjoinParticipants)
	require.Equal(t, 3_600_000, cfg.Engine.MaxMixingTimeMs)
	require.Equal(t, 3, cfg.Engine.MaxRetryAttempts)
	require.Equal(t, 3_600_000, cfg.Recovery.IntegrityCheckIntervalMs)
	require.Equal(t, 300_000, cfg.Recovery.MonitoringIntervalMs)
	require.Equal(t, 10, cfg.Recovery.MaxInconsistentRecords)
	require.Equal(t, 90, cfg.Encryption.KeyRotationDays)
	require.True(t, cfg.Encryption.IntegrityCheckEnabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := []byte("engine:\n  max_concurrent_mixes: 7\nencryption:\n  master_key: \"0123456789012345678901234567890123456789\"\n")
	require.NoError(t, os.WriteFile(path, yamlBody, 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Engine.MaxConcurrentMixes)
	require.Equal(t, "0123456789012345678901234567890123456789", cfg.Encryption.MasterKey)
	// unset fields keep their defaults
	require.Equal(t, 3, cfg.Engine.MaxRetryAttempts)
}

func TestLoadFileMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Engine.MaxConcurrentMixes)
}
