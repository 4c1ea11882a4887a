package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Platforms(t *testing.T) {
	linux := DefaultConfig(PlatformLinux)
	require.NoError(t, linux.Validate())
	assert.True(t, linux.DiskEnabled())
	assert.Equal(t, 4096, linux.Pool.SectorSize)
	assert.Equal(t, 4096, linux.Disk.SectorSize)
	assert.True(t, linux.CRC())

	mcu := DefaultConfig(PlatformMCU)
	require.NoError(t, mcu.Validate())
	assert.False(t, mcu.DiskEnabled())
	assert.Equal(t, 256, mcu.Pool.SectorSize)
	assert.Equal(t, 64, mcu.Pool.SectorCount)
	assert.Equal(t, 100*time.Millisecond, mcu.Manager.TickInterval)
	assert.Equal(t, 100*time.Millisecond, linux.Manager.TickInterval)

	off := false
	linux.Disk.Enabled = &off
	assert.False(t, linux.DiskEnabled())

	assert.NoError(t, InitConfigDefaults().Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
platform: linux
crc_enabled: false
pool:
  sector_size: 512
  sector_count: 32
  flush_threshold_pct: 60
disk:
  enabled: true
  base_path: /tmp/sensorstore
  sector_size: 1024
  quota_bytes: 65536
  sync: true
manager:
  tick_interval: 250ms
  force_seal_interval: 5s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.CRC())
	assert.Equal(t, 512, cfg.Pool.SectorSize)
	assert.Equal(t, 60.0, cfg.Pool.FlushThresholdPct)
	assert.Equal(t, 90.0, cfg.Pool.PressureThresholdPct)
	assert.Equal(t, 1024, cfg.Disk.SectorSize)
	assert.Equal(t, int64(65536), cfg.Disk.QuotaBytes)
	assert.Equal(t, 80.0, cfg.Disk.QuotaTargetPct)
	assert.True(t, cfg.Disk.Sync)
	assert.Equal(t, 250*time.Millisecond, cfg.Manager.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Manager.ForceSealInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: ["), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown platform", func(c *Config) { c.Platform = "rtos" }},
		{"sector too small", func(c *Config) { c.Pool.SectorSize = 16 }},
		{"flush threshold", func(c *Config) { c.Pool.FlushThresholdPct = 150 }},
		{"disk sector smaller than ram", func(c *Config) { c.Disk.SectorSize = 512 }},
		{"no quota", func(c *Config) { c.Disk.QuotaBytes = -1 }},
		{"no base path", func(c *Config) { c.Disk.BasePath = "" }},
		{"pressure threshold", func(c *Config) { c.Pool.PressureThresholdPct = -1 }},
		{"tick interval", func(c *Config) { c.Manager.TickInterval = -time.Second }},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(PlatformLinux)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
