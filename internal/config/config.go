package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform selects the storage profile.
type Platform string

const (
	// PlatformMCU keeps everything in a small RAM pool; no disk tier.
	PlatformMCU Platform = "mcu"
	// PlatformLinux adds the disk tier under a base path.
	PlatformLinux Platform = "linux"
)

// PoolConfig holds sector pool configuration
type PoolConfig struct {
	SectorSize           int     `yaml:"sector_size"`
	SectorCount          int     `yaml:"sector_count"`
	FlushThresholdPct    float64 `yaml:"flush_threshold_pct"`
	PressureThresholdPct float64 `yaml:"pressure_threshold_pct"`
	ArenaPath            string  `yaml:"arena_path"`
}

// DiskConfig holds disk tier configuration
type DiskConfig struct {
	Enabled                 *bool         `yaml:"enabled"`
	SectorSize              int           `yaml:"sector_size"`
	QuotaBytes              int64         `yaml:"quota_bytes"`
	QuotaTargetPct          float64       `yaml:"quota_target_pct"`
	BasePath                string        `yaml:"base_path"`
	Sync                    bool          `yaml:"sync"`
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// ManagerConfig holds maintenance loop configuration
type ManagerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	ForceSealInterval time.Duration `yaml:"force_seal_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RecoveryWorkers   int           `yaml:"recovery_workers"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the storage engine
type Config struct {
	Platform           Platform      `yaml:"platform"`
	InstanceID         string        `yaml:"instance_id"`
	CRCEnabled         *bool         `yaml:"crc_enabled"`
	MaxSensors         int           `yaml:"max_sensors"`
	LatencySampleEvery int           `yaml:"latency_sample_every"`
	Pool               PoolConfig    `yaml:"pool"`
	Disk               DiskConfig    `yaml:"disk"`
	Manager            ManagerConfig `yaml:"manager"`
	Metrics            MetricsConfig `yaml:"metrics"`
	Logging            LoggingConfig `yaml:"logging"`
}

// CRC reports whether sealed sectors carry a checksum. Defaults to true.
func (c *Config) CRC() bool {
	return c.CRCEnabled == nil || *c.CRCEnabled
}

// DiskEnabled reports whether the disk tier is active.
func (c *Config) DiskEnabled() bool {
	return c.Platform == PlatformLinux && (c.Disk.Enabled == nil || *c.Disk.Enabled)
}

// InitConfigDefaults returns the defaults for the platform the process runs on.
func InitConfigDefaults() *Config {
	if runtime.GOOS == "linux" {
		return DefaultConfig(PlatformLinux)
	}
	return DefaultConfig(PlatformMCU)
}

// DefaultConfig returns a complete configuration for platform.
func DefaultConfig(platform Platform) *Config {
	cfg := &Config{Platform: platform}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Platform == "" {
		cfg.Platform = PlatformLinux
	}
	linux := cfg.Platform == PlatformLinux

	if cfg.CRCEnabled == nil {
		on := true
		cfg.CRCEnabled = &on
	}
	if cfg.MaxSensors == 0 {
		cfg.MaxSensors = 512
	}
	if cfg.LatencySampleEvery == 0 {
		cfg.LatencySampleEvery = 64
	}

	if cfg.Pool.SectorSize == 0 {
		if linux {
			cfg.Pool.SectorSize = 4096
		} else {
			cfg.Pool.SectorSize = 256
		}
	}
	if cfg.Pool.SectorCount == 0 {
		if linux {
			cfg.Pool.SectorCount = 1024
		} else {
			cfg.Pool.SectorCount = 64
		}
	}
	if cfg.Pool.FlushThresholdPct == 0 {
		cfg.Pool.FlushThresholdPct = 75
	}
	if cfg.Pool.PressureThresholdPct == 0 {
		cfg.Pool.PressureThresholdPct = 90
	}

	if linux {
		if cfg.Disk.BasePath == "" {
			cfg.Disk.BasePath = "/var/lib/sensorstore"
		}
		if cfg.Disk.SectorSize == 0 {
			cfg.Disk.SectorSize = cfg.Pool.SectorSize
		}
		if cfg.Disk.QuotaBytes == 0 {
			cfg.Disk.QuotaBytes = 64 * 1024 * 1024
		}
		if cfg.Disk.QuotaTargetPct == 0 {
			cfg.Disk.QuotaTargetPct = 80
		}
		if cfg.Disk.CheckInterval == 0 {
			cfg.Disk.CheckInterval = 10 * time.Second
		}
		if cfg.Disk.WarningThreshold == 0 {
			cfg.Disk.WarningThreshold = 80
		}
		if cfg.Disk.ThrottleThreshold == 0 {
			cfg.Disk.ThrottleThreshold = 90
		}
		if cfg.Disk.CircuitBreakerThreshold == 0 {
			cfg.Disk.CircuitBreakerThreshold = 95
		}
	}

	if cfg.Manager.TickInterval == 0 {
		cfg.Manager.TickInterval = 100 * time.Millisecond
	}
	if cfg.Manager.ForceSealInterval == 0 {
		cfg.Manager.ForceSealInterval = 30 * time.Second
	}
	if cfg.Manager.ShutdownTimeout == 0 {
		cfg.Manager.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Manager.RecoveryWorkers == 0 {
		cfg.Manager.RecoveryWorkers = 4
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformMCU, PlatformLinux:
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.Pool.SectorSize < 36 {
		return fmt.Errorf("pool sector_size must be at least 36 bytes")
	}
	if c.Pool.SectorCount <= 0 {
		return fmt.Errorf("pool sector_count must be positive")
	}
	if c.Pool.FlushThresholdPct <= 0 || c.Pool.FlushThresholdPct > 100 {
		return fmt.Errorf("pool flush_threshold_pct must be in (0, 100]")
	}
	if c.Pool.PressureThresholdPct <= 0 || c.Pool.PressureThresholdPct > 100 {
		return fmt.Errorf("pool pressure_threshold_pct must be in (0, 100]")
	}
	if c.MaxSensors <= 0 {
		return fmt.Errorf("max_sensors must be positive")
	}
	if c.LatencySampleEvery < 0 {
		return fmt.Errorf("latency_sample_every must not be negative")
	}
	if c.DiskEnabled() {
		if c.Disk.BasePath == "" {
			return fmt.Errorf("disk base_path is required")
		}
		if c.Disk.SectorSize < c.Pool.SectorSize {
			return fmt.Errorf("disk sector_size %d is smaller than pool sector_size %d", c.Disk.SectorSize, c.Pool.SectorSize)
		}
		if c.Disk.QuotaBytes <= 0 {
			return fmt.Errorf("disk quota_bytes must be positive")
		}
		if c.Disk.QuotaTargetPct <= 0 || c.Disk.QuotaTargetPct > 100 {
			return fmt.Errorf("disk quota_target_pct must be in (0, 100]")
		}
	}
	if c.Manager.TickInterval <= 0 {
		return fmt.Errorf("manager tick_interval must be positive")
	}
	if c.Manager.ForceSealInterval <= 0 {
		return fmt.Errorf("manager force_seal_interval must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	return nil
}
