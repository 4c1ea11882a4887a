package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/sensorstore/internal/config"
	"github.com/devrev/sensorstore/internal/health"
	"github.com/devrev/sensorstore/internal/metrics"
	"github.com/devrev/sensorstore/internal/server"
	"github.com/devrev/sensorstore/internal/service"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger.Info("Configuration loaded",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("platform", string(cfg.Platform)),
		zap.Bool("disk_enabled", cfg.DiskEnabled()))

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry, cfg.InstanceID)

	svc, err := service.NewStorageService(cfg, logger, m)
	if err != nil {
		logger.Fatal("Failed to initialize storage engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hcCfg := &health.HealthCheckConfig{
		InstanceID:  cfg.InstanceID,
		Interval:    cfg.Manager.TickInterval,
		PressurePct: cfg.Pool.PressureThresholdPct,
		Stats:       svc,
	}
	if dm := svc.DiskUsage(); dm != nil {
		hcCfg.Disk = dm
		hcCfg.DataDir = cfg.Disk.BasePath
	}
	checker := health.NewHealthChecker(hcCfg, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:     cfg.Metrics.Port,
			Path:     cfg.Metrics.Path,
			Gatherer: registry,
			Health:   checker,
			Stats:    svc,
		}, m, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	managerErr := make(chan error, 1)
	go func() {
		managerErr <- svc.Manager().Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case err := <-managerErr:
		logger.Error("Manager exited unexpectedly", zap.Error(err))
	}

	checker.SetReadiness(false)
	if err := svc.SetShutdown(true); err != nil {
		logger.Error("Failed to start shutdown drain", zap.Error(err))
	}

	select {
	case <-svc.Manager().Done():
	case <-time.After(cfg.Manager.ShutdownTimeout):
		logger.Warn("Shutdown drain timed out, unflushed records will be lost",
			zap.Duration("timeout", cfg.Manager.ShutdownTimeout))
	}
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if err := svc.Close(); err != nil {
		logger.Error("Failed to close storage engine", zap.Error(err))
	}
}

// loadConfig reads CONFIG_PATH when set and falls back to the platform
// defaults otherwise.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.LoadConfig(path)
	}
	cfg := config.InitConfigDefaults()
	return cfg, cfg.Validate()
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
