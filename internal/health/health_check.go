package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/diskmanager"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// StatsProvider supplies the engine snapshot the checks evaluate.
type StatsProvider interface {
	SystemStats() model.SystemStats
}

// DiskUsageProvider reports filesystem usage for the disk tier.
type DiskUsageProvider interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker performs health checks for the storage engine
type HealthChecker struct {
	instanceID  string
	dataDir     string
	interval    time.Duration
	pressurePct float64
	stats       StatsProvider
	disk        DiskUsageProvider
	logger      *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.EngineStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks.
// DataDir and Disk are left empty when the disk tier is off.
type HealthCheckConfig struct {
	InstanceID  string
	DataDir     string
	Interval    time.Duration
	PressurePct float64
	Stats       StatsProvider
	Disk        DiskUsageProvider
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	pressure := cfg.PressurePct
	if pressure <= 0 {
		pressure = 90
	}
	return &HealthChecker{
		instanceID:  cfg.InstanceID,
		dataDir:     cfg.DataDir,
		interval:    interval,
		pressurePct: pressure,
		stats:       cfg.Stats,
		disk:        cfg.Disk,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.EngineStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check once and updates the overall status
func (h *HealthChecker) RunChecks() {
	var st model.SystemStats
	if h.stats != nil {
		st = h.stats.SystemStats()
	}

	results := []CheckResult{
		h.checkPoolPressure(st),
		h.checkShutdown(st),
		h.checkCorruption(st),
	}
	var diskPct float64
	if h.disk != nil {
		var r CheckResult
		r, diskPct = h.checkDiskSpace()
		results = append(results, r)
	}
	if h.dataDir != "" {
		results = append(results, h.checkDataDirAccessible())
	}

	allHealthy := true
	allReady := true
	for _, r := range results {
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	switch {
	case !allReady:
		h.status = model.EngineStatusUnhealthy
	case !allHealthy:
		h.status = model.EngineStatusDegraded
	default:
		h.status = model.EngineStatusHealthy
	}
	h.metrics = model.HealthMetrics{
		PoolUsagePct:   st.Pool.UsagePct,
		DiskUsagePct:   diskPct,
		UnsentRecords:  st.UnsentRecords,
		CorruptSectors: st.Disk.CorruptSectors,
	}

	// Liveness: always true if we can execute this function
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkPoolPressure flags a pool running out of sectors
func (h *HealthChecker) checkPoolPressure(st model.SystemStats) CheckResult {
	pct := st.Pool.UsagePct
	switch {
	case st.Pool.Total > 0 && st.Pool.Free == 0:
		return result("pool_pressure", StatusCritical, fmt.Sprintf("Sector pool exhausted (%d sectors)", st.Pool.Total))
	case pct >= h.pressurePct:
		return result("pool_pressure", StatusWarning, fmt.Sprintf("Sector pool usage high: %.2f%%", pct))
	}
	return result("pool_pressure", StatusHealthy, fmt.Sprintf("Sector pool usage: %.2f%%", pct))
}

// checkShutdown reports not-ready once a drain has been requested
func (h *HealthChecker) checkShutdown(st model.SystemStats) CheckResult {
	if !st.ShuttingDown {
		return result("shutdown", StatusHealthy, "Accepting records")
	}
	if st.Drained {
		return result("shutdown", StatusCritical, "Shutdown drain complete")
	}
	return result("shutdown", StatusCritical, "Shutdown drain in progress")
}

func (h *HealthChecker) checkCorruption(st model.SystemStats) CheckResult {
	if st.Disk.CorruptSectors > 0 {
		return result("disk_integrity", StatusWarning,
			fmt.Sprintf("%d disk sectors failed verification", st.Disk.CorruptSectors))
	}
	return result("disk_integrity", StatusHealthy, "No corrupt sectors")
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace() (CheckResult, float64) {
	usage := h.disk.GetDiskUsage()
	pct := usage.UsagePercent

	if usage.IsCircuitBroken {
		return result("disk_space", StatusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", pct)), pct
	}
	if usage.IsThrottled {
		return result("disk_space", StatusWarning, fmt.Sprintf("Disk usage high: %.2f%%", pct)), pct
	}
	return result("disk_space", StatusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", pct, float64(usage.AvailableBytes)/1024/1024/1024)), pct
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", StatusCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", StatusHealthy, "Data directory is accessible and writable")
}

func result(name, status, msg string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: msg, Timestamp: time.Now()}
}

// IsLive returns whether the engine is live (liveness check)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the engine is ready (readiness check)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		InstanceID: h.instanceID,
		Status:     h.status,
		Timestamp:  h.lastCheck.Unix(),
		Metrics:    h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"checks":  h.GetChecks(),
		"metrics": status.Metrics,
	})
}
