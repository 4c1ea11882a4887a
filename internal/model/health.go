package model

// HealthStatus represents the health state of the storage engine
type HealthStatus struct {
	InstanceID string
	Status     EngineStatus
	Timestamp  int64
	Metrics    HealthMetrics
}

// EngineStatus defines the operational status of the engine
type EngineStatus string

const (
	EngineStatusHealthy   EngineStatus = "healthy"
	EngineStatusDegraded  EngineStatus = "degraded"
	EngineStatusUnhealthy EngineStatus = "unhealthy"
)

// HealthMetrics contains the figures health checks evaluate
type HealthMetrics struct {
	PoolUsagePct   float64
	DiskUsagePct   float64
	UnsentRecords  uint64
	CorruptSectors uint64
}
