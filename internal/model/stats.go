package model

import "time"

// PoolStats mirrors the sector pool counters.
type PoolStats struct {
	SectorSize    int
	Total         int
	Free          int
	Used          int
	UsagePct      float64
	PeakUsagePct  float64
	Allocs        uint64
	Frees         uint64
	AllocFailures uint64
	InvalidFrees  uint64
}

// SensorStats describes one sensor store.
type SensorStats struct {
	SensorID       uint32
	Type           RecordType
	Source         Source
	Cursors        Cursors
	RAMSectors     int
	DiskSectors    int
	Adds           uint64
	AddFailures    uint64
	Consumed       uint64
	Erased         uint64
	LostRecords    uint64
	LockContention uint64
	LockMaxHold    time.Duration
}

// DiskStats aggregates the disk tier.
type DiskStats struct {
	Enabled        bool
	Bytes          int64
	Sectors        int
	Flushes        uint64
	FlushFailures  uint64
	QuotaDrops     uint64
	CorruptSectors uint64
	Compactions    uint64
}

// SystemStats is the snapshot served to the status layer.
type SystemStats struct {
	InstanceID     string
	Platform       string
	Sensors        int
	TotalRecords   uint64
	UnsentRecords  uint64
	PendingRecords uint64
	LostRecords    uint64
	Pool           PoolStats
	Disk           DiskStats
	AddLatencyP50  time.Duration
	AddLatencyP99  time.Duration
	Ticks          uint64
	LastTick       time.Time
	ShuttingDown   bool
	Drained        bool
}
