package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devrev/sensorstore/internal/model"
)

const namespace = "sensorstore"

// Metrics holds all Prometheus metrics for the storage engine
type Metrics struct {
	// Ring operation metrics
	AddsTotal         prometheus.Counter
	AddFailuresTotal  *prometheus.CounterVec
	ConsumedTotal     prometheus.Counter
	ErasedTotal       prometheus.Counter
	LostRecords       prometheus.Gauge
	AddLatencySeconds *prometheus.GaugeVec

	// Pool metrics
	PoolSectorsTotal   prometheus.Gauge
	PoolSectorsFree    prometheus.Gauge
	PoolUsagePercent   prometheus.Gauge
	PoolAllocFailures  prometheus.Gauge
	PoolPressureEvents prometheus.Counter

	// Disk tier metrics
	DiskFlushesTotal       prometheus.Counter
	DiskFlushFailuresTotal *prometheus.CounterVec
	DiskFlushDuration      prometheus.Histogram
	DiskBytes              prometheus.Gauge
	DiskSectors            prometheus.Gauge
	DiskCorruptSectors     prometheus.Gauge
	DiskQuotaDroppedTotal  prometheus.Counter

	// Manager metrics
	TicksTotal      prometheus.Counter
	TickDuration    prometheus.Histogram
	ForceSealsTotal prometheus.Counter
	SensorsTotal    prometheus.Gauge
	UnsentRecords   prometheus.Gauge
	PendingRecords  prometheus.Gauge
	ShuttingDown    prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg falls back to the default registerer.
func NewMetrics(reg prometheus.Registerer, instanceID string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"instance_id": instanceID}

	return &Metrics{
		AddsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "adds_total",
			Help:        "Total number of records appended",
			ConstLabels: labels,
		}),
		AddFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "add_failures_total",
			Help:        "Total number of rejected appends by error code",
			ConstLabels: labels,
		}, []string{"code"}),
		ConsumedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "consumed_total",
			Help:        "Total number of records handed to consumers",
			ConstLabels: labels,
		}),
		ErasedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "erased_total",
			Help:        "Total number of acknowledged records released",
			ConstLabels: labels,
		}),
		LostRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "lost_records",
			Help:        "Records skipped because their sector was unreadable or dropped",
			ConstLabels: labels,
		}),
		AddLatencySeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "add_latency_seconds",
			Help:        "Sampled add latency quantiles",
			ConstLabels: labels,
		}, []string{"quantile"}),

		PoolSectorsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "sectors_total",
			Help:        "Number of sectors in the pool",
			ConstLabels: labels,
		}),
		PoolSectorsFree: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "sectors_free",
			Help:        "Number of free sectors",
			ConstLabels: labels,
		}),
		PoolUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "usage_percent",
			Help:        "Pool usage percentage",
			ConstLabels: labels,
		}),
		PoolAllocFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "alloc_failures",
			Help:        "Allocations refused because the pool was empty",
			ConstLabels: labels,
		}),
		PoolPressureEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "pressure_events_total",
			Help:        "Times pool usage crossed the pressure threshold",
			ConstLabels: labels,
		}),

		DiskFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "flushes_total",
			Help:        "Total number of sectors flushed to disk",
			ConstLabels: labels,
		}),
		DiskFlushFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "flush_failures_total",
			Help:        "Total number of failed flushes by error code",
			ConstLabels: labels,
		}, []string{"code"}),
		DiskFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "flush_duration_seconds",
			Help:        "Duration of a single sector flush",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DiskBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "bytes",
			Help:        "Bytes held by the disk tier",
			ConstLabels: labels,
		}),
		DiskSectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "sectors",
			Help:        "Sectors held by the disk tier",
			ConstLabels: labels,
		}),
		DiskCorruptSectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "corrupt_sectors",
			Help:        "Sectors that failed verification",
			ConstLabels: labels,
		}),
		DiskQuotaDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "disk",
			Name:        "quota_dropped_records_total",
			Help:        "Records discarded to keep a sensor within its disk quota",
			ConstLabels: labels,
		}),

		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "ticks_total",
			Help:        "Total number of manager ticks",
			ConstLabels: labels,
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "tick_duration_seconds",
			Help:        "Duration of a manager tick",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ForceSealsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "force_seals_total",
			Help:        "Partially filled sectors sealed because they aged out",
			ConstLabels: labels,
		}),
		SensorsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "sensors",
			Help:        "Number of registered sensors",
			ConstLabels: labels,
		}),
		UnsentRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "unsent_records",
			Help:        "Records not yet handed to a consumer",
			ConstLabels: labels,
		}),
		PendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "pending_records",
			Help:        "Records handed out but not yet acknowledged",
			ConstLabels: labels,
		}),
		ShuttingDown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "manager",
			Name:        "shutting_down",
			Help:        "1 while the engine is draining for shutdown",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap allocation in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordAdd records the outcome of an append
func (m *Metrics) RecordAdd(code string) {
	if code == "" {
		m.AddsTotal.Inc()
		return
	}
	m.AddFailuresTotal.WithLabelValues(code).Inc()
}

// RecordConsume records records handed to the consumer
func (m *Metrics) RecordConsume(consumed int) {
	m.ConsumedTotal.Add(float64(consumed))
}

// RecordErase records acknowledged records
func (m *Metrics) RecordErase(n uint64) {
	m.ErasedTotal.Add(float64(n))
}

// RecordFlush records a sector flush attempt
func (m *Metrics) RecordFlush(duration time.Duration, code string) {
	m.DiskFlushDuration.Observe(duration.Seconds())
	if code == "" {
		m.DiskFlushesTotal.Inc()
		return
	}
	m.DiskFlushFailuresTotal.WithLabelValues(code).Inc()
}

// RecordQuotaDrop records records discarded by quota enforcement
func (m *Metrics) RecordQuotaDrop(records uint64) {
	m.DiskQuotaDroppedTotal.Add(float64(records))
}

// RecordPoolPressure records a pressure crossing
func (m *Metrics) RecordPoolPressure() {
	m.PoolPressureEvents.Inc()
}

// RecordTick records a manager tick
func (m *Metrics) RecordTick(duration time.Duration, forceSealed int) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(duration.Seconds())
	m.ForceSealsTotal.Add(float64(forceSealed))
}

// UpdateFromStats copies a stats snapshot into the gauges
func (m *Metrics) UpdateFromStats(st model.SystemStats) {
	m.SensorsTotal.Set(float64(st.Sensors))
	m.UnsentRecords.Set(float64(st.UnsentRecords))
	m.PendingRecords.Set(float64(st.PendingRecords))
	m.LostRecords.Set(float64(st.LostRecords))
	if st.ShuttingDown {
		m.ShuttingDown.Set(1)
	} else {
		m.ShuttingDown.Set(0)
	}

	m.PoolSectorsTotal.Set(float64(st.Pool.Total))
	m.PoolSectorsFree.Set(float64(st.Pool.Free))
	m.PoolUsagePercent.Set(st.Pool.UsagePct)
	m.PoolAllocFailures.Set(float64(st.Pool.AllocFailures))

	m.DiskBytes.Set(float64(st.Disk.Bytes))
	m.DiskSectors.Set(float64(st.Disk.Sectors))
	m.DiskCorruptSectors.Set(float64(st.Disk.CorruptSectors))

	m.AddLatencySeconds.WithLabelValues("0.5").Set(st.AddLatencyP50.Seconds())
	m.AddLatencySeconds.WithLabelValues("0.99").Set(st.AddLatencyP99.Seconds())
}

// UpdateSystemStats updates process-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
