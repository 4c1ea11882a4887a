// Package service exposes the storage engine to its host: a sensor table
// addressed by handles, the producer and consumer operations, and the
// maintenance manager that flushes, drains and reports.
package service

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/sensorstore/internal/config"
	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/metrics"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/diskmanager"
	"github.com/devrev/sensorstore/internal/storage/disktier"
	"github.com/devrev/sensorstore/internal/storage/ring"
	"github.com/devrev/sensorstore/internal/storage/sector"
	"github.com/devrev/sensorstore/internal/validation"
)

// SensorHandle addresses a sensor in the service's table. Handles stay
// valid for the life of the service.
type SensorHandle uint32

type sensorEntry struct {
	store *ring.SensorStore
	disk  *disktier.DiskFile // nil when the disk tier is off
}

// StorageService is the main orchestration layer for storage operations
type StorageService struct {
	cfg        *config.Config
	instanceID string
	pool       *sector.Pool
	arena      *sector.Arena
	tier       *disktier.Tier
	diskMgr    *diskmanager.DiskManager
	validator  *validation.Validator
	metrics    *metrics.Metrics
	latency    *latencyTracker
	manager    *ManagerService
	logger     *zap.Logger
	clock      func() time.Time

	initMu  sync.Mutex
	mu      sync.RWMutex
	sensors []*sensorEntry
	byID    map[uint32]SensorHandle

	shuttingDown atomic.Bool
	closed       atomic.Bool
}

// NewStorageService validates cfg, builds the sector pool and, on Linux,
// opens the disk tier and restores every persisted sensor. A nil m gets a
// private registry.
func NewStorageService(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*StorageService, error) {
	if cfg == nil {
		return nil, sserrors.Invalid("config is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, sserrors.Invalid("invalid config", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry(), instanceID)
	}
	logger = logger.With(zap.String("instance_id", instanceID))

	s := &StorageService{
		cfg:        cfg,
		instanceID: instanceID,
		validator:  validation.NewValidatorWithLimits(cfg.MaxSensors, 0),
		metrics:    m,
		latency:    newLatencyTracker(cfg.LatencySampleEvery),
		logger:     logger,
		clock:      time.Now,
		byID:       make(map[uint32]SensorHandle),
	}

	if err := s.openPool(); err != nil {
		return nil, err
	}
	if cfg.DiskEnabled() {
		if err := s.openDisk(); err != nil {
			s.releasePool()
			return nil, err
		}
	}
	s.manager = newManagerService(s, cfg.Manager, cfg.Pool.FlushThresholdPct, logger, m)

	if s.tier != nil {
		if err := s.restore(); err != nil {
			s.Close()
			return nil, err
		}
	}

	logger.Info("Storage engine initialized",
		zap.String("platform", string(cfg.Platform)),
		zap.Int("sector_size", cfg.Pool.SectorSize),
		zap.Int("sector_count", cfg.Pool.SectorCount),
		zap.Bool("disk_enabled", s.tier != nil),
		zap.Bool("crc", cfg.CRC()),
		zap.Int("sensors_restored", s.sensorCount()))

	return s, nil
}

func (s *StorageService) openPool() error {
	var base []byte
	if path := s.cfg.Pool.ArenaPath; path != "" {
		arena, err := sector.MapArena(path, s.cfg.Pool.SectorSize*s.cfg.Pool.SectorCount)
		if err != nil {
			return err
		}
		s.arena = arena
		base = arena.Bytes()
	}

	pool, err := sector.NewPool(s.cfg.Pool.SectorSize, s.cfg.Pool.SectorCount, base)
	if err != nil {
		if s.arena != nil {
			s.arena.Close()
			s.arena = nil
		}
		return err
	}
	s.pool = pool

	return pool.SetPressureObserver(s.cfg.Pool.PressureThresholdPct, &pressureReporter{
		logger:  s.logger,
		metrics: s.metrics,
	})
}

func (s *StorageService) openDisk() error {
	d := s.cfg.Disk
	if err := os.MkdirAll(d.BasePath, 0o755); err != nil {
		return sserrors.IO("create disk base path", err)
	}

	dm, err := diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:                 d.BasePath,
		CheckInterval:           d.CheckInterval,
		WarningThreshold:        d.WarningThreshold,
		ThrottleThreshold:       d.ThrottleThreshold,
		CircuitBreakerThreshold: d.CircuitBreakerThreshold,
	}, s.logger)
	if err != nil {
		return err
	}

	tier, err := disktier.Open(d.BasePath, disktier.Options{
		SlotSize:       d.SectorSize,
		QuotaBytes:     d.QuotaBytes,
		QuotaTargetPct: d.QuotaTargetPct,
		Sync:           d.Sync,
		Guard:          dm,
	}, s.logger)
	if err != nil {
		return err
	}
	s.diskMgr = dm
	s.tier = tier
	return nil
}

func (s *StorageService) releasePool() {
	if s.pool != nil {
		s.pool.Destroy()
	}
	if s.arena != nil {
		s.arena.Close()
	}
}

// pressureReporter runs under the pool lock and must not call back into
// the pool.
type pressureReporter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (r *pressureReporter) OnPoolPressure(st model.PoolStats) {
	r.metrics.RecordPoolPressure()
	r.logger.Warn("Sector pool under pressure",
		zap.Int("used", st.Used),
		zap.Int("total", st.Total),
		zap.Float64("usage_percent", st.UsagePct))
}

// newStore builds an empty ring store for one sensor.
func (s *StorageService) newStore(id uint32, typ model.RecordType, src model.Source, disk *disktier.DiskFile) (*ring.SensorStore, error) {
	cfg := ring.Config{
		SensorID: id,
		Type:     typ,
		Source:   src,
		CRC:      s.cfg.CRC(),
		Pool:     s.pool,
		Shutdown: s,
		Clock:    s.clock,
		Logger:   s.logger.With(zap.Uint32("sensor_id", id)),
	}
	if disk != nil {
		cfg.Disk = disk
	}
	return ring.NewSensorStore(cfg)
}

// loadSensor opens the sensor's disk file, when the tier is on, and
// restores whatever it recovered into a new store.
func (s *StorageService) loadSensor(id uint32, typ model.RecordType, src model.Source) (*sensorEntry, error) {
	var disk *disktier.DiskFile
	if s.tier != nil {
		f, err := s.tier.Sensor(id, typ, src)
		if err != nil {
			return nil, err
		}
		disk = f
	}

	store, err := s.newStore(id, typ, src, disk)
	if err != nil {
		return nil, err
	}
	if disk == nil {
		return &sensorEntry{store: store}, nil
	}

	rec := disk.Recovered()
	if rec.Tail > 0 {
		segs := make([]ring.RestoredSegment, len(rec.Extents))
		for i, e := range rec.Extents {
			segs[i] = ring.RestoredSegment{First: e.First, Count: e.Count}
		}
		if err := store.Restore(segs, rec.Head, rec.Tail); err != nil {
			return nil, err
		}
		if rec.Corrupt > 0 || rec.Dropped > 0 {
			s.logger.Warn("Sensor recovered with damaged sectors",
				zap.Uint32("sensor_id", id),
				zap.Int("corrupt", rec.Corrupt),
				zap.Int("dropped", rec.Dropped))
		}
	}
	return &sensorEntry{store: store, disk: disk}, nil
}

// register adds e to the table. Caller holds s.mu.
func (s *StorageService) register(e *sensorEntry) SensorHandle {
	h := SensorHandle(len(s.sensors))
	s.sensors = append(s.sensors, e)
	s.byID[e.store.ID()] = h
	return h
}

// SensorInit registers a sensor, or returns the existing handle when id is
// already known with the same type and source. Registration may recover the
// sensor's disk file; producers on other sensors are not blocked meanwhile.
func (s *StorageService) SensorInit(id uint32, typ model.RecordType, src model.Source) (SensorHandle, error) {
	if s.closed.Load() {
		return 0, sserrors.Shutdown()
	}
	if err := s.validator.ValidateRecordType(typ); err != nil {
		return 0, err
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	h, ok := s.byID[id]
	registered := len(s.sensors)
	var existing *ring.SensorStore
	if ok {
		existing = s.sensors[h].store
	}
	s.mu.RUnlock()

	if ok {
		if existing.Type() != typ || existing.Source() != src {
			return 0, sserrors.Invalid("sensor already registered with a different type or source", nil).
				WithDetail("sensor_id", id).
				WithDetail("type", existing.Type().String()).
				WithDetail("source", existing.Source().String())
		}
		return h, nil
	}

	if s.shuttingDown.Load() {
		return 0, sserrors.Shutdown()
	}
	if err := s.validator.ValidateSensorInit(id, typ, src, registered); err != nil {
		return 0, err
	}

	e, err := s.loadSensor(id, typ, src)
	if err != nil {
		s.logger.Error("Failed to initialize sensor",
			zap.Uint32("sensor_id", id),
			zap.Error(err))
		return 0, err
	}

	s.mu.Lock()
	h = s.register(e)
	s.mu.Unlock()

	s.logger.Info("Sensor initialized",
		zap.Uint32("sensor_id", id),
		zap.String("type", typ.String()),
		zap.String("source", src.String()),
		zap.Uint32("handle", uint32(h)))
	return h, nil
}

func (s *StorageService) sensor(h SensorHandle) (*sensorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(h) >= len(s.sensors) {
		return nil, sserrors.NotFound(fmt.Sprintf("unknown sensor handle %d", h))
	}
	return s.sensors[h], nil
}

// snapshot returns the current table. Entries are never removed, so the
// slice header is safe to walk without the lock.
func (s *StorageService) snapshot() []*sensorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sensors[:len(s.sensors):len(s.sensors)]
}

func (s *StorageService) sensorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sensors)
}

// AddTS appends a time-series value.
func (s *StorageService) AddTS(h SensorHandle, value uint32) error {
	e, err := s.sensor(h)
	if err != nil {
		return err
	}
	if err := s.validator.ValidateAdd(e.store.Type(), model.RecordTypeTS); err != nil {
		s.recordAdd(err)
		return err
	}
	if s.latency.sample() {
		start := time.Now()
		err = e.store.AddTS(value)
		s.latency.observe(time.Since(start))
	} else {
		err = e.store.AddTS(value)
	}
	s.recordAdd(err)
	return err
}

// AddEvent appends an event value with its millisecond timestamp.
func (s *StorageService) AddEvent(h SensorHandle, value uint32, tsMs uint64) error {
	e, err := s.sensor(h)
	if err != nil {
		return err
	}
	if err := s.validator.ValidateAdd(e.store.Type(), model.RecordTypeEVT); err != nil {
		s.recordAdd(err)
		return err
	}
	if s.latency.sample() {
		start := time.Now()
		err = e.store.AddEvent(value, tsMs)
		s.latency.observe(time.Since(start))
	} else {
		err = e.store.AddEvent(value, tsMs)
	}
	s.recordAdd(err)
	return err
}

func (s *StorageService) recordAdd(err error) {
	if err == nil {
		s.metrics.RecordAdd("")
		return
	}
	s.metrics.RecordAdd(sserrors.GetCode(err).String())
}

// TotalRecords returns tail - head.
func (s *StorageService) TotalRecords(h SensorHandle) (uint64, error) {
	e, err := s.sensor(h)
	if err != nil {
		return 0, err
	}
	return e.store.TotalRecords(), nil
}

// UnsentCount returns tail - pending.
func (s *StorageService) UnsentCount(h SensorHandle) (uint64, error) {
	e, err := s.sensor(h)
	if err != nil {
		return 0, err
	}
	return e.store.UnsentCount(), nil
}

// PendingCount returns pending - head.
func (s *StorageService) PendingCount(h SensorHandle) (uint64, error) {
	e, err := s.sensor(h)
	if err != nil {
		return 0, err
	}
	return e.store.PendingCount(), nil
}

// ConsumeNext hands out the record at the pending cursor.
func (s *StorageService) ConsumeNext(h SensorHandle) (model.Record, error) {
	e, err := s.sensor(h)
	if err != nil {
		return model.Record{}, err
	}
	rec, err := e.store.ConsumeNext()
	if err != nil {
		return model.Record{}, err
	}
	s.metrics.RecordConsume(1)
	return rec, nil
}

// ConsumeBatch hands out up to max records from the pending cursor.
// Fewer than max is not an error.
func (s *StorageService) ConsumeBatch(h SensorHandle, max int) ([]model.Record, error) {
	if err := s.validator.ValidateBatchSize(max); err != nil {
		return nil, err
	}
	e, err := s.sensor(h)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ConsumeBatch(max)
	s.metrics.RecordConsume(len(recs))
	return recs, err
}

// EraseAllPending acknowledges every consumed record.
func (s *StorageService) EraseAllPending(h SensorHandle) error {
	e, err := s.sensor(h)
	if err != nil {
		return err
	}
	before := e.store.Cursors().Head
	if err := e.store.EraseAllPending(); err != nil {
		return err
	}
	if after := e.store.Cursors().Head; after > before {
		s.metrics.RecordErase(after - before)
	}
	return nil
}

// DiagReadAt reads the record at offset without moving any cursor.
func (s *StorageService) DiagReadAt(h SensorHandle, offset uint64) (model.Record, error) {
	e, err := s.sensor(h)
	if err != nil {
		return model.Record{}, err
	}
	return e.store.DiagReadAt(offset)
}

// SensorStats returns the counters of one sensor.
func (s *StorageService) SensorStats(h SensorHandle) (model.SensorStats, error) {
	e, err := s.sensor(h)
	if err != nil {
		return model.SensorStats{}, err
	}
	return e.store.Stats(), nil
}

// ShuttingDown implements ring.ShutdownSignal.
func (s *StorageService) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// SetShutdown starts or cancels the drain. While on, adds fail with
// SHUTDOWN and the next manager tick seals and flushes everything.
// Cancelling after the drain completed returns INVALID.
func (s *StorageService) SetShutdown(on bool) error {
	if !on && s.manager.Drained() {
		return sserrors.Invalid("shutdown drain already complete", nil)
	}
	if s.shuttingDown.Swap(on) != on {
		s.logger.Info("Shutdown flag changed", zap.Bool("shutting_down", on))
	}
	return nil
}

// Manager returns the maintenance loop bound to this service.
func (s *StorageService) Manager() *ManagerService {
	return s.manager
}

// Pool exposes the sector pool, mainly for status reporting.
func (s *StorageService) Pool() *sector.Pool {
	return s.pool
}

// DiskUsage returns the filesystem guard, nil when the disk tier is off.
func (s *StorageService) DiskUsage() *diskmanager.DiskManager {
	return s.diskMgr
}

// InstanceID identifies this engine in logs and metrics.
func (s *StorageService) InstanceID() string {
	return s.instanceID
}

// SystemStats aggregates every sensor with pool, disk and manager state.
func (s *StorageService) SystemStats() model.SystemStats {
	st := model.SystemStats{
		InstanceID:   s.instanceID,
		Platform:     string(s.cfg.Platform),
		Pool:         s.pool.Stats(),
		ShuttingDown: s.shuttingDown.Load(),
	}

	entries := s.snapshot()
	st.Sensors = len(entries)
	for _, e := range entries {
		c := e.store.Cursors()
		st.TotalRecords += c.Total()
		st.UnsentRecords += c.Unsent()
		st.PendingRecords += c.InFlight()
		st.LostRecords += e.store.Stats().LostRecords
	}

	if s.tier != nil {
		st.Disk = s.tier.Stats()
	}
	s.manager.fillStats(&st)
	st.AddLatencyP50, st.AddLatencyP99 = s.latency.quantiles()
	return st
}

// Close releases every sensor, the disk tier and the pool. RAM-resident
// records not yet flushed are lost; run the shutdown drain first to keep
// them. Close is idempotent.
func (s *StorageService) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error

	for _, e := range s.snapshot() {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sensor %d: %w", e.store.ID(), err))
		}
	}
	if s.tier != nil {
		if err := s.tier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pool.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if s.arena != nil {
		if err := s.arena.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("Storage engine closed with errors", zap.Error(err))
	} else {
		s.logger.Info("Storage engine closed")
	}
	return err
}
