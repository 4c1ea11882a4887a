package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/sensorstore/internal/config"
	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/metrics"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/disktier"
	"github.com/devrev/sensorstore/internal/storage/ring"
)

// ManagerService runs the periodic maintenance pass: aging out open
// sectors, moving sealed sectors to disk under RAM pressure, persisting
// cursors, publishing stats and draining on shutdown.
type ManagerService struct {
	storage         *StorageService
	cfg             config.ManagerConfig
	flushThreshold  float64
	drainConcurrent int
	logger          *zap.Logger
	metrics         *metrics.Metrics

	tickMu sync.Mutex

	ticks         atomic.Uint64
	lastTick      atomic.Int64
	flushFailures atomic.Uint64
	quotaDrops    atomic.Uint64
	drained       atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func newManagerService(s *StorageService, cfg config.ManagerConfig, flushThreshold float64, logger *zap.Logger, m *metrics.Metrics) *ManagerService {
	workers := cfg.RecoveryWorkers
	if workers <= 0 {
		workers = 4
	}
	return &ManagerService{
		storage:         s,
		cfg:             cfg,
		flushThreshold:  flushThreshold,
		drainConcurrent: workers,
		logger:          logger,
		metrics:         m,
		done:            make(chan struct{}),
	}
}

// Run ticks every tick_interval until ctx ends or the shutdown drain
// completes.
func (m *ManagerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("Manager started", zap.Duration("tick_interval", m.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Manager stopped")
			return ctx.Err()
		case <-m.done:
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Warn("Manager tick incomplete", zap.Error(err))
			}
		}
	}
}

// Done is closed once the shutdown drain has completed.
func (m *ManagerService) Done() <-chan struct{} {
	return m.done
}

// Drained reports whether the shutdown drain has completed.
func (m *ManagerService) Drained() bool {
	return m.drained.Load()
}

// Tick runs one maintenance pass. Ticks are serialised. The returned error
// reports a drain that could not finish; flush failures outside shutdown
// are logged and retried on the next tick.
func (m *ManagerService) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if m.storage.closed.Load() {
		return sserrors.Shutdown()
	}

	start := m.storage.clock()
	entries := m.storage.snapshot()

	sealed := 0
	for _, e := range entries {
		if e.store.SealStale(m.cfg.ForceSealInterval, start) {
			sealed++
		}
	}

	var err error
	if m.storage.ShuttingDown() {
		if !m.drained.Load() {
			err = m.drain(ctx, entries)
		}
	} else if m.storage.tier != nil {
		m.flushUnderPressure(entries)
	}

	if m.storage.tier != nil {
		m.syncCursors(entries)
	}

	m.ticks.Add(1)
	m.lastTick.Store(start.UnixNano())
	m.metrics.RecordTick(m.storage.clock().Sub(start), sealed)
	m.metrics.UpdateFromStats(m.storage.SystemStats())

	if sealed > 0 {
		m.logger.Debug("Force-sealed stale sectors", zap.Int("sectors", sealed))
	}
	return err
}

// flushUnderPressure moves the oldest sealed sectors, across all sensors,
// to disk until pool usage drops below the flush threshold. A sensor whose
// flush fails is skipped for the rest of the tick so its disk segments stay
// a prefix of its chain.
func (m *ManagerService) flushUnderPressure(entries []*sensorEntry) {
	if m.storage.pool.Stats().UsagePct < m.flushThreshold {
		return
	}

	skip := make(map[*sensorEntry]bool)
	flushed := 0
	for m.storage.pool.Stats().UsagePct >= m.flushThreshold {
		var (
			pick *sensorEntry
			best ring.FlushCandidate
		)
		for _, e := range entries {
			if skip[e] {
				continue
			}
			c, ok := e.store.OldestSealed()
			if !ok {
				continue
			}
			if pick == nil || c.SealedAt.Before(best.SealedAt) {
				pick, best = e, c
			}
		}
		if pick == nil {
			break
		}
		if err := m.flushOne(pick, best); err != nil {
			skip[pick] = true
			continue
		}
		flushed++
	}

	if flushed > 0 {
		m.logger.Debug("Flushed sectors under memory pressure",
			zap.Int("sectors", flushed),
			zap.Float64("usage_percent", m.storage.pool.Stats().UsagePct))
	}
}

// drain seals every open sector and flushes all sealed sectors. On
// platforms without a disk tier sealing is all there is to do.
func (m *ManagerService) drain(ctx context.Context, entries []*sensorEntry) error {
	for _, e := range entries {
		e.store.SealAll()
	}

	if m.storage.tier != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.drainConcurrent)
		for _, e := range entries {
			e := e
			g.Go(func() error {
				return m.flushAll(gctx, e)
			})
		}
		if err := g.Wait(); err != nil {
			m.logger.Error("Shutdown drain failed, will retry", zap.Error(err))
			return err
		}
	}

	m.drained.Store(true)
	m.doneOnce.Do(func() { close(m.done) })

	st := m.storage.pool.Stats()
	m.logger.Info("Shutdown drain complete",
		zap.Int("sensors", len(entries)),
		zap.Int("ram_sectors_in_use", st.Used))
	return nil
}

func (m *ManagerService) flushAll(ctx context.Context, e *sensorEntry) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := e.store.OldestSealed()
		if !ok {
			return nil
		}
		if err := m.flushOne(e, c); err != nil {
			return err
		}
	}
}

// flushOne persists one sealed sector and returns its RAM to the pool.
// When the sensor's quota is reached the oldest disk data is dropped first.
func (m *ManagerService) flushOne(e *sensorEntry, c ring.FlushCandidate) error {
	start := m.storage.clock()
	err := m.persist(e, c)

	code := ""
	if err != nil {
		code = sserrors.GetCode(err).String()
		m.flushFailures.Add(1)
		m.logger.Warn("Failed to flush sector",
			zap.Uint32("sensor_id", e.store.ID()),
			zap.Uint64("first_seq", c.First),
			zap.Uint32("records", c.Count),
			zap.Error(err))
	}
	m.metrics.RecordFlush(m.storage.clock().Sub(start), code)
	return err
}

func (m *ManagerService) persist(e *sensorEntry, c ring.FlushCandidate) error {
	img, err := e.store.SnapshotSector(c.First)
	if err != nil {
		return err
	}

	through, evict, err := e.disk.EvictionPoint()
	if err != nil {
		return err
	}
	if evict {
		dropped, err := e.store.DropThrough(through)
		if err != nil {
			return err
		}
		if dropped > 0 {
			m.quotaDrops.Add(dropped)
			m.metrics.RecordQuotaDrop(dropped)
		}
		if err := e.disk.Reclaim(through, e.store.Cursors(), true); err != nil {
			return err
		}
	}

	if err := e.disk.Append(img, disktier.Extent{First: c.First, Count: c.Count}, e.store.Cursors()); err != nil {
		return err
	}
	return e.store.CompleteFlush(c.First)
}

// syncCursors persists head for sensors whose head moved, reclaiming disk
// slots that fell below it.
func (m *ManagerService) syncCursors(entries []*sensorEntry) {
	for _, e := range entries {
		if !e.store.TakeDirty() {
			continue
		}
		c := e.store.Cursors()
		if err := e.disk.Reclaim(c.Head, c, false); err != nil {
			m.logger.Warn("Failed to persist sensor cursors",
				zap.Uint32("sensor_id", e.store.ID()),
				zap.Error(err))
		}
	}
}

func (m *ManagerService) fillStats(st *model.SystemStats) {
	st.Ticks = m.ticks.Load()
	if ns := m.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	st.Drained = m.drained.Load()
	st.Disk.FlushFailures = m.flushFailures.Load()
	st.Disk.QuotaDrops = m.quotaDrops.Load()
}
