// Package disktier persists sealed sectors to per-sensor files under a base
// directory, enforces the per-sensor quota, and recovers the committed state
// after a crash.
//
// Layout:
//
//	<base>/.lock
//	<base>/<source>/<sensor_id>.dat   sector images, one per slot
//	<base>/<source>/<sensor_id>.meta  commit record
package disktier

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/sector"
)

// SpaceGuard rejects writes when the filesystem is close to full.
type SpaceGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Options configures every sensor file of a tier.
type Options struct {
	SlotSize       int
	QuotaBytes     int64
	QuotaTargetPct float64
	Sync           bool
	Guard          SpaceGuard
}

type tierStats struct {
	flushes     atomic.Uint64
	corrupt     atomic.Uint64
	compactions atomic.Uint64
}

// SensorKey identifies a persisted sensor.
type SensorKey struct {
	ID     uint32
	Type   model.RecordType
	Source model.Source
}

// Tier owns the base directory for the life of the process.
type Tier struct {
	base     string
	opts     Options
	logger   *zap.Logger
	lockFile *os.File
	stats    tierStats

	mu    sync.Mutex
	files map[uint32]*DiskFile
}

// Open creates base if needed and takes an exclusive lock on it.
// A second process opening the same base gets BUSY.
func Open(base string, opts Options, logger *zap.Logger) (*Tier, error) {
	if base == "" {
		return nil, sserrors.Invalid("disk base path is required", nil)
	}
	if opts.SlotSize < sector.MinSectorSize {
		return nil, sserrors.Invalid("disk sector size below minimum", nil).
			WithDetail("slot_size", opts.SlotSize)
	}
	if opts.QuotaTargetPct <= 0 || opts.QuotaTargetPct > 100 {
		opts.QuotaTargetPct = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, sserrors.IO("create base directory", err)
	}

	lf, err := os.OpenFile(filepath.Join(base, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, sserrors.IO("open lock file", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, sserrors.Busy("disk base " + base)
		}
		return nil, sserrors.IO("lock base directory", err)
	}

	logger.Info("Disk tier opened",
		zap.String("base_path", base),
		zap.Int("slot_size", opts.SlotSize),
		zap.Int64("quota_bytes", opts.QuotaBytes),
		zap.Bool("sync", opts.Sync))

	return &Tier{
		base:     base,
		opts:     opts,
		logger:   logger,
		lockFile: lf,
		files:    make(map[uint32]*DiskFile),
	}, nil
}

// Sensor returns the sensor's file, opening and recovering it on first use.
// Recovery runs outside the tier lock so different sensors open in parallel;
// callers must not open the same id from two goroutines at once.
func (t *Tier) Sensor(id uint32, typ model.RecordType, source model.Source) (*DiskFile, error) {
	if !source.Valid() {
		return nil, sserrors.Invalid("unknown source", nil).WithDetail("source", source.String())
	}
	if f, ok, err := t.lookup(id, typ, source); ok || err != nil {
		return f, err
	}

	opened, err := openDiskFile(filepath.Join(t.base, source.Dir()), id, typ, source, t.opts, &t.stats, t.logger)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.files == nil {
		opened.Close()
		return nil, sserrors.IO("disk tier closed", nil)
	}
	if f, ok := t.files[id]; ok {
		opened.Close()
		if f.typ != typ || f.source != source {
			return nil, mismatch(id)
		}
		return f, nil
	}
	t.files[id] = opened
	return opened, nil
}

func (t *Tier) lookup(id uint32, typ model.RecordType, source model.Source) (*DiskFile, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.files == nil {
		return nil, false, sserrors.IO("disk tier closed", nil)
	}
	f, ok := t.files[id]
	if !ok {
		return nil, false, nil
	}
	if f.typ != typ || f.source != source {
		return nil, false, mismatch(id)
	}
	return f, true, nil
}

func mismatch(id uint32) error {
	return sserrors.Invalid("sensor already open with a different type or source", nil).
		WithDetail("sensor_id", id)
}

// Existing lists sensors that have a committed meta record on disk.
func (t *Tier) Existing() ([]SensorKey, error) {
	var keys []SensorKey
	for _, src := range model.AllSources {
		matches, err := filepath.Glob(filepath.Join(t.base, src.Dir(), "*.meta"))
		if err != nil {
			return nil, sserrors.IO("scan sensor directory", err)
		}
		for _, path := range matches {
			id, err := strconv.ParseUint(strings.TrimSuffix(filepath.Base(path), ".meta"), 10, 32)
			if err != nil {
				continue
			}
			m, ok, err := readMeta(path)
			if err != nil || !ok {
				t.logger.Warn("Skipping sensor with unreadable meta",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			if m.SensorID != uint32(id) || !m.Type.Valid() {
				continue
			}
			keys = append(keys, SensorKey{ID: uint32(id), Type: m.Type, Source: src})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// Stats sums the counters of every open sensor file.
func (t *Tier) Stats() model.DiskStats {
	st := model.DiskStats{
		Enabled:        true,
		Flushes:        t.stats.flushes.Load(),
		CorruptSectors: t.stats.corrupt.Load(),
		Compactions:    t.stats.compactions.Load(),
	}
	t.mu.Lock()
	files := make([]*DiskFile, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f)
	}
	t.mu.Unlock()

	for _, f := range files {
		st.Bytes += f.Bytes()
		st.Sectors += f.Sectors()
	}
	return st
}

// Close closes every sensor file and releases the base directory lock.
func (t *Tier) Close() error {
	t.mu.Lock()
	files := t.files
	t.files = nil
	t.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.lockFile != nil {
		if err := unix.Flock(int(t.lockFile.Fd()), unix.LOCK_UN); err != nil {
			errs = append(errs, sserrors.IO("unlock base directory", err))
		}
		t.lockFile.Close()
		t.lockFile = nil
	}
	return errors.Join(errs...)
}
