package disktier

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/lock"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/sector"
)

// Extent is a run of records held by one persisted sector.
type Extent struct {
	First uint64
	Count uint32
}

// End returns the sequence number after the extent's last record.
func (e Extent) End() uint64 { return e.First + uint64(e.Count) }

// Recovered is what a DiskFile found on disk when it was opened.
type Recovered struct {
	Extents []Extent
	Head    uint64
	Tail    uint64
	Corrupt int
	Dropped int
}

type slot struct {
	Extent
	bad bool
}

// DiskFile is one sensor's data file plus its meta record. Slots are laid
// out back to back, each SlotSize bytes, oldest first.
type DiskFile struct {
	id     uint32
	typ    model.RecordType
	source model.Source
	opts   Options
	logger *zap.Logger
	stats  *tierStats

	dataPath string
	metaPath string

	mu    *lock.Mutex
	data  *os.File
	slots []slot
	meta  Meta

	recovered Recovered
	bytes     atomic.Int64
}

func dataFileName(id uint32) string { return strconv.FormatUint(uint64(id), 10) + ".dat" }
func metaFileName(id uint32) string { return strconv.FormatUint(uint64(id), 10) + ".meta" }

func openDiskFile(dir string, id uint32, typ model.RecordType, source model.Source, opts Options, stats *tierStats, logger *zap.Logger) (*DiskFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sserrors.IO("create sensor directory", err)
	}
	f := &DiskFile{
		id:       id,
		typ:      typ,
		source:   source,
		opts:     opts,
		logger:   logger.With(zap.Uint32("sensor_id", id), zap.String("source", source.String())),
		stats:    stats,
		dataPath: filepath.Join(dir, dataFileName(id)),
		metaPath: filepath.Join(dir, metaFileName(id)),
		mu:       lock.New("disk-file"),
	}
	if err := f.recover(); err != nil {
		if f.data != nil {
			f.data.Close()
		}
		return nil, err
	}
	return f, nil
}

// recover rebuilds the slot index from the data file and the committed meta.
// Slots past the committed tail are discarded; corrupt committed slots are
// skipped and reported.
func (f *DiskFile) recover() error {
	// A leftover temp file is an uncommitted meta update.
	os.Remove(f.metaPath + ".tmp")
	os.Remove(f.dataPath + ".tmp")

	meta, ok, err := readMeta(f.metaPath)
	if err != nil {
		if sserrors.GetCode(err) != sserrors.ErrCodeCorrupt {
			return err
		}
		f.logger.Error("Discarding unreadable meta, treating sensor data as uncommitted", zap.Error(err))
		ok = false
	}
	if ok {
		if meta.SensorID != f.id || meta.Type != f.typ {
			return sserrors.Invalid("persisted sensor has a different type", nil).
				WithDetail("sensor_id", f.id).
				WithDetail("persisted_type", meta.Type.String()).
				WithDetail("type", f.typ.String())
		}
		if int(meta.SlotSize) != f.opts.SlotSize {
			return sserrors.Invalid("persisted slot size differs from configuration", nil).
				WithDetail("persisted_slot_size", meta.SlotSize).
				WithDetail("slot_size", f.opts.SlotSize)
		}
	} else {
		meta = Meta{}
	}
	meta.SensorID, meta.Type, meta.Source, meta.SlotSize = f.id, f.typ, f.source, uint32(f.opts.SlotSize)

	data, err := os.OpenFile(f.dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return sserrors.IO("open data file", err)
	}
	f.data = data

	info, err := data.Stat()
	if err != nil {
		return sserrors.IO("stat data file", err)
	}
	size := int64(f.opts.SlotSize)
	n := info.Size() / size

	buf := make([]byte, f.opts.SlotSize)
	var slots []slot
	corrupt := 0
	keep := n
	for i := int64(0); i < n; i++ {
		if _, err := data.ReadAt(buf, i*size); err != nil {
			return sserrors.IO("read slot", err)
		}
		h, verr := sector.Verify(buf)
		if verr == nil && (h.SensorID != f.id || h.Type != f.typ) {
			verr = sserrors.Corrupt("slot belongs to another sensor", nil)
		}
		if verr == nil {
			e := Extent{First: h.FirstSeq, Count: h.Count}
			if e.End() > meta.Tail {
				keep = i
				break
			}
			slots = append(slots, slot{Extent: e})
			continue
		}
		if uint64(i) >= meta.Slots {
			keep = i
			break
		}
		corrupt++
		f.logger.Warn("Skipping corrupt sector during recovery",
			zap.Int64("slot", i),
			zap.Error(verr))
		slots = append(slots, slot{bad: true})
	}

	if keep*size != info.Size() {
		f.logger.Warn("Discarding uncommitted data",
			zap.Int64("slots_kept", keep),
			zap.Int64("bytes_discarded", info.Size()-keep*size))
		if err := data.Truncate(keep * size); err != nil {
			return sserrors.IO("truncate data file", err)
		}
	}
	f.slots = slots
	f.bytes.Store(keep * size)

	head := meta.Head
	switch {
	case len(slots) == 0:
		head = meta.Tail
	case !slots[0].bad && slots[0].First > head:
		head = min(slots[0].First, meta.Tail)
	}
	meta.Head, meta.Pending, meta.Slots = head, head, uint64(len(slots))
	f.meta = meta

	// Sequences acknowledged from RAM before any flush must not be reissued.
	tail := meta.Tail
	if meta.Acked > tail {
		head, tail = meta.Acked, meta.Acked
	}

	rec := Recovered{Head: head, Tail: tail, Corrupt: corrupt, Dropped: int(n - keep)}
	for _, s := range slots {
		if !s.bad {
			rec.Extents = append(rec.Extents, s.Extent)
		}
	}
	f.recovered = rec
	f.stats.corrupt.Add(uint64(corrupt))

	if ok || n > 0 {
		f.logger.Info("Recovered sensor from disk",
			zap.Int("sectors", len(rec.Extents)),
			zap.Int("corrupt", corrupt),
			zap.Uint64("head", rec.Head),
			zap.Uint64("tail", rec.Tail))
	}
	return nil
}

// Recovered returns the recovery result computed when the file was opened.
func (f *DiskFile) Recovered() Recovered {
	return f.recovered
}

// Bytes returns the size of the data file.
func (f *DiskFile) Bytes() int64 {
	return f.bytes.Load()
}

// Sectors returns the number of slots in the data file.
func (f *DiskFile) Sectors() int {
	if err := f.mu.Lock(); err != nil {
		return 0
	}
	defer f.mu.Unlock()
	return len(f.slots)
}

// Append persists a sealed sector image. Data is written (and synced when
// configured) before the meta that commits it.
func (f *DiskFile) Append(img []byte, e Extent, cursors model.Cursors) error {
	if len(img) > f.opts.SlotSize {
		return sserrors.Invalid("sector image larger than disk slot", nil).
			WithDetail("image", len(img)).
			WithDetail("slot_size", f.opts.SlotSize)
	}
	if f.opts.QuotaBytes < int64(f.opts.SlotSize) {
		return sserrors.QuotaExceeded(f.id, f.opts.QuotaBytes, int64(f.opts.SlotSize))
	}
	if f.opts.Guard != nil {
		if err := f.opts.Guard.CheckBeforeWrite(uint64(f.opts.SlotSize)); err != nil {
			return err
		}
	}

	if err := f.mu.Lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if f.data == nil {
		return sserrors.IO("disk file closed", nil)
	}
	if n := len(f.slots); n > 0 && !f.slots[n-1].bad && f.slots[n-1].End() > e.First {
		return sserrors.Invalid("sector out of order", nil).
			WithDetail("first_seq", e.First).
			WithDetail("last_end", f.slots[n-1].End())
	}
	if int64(len(f.slots)+1)*int64(f.opts.SlotSize) > f.opts.QuotaBytes {
		return sserrors.QuotaExceeded(f.id, f.opts.QuotaBytes, int64(len(f.slots)+1)*int64(f.opts.SlotSize))
	}

	buf := img
	if len(img) < f.opts.SlotSize {
		buf = make([]byte, f.opts.SlotSize)
		copy(buf, img)
	}
	off := int64(len(f.slots)) * int64(f.opts.SlotSize)
	if _, err := f.data.WriteAt(buf, off); err != nil {
		f.rollback(off)
		return sserrors.IO("write sector", err)
	}
	if f.opts.Sync {
		if err := unix.Fdatasync(int(f.data.Fd())); err != nil {
			f.rollback(off)
			return sserrors.IO("sync data file", err)
		}
	}

	next := f.meta
	next.Tail = e.End()
	next.Slots = uint64(len(f.slots) + 1)
	next.Head, next.Pending = clampCursors(cursors, next.Tail)
	next.Acked = max(next.Acked, cursors.Head)
	if err := writeMeta(f.metaPath, next, f.opts.Sync); err != nil {
		f.rollback(off)
		return err
	}

	f.meta = next
	f.slots = append(f.slots, slot{Extent: e})
	f.bytes.Store(off + int64(f.opts.SlotSize))
	f.stats.flushes.Add(1)
	return nil
}

// rollback drops bytes written past the committed end after a failed append.
func (f *DiskFile) rollback(off int64) {
	if err := f.data.Truncate(off); err != nil {
		f.logger.Error("Failed to truncate after write failure", zap.Error(err))
	}
}

// clampCursors keeps the persisted cursors within the durable range.
func clampCursors(c model.Cursors, tail uint64) (head, pending uint64) {
	head, pending = min(c.Head, tail), min(c.Pending, tail)
	return head, max(pending, head)
}

// ReadSector loads the slot whose first record is first.
func (f *DiskFile) ReadSector(first uint64) ([]byte, error) {
	if err := f.mu.Lock(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	i := f.find(first)
	if i < 0 {
		return nil, sserrors.NotFound("sector not on disk").WithDetail("first_seq", first)
	}
	buf := make([]byte, f.opts.SlotSize)
	if _, err := f.data.ReadAt(buf, int64(i)*int64(f.opts.SlotSize)); err != nil && !errors.Is(err, io.EOF) {
		return nil, sserrors.IO("read sector", err)
	}
	if _, err := sector.Verify(buf); err != nil {
		f.stats.corrupt.Add(1)
		return nil, err
	}
	return buf, nil
}

func (f *DiskFile) find(first uint64) int {
	i := sort.Search(len(f.slots), func(i int) bool {
		return !f.slots[i].bad && f.slots[i].First >= first
	})
	// bad slots break ordering for the search; fall back to a scan
	if i < len(f.slots) && !f.slots[i].bad && f.slots[i].First == first {
		return i
	}
	for j, s := range f.slots {
		if !s.bad && s.First == first {
			return j
		}
	}
	return -1
}

// EvictionPoint reports the sequence number through which the oldest data
// must be dropped so one more slot fits and usage lands at or below the
// quota target. ok is false when the next append fits as is.
func (f *DiskFile) EvictionPoint() (uint64, bool, error) {
	slotSize := int64(f.opts.SlotSize)
	if f.opts.QuotaBytes < slotSize {
		return 0, false, sserrors.QuotaExceeded(f.id, f.opts.QuotaBytes, slotSize)
	}
	if err := f.mu.Lock(); err != nil {
		return 0, false, err
	}
	defer f.mu.Unlock()

	n := int64(len(f.slots))
	if (n+1)*slotSize <= f.opts.QuotaBytes {
		return 0, false, nil
	}
	target := int64(float64(f.opts.QuotaBytes) * f.opts.QuotaTargetPct / 100)
	keep := target/slotSize - 1
	if keep < 0 {
		keep = 0
	}
	if keep > n-1 {
		keep = n - 1
	}
	cut := int(n - keep)
	for cut < len(f.slots) && f.slots[cut].bad {
		cut++
	}
	if cut < len(f.slots) {
		return f.slots[cut].First, true, nil
	}
	return f.meta.Tail, true, nil
}

// Reclaim removes every slot wholly below through and persists cursors.
// When force is false the data file is only rewritten once at least half
// of it is reclaimable.
func (f *DiskFile) Reclaim(through uint64, cursors model.Cursors, force bool) error {
	if err := f.mu.Lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if f.data == nil {
		return sserrors.IO("disk file closed", nil)
	}

	dead := 0
	for _, s := range f.slots {
		if !s.bad && s.End() > through {
			break
		}
		dead++
	}

	next := f.meta
	next.Head, next.Pending = clampCursors(cursors, next.Tail)
	next.Acked = max(next.Acked, cursors.Head)
	if dead > 0 && (force || dead == len(f.slots) || dead*2 >= len(f.slots)) {
		if err := f.compact(dead); err != nil {
			return err
		}
		next.Slots = uint64(len(f.slots))
	}
	if next == f.meta {
		return nil
	}
	if err := writeMeta(f.metaPath, next, f.opts.Sync); err != nil {
		return err
	}
	f.meta = next
	return nil
}

// compact rewrites the data file without its first dead slots, via a temp
// file renamed over the original.
func (f *DiskFile) compact(dead int) error {
	slotSize := int64(f.opts.SlotSize)
	kept := f.slots[dead:]

	if len(kept) == 0 {
		if err := f.data.Truncate(0); err != nil {
			return sserrors.IO("truncate data file", err)
		}
	} else {
		tmpPath := f.dataPath + ".tmp"
		tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
		if err != nil {
			return sserrors.IO("create compaction file", err)
		}
		src := io.NewSectionReader(f.data, int64(dead)*slotSize, int64(len(kept))*slotSize)
		if _, err := io.Copy(tmp, src); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return sserrors.IO("copy live sectors", err)
		}
		if f.opts.Sync {
			if err := tmp.Sync(); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return sserrors.IO("sync compaction file", err)
			}
		}
		if err := os.Rename(tmpPath, f.dataPath); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return sserrors.IO("rename compaction file", err)
		}
		f.data.Close()
		f.data = tmp
		if f.opts.Sync {
			if err := syncDir(filepath.Dir(f.dataPath)); err != nil {
				return err
			}
		}
	}

	f.slots = append([]slot(nil), kept...)
	f.bytes.Store(int64(len(kept)) * slotSize)
	f.stats.compactions.Add(1)
	f.logger.Debug("Compacted sensor data file",
		zap.Int("dropped_sectors", dead),
		zap.Int("kept_sectors", len(kept)))
	return nil
}

// Meta returns the last committed meta record.
func (f *DiskFile) Meta() Meta {
	if err := f.mu.Lock(); err != nil {
		return Meta{}
	}
	defer f.mu.Unlock()
	return f.meta
}

// Close closes the data file.
func (f *DiskFile) Close() error {
	if err := f.mu.Lock(); err != nil {
		return err
	}
	defer f.mu.Unlock()
	if f.data == nil {
		return nil
	}
	err := f.data.Close()
	f.data = nil
	if err != nil && !errors.Is(err, fs.ErrClosed) {
		return sserrors.IO("close data file", err)
	}
	return nil
}
