package ring

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/sector"
)

// twoTSRecords is a sector size holding exactly two TS records.
const twoTSRecords = sector.HeaderSize + 2*model.TSRecordSize

type flag struct{ v atomic.Bool }

func (f *flag) ShuttingDown() bool { return f.v.Load() }

type memDisk struct {
	mu      sync.Mutex
	images  map[uint64][]byte
	corrupt map[uint64]bool
}

func newMemDisk() *memDisk {
	return &memDisk{images: map[uint64][]byte{}, corrupt: map[uint64]bool{}}
}

func (d *memDisk) ReadSector(first uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[first]
	if !ok {
		return nil, sserrors.NotFound("no slot")
	}
	out := append([]byte{}, img...)
	if d.corrupt[first] {
		out[len(out)-1] ^= 0xFF
	}
	return out, nil
}

// flushOldest moves the oldest sealed sector of s onto d.
func flushOldest(t *testing.T, s *SensorStore, d *memDisk) bool {
	t.Helper()
	c, ok := s.OldestSealed()
	if !ok {
		return false
	}
	img, err := s.SnapshotSector(c.First)
	require.NoError(t, err)
	d.mu.Lock()
	d.images[c.First] = img
	d.mu.Unlock()
	require.NoError(t, s.CompleteFlush(c.First))
	return true
}

func newStore(t *testing.T, sectorSize, sectors int, typ model.RecordType, disk SectorReader) (*SensorStore, *sector.Pool) {
	t.Helper()
	pool, err := sector.NewPool(sectorSize, sectors, nil)
	require.NoError(t, err)
	s, err := NewSensorStore(Config{
		SensorID: 1,
		Type:     typ,
		Source:   model.SourceHost,
		CRC:      true,
		Pool:     pool,
		Disk:     disk,
	})
	require.NoError(t, err)
	return s, pool
}

func assertCursors(t *testing.T, s *SensorStore) {
	t.Helper()
	c := s.Cursors()
	assert.LessOrEqual(t, c.Head, c.Pending)
	assert.LessOrEqual(t, c.Pending, c.Tail)
}

func TestNewSensorStore_Validation(t *testing.T) {
	pool, err := sector.NewPool(twoTSRecords, 2, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown type", Config{Type: 9, Source: model.SourceHost, Pool: pool}},
		{"unknown source", Config{Type: model.RecordTypeTS, Source: 0, Pool: pool}},
		{"no pool", Config{Type: model.RecordTypeTS, Source: model.SourceHost}},
		{"event does not fit", Config{Type: model.RecordTypeEVT, Source: model.SourceCAN, Pool: pool}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSensorStore(tt.cfg)
			assert.True(t, errors.Is(err, sserrors.ErrInvalid))
		})
	}
}

func TestSensorStore_AddConsumeErase(t *testing.T) {
	s, pool := newStore(t, twoTSRecords, 4, model.RecordTypeTS, nil)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AddTS(uint32(i*10)))
	}
	assert.Equal(t, uint64(5), s.TotalRecords())
	assert.Equal(t, uint64(5), s.UnsentCount())
	assert.Equal(t, 3, pool.Stats().Used)

	recs, err := s.ConsumeBatch(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(10), recs[0].Value)
	assert.Equal(t, uint32(20), recs[1].Value)
	assert.Equal(t, uint64(2), s.PendingCount())
	assert.Equal(t, uint64(3), s.UnsentCount())
	assertCursors(t, s)

	require.NoError(t, s.EraseAllPending())
	assert.Equal(t, uint64(3), s.TotalRecords())
	assert.Equal(t, uint64(0), s.PendingCount())
	assert.Equal(t, model.Cursors{Head: 2, Pending: 2, Tail: 5}, s.Cursors())
	assert.Equal(t, 2, pool.Stats().Used)

	// erase with nothing pending changes nothing
	require.NoError(t, s.EraseAllPending())
	assert.Equal(t, model.Cursors{Head: 2, Pending: 2, Tail: 5}, s.Cursors())

	rec, err := s.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint32(30), rec.Value)
	assert.Equal(t, uint64(2), rec.Seq)
}

func TestSensorStore_SingleSectorBackpressure(t *testing.T) {
	s, pool := newStore(t, twoTSRecords, 1, model.RecordTypeTS, nil)

	require.NoError(t, s.AddTS(1))
	require.NoError(t, s.AddTS(2))
	err := s.AddTS(3)
	assert.True(t, errors.Is(err, sserrors.ErrNoMem))
	assert.Equal(t, uint64(2), s.TotalRecords())
	assert.Equal(t, uint64(1), s.Stats().AddFailures)

	recs, err := s.ConsumeBatch(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NoError(t, s.EraseAllPending())
	assert.Equal(t, 0, pool.Stats().Used)

	require.NoError(t, s.AddTS(3))
	assert.Equal(t, uint64(1), s.TotalRecords())
}

func TestSensorStore_TypeMismatch(t *testing.T) {
	s, _ := newStore(t, 128, 2, model.RecordTypeTS, nil)
	err := s.AddEvent(1, 1000)
	assert.True(t, errors.Is(err, sserrors.ErrInvalid))
	assert.Equal(t, uint64(0), s.TotalRecords())

	e, _ := newStore(t, 128, 2, model.RecordTypeEVT, nil)
	require.NoError(t, e.AddEvent(7, 1700000000000))
	assert.True(t, errors.Is(e.AddTS(1), sserrors.ErrInvalid))

	rec, err := e.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rec.Value)
	assert.Equal(t, uint64(1700000000000), rec.TimestampMs)
}

func TestSensorStore_ConsumeEmpty(t *testing.T) {
	s, _ := newStore(t, 128, 2, model.RecordTypeTS, nil)

	_, err := s.ConsumeNext()
	assert.True(t, errors.Is(err, sserrors.ErrNotFound))

	recs, err := s.ConsumeBatch(5)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = s.ConsumeBatch(0)
	assert.True(t, errors.Is(err, sserrors.ErrInvalid))
}

func TestSensorStore_Shutdown(t *testing.T) {
	pool, err := sector.NewPool(128, 2, nil)
	require.NoError(t, err)
	sig := &flag{}
	s, err := NewSensorStore(Config{SensorID: 4, Type: model.RecordTypeTS, Source: model.SourceApplication, Pool: pool, Shutdown: sig})
	require.NoError(t, err)

	require.NoError(t, s.AddTS(1))
	sig.v.Store(true)
	assert.True(t, errors.Is(s.AddTS(2), sserrors.ErrShutdown))

	// the consumer keeps draining during shutdown
	rec, err := s.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Value)
}

func TestSensorStore_DiagReadAt(t *testing.T) {
	s, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddTS(uint32(100+i)))
	}
	_, err := s.ConsumeBatch(2)
	require.NoError(t, err)
	require.NoError(t, s.EraseAllPending())

	rec, err := s.DiagReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(102), rec.Value)
	rec, err = s.DiagReadAt(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), rec.Value)

	_, err = s.DiagReadAt(3)
	assert.True(t, errors.Is(err, sserrors.ErrNotFound))
	assert.Equal(t, model.Cursors{Head: 2, Pending: 2, Tail: 5}, s.Cursors())
}

func TestSensorStore_SealStale(t *testing.T) {
	pool, err := sector.NewPool(128, 4, nil)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	s, err := NewSensorStore(Config{
		SensorID: 2, Type: model.RecordTypeTS, Source: model.SourceHost, Pool: pool,
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)

	assert.False(t, s.SealStale(time.Second, now), "empty store has nothing to seal")
	require.NoError(t, s.AddTS(1))

	_, ok := s.OldestSealed()
	assert.False(t, ok)
	assert.False(t, s.SealStale(time.Second, now.Add(500*time.Millisecond)))
	assert.True(t, s.SealStale(time.Second, now.Add(time.Second)))

	c, ok := s.OldestSealed()
	require.True(t, ok)
	assert.Equal(t, uint64(0), c.First)
	assert.Equal(t, uint32(1), c.Count)

	// next add opens a fresh sector
	require.NoError(t, s.AddTS(2))
	assert.Equal(t, 2, pool.Stats().Used)
	assert.True(t, s.SealAll())
	assert.False(t, s.SealAll())
}

func TestSensorStore_SealReleasesAcknowledgedSector(t *testing.T) {
	pool, err := sector.NewPool(twoTSRecords, 1, nil)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	newSensor := func(id uint32) *SensorStore {
		s, err := NewSensorStore(Config{
			SensorID: id, Type: model.RecordTypeTS, Source: model.SourceHost, Pool: pool,
			Clock: func() time.Time { return now },
		})
		require.NoError(t, err)
		return s
	}
	a, b := newSensor(1), newSensor(2)

	require.NoError(t, a.AddTS(1))
	_, err = a.ConsumeNext()
	require.NoError(t, err)
	require.NoError(t, a.EraseAllPending())
	assert.Equal(t, 1, pool.Stats().Used, "open sector stays linked for appends")

	require.True(t, a.SealStale(time.Second, now.Add(time.Minute)))
	assert.Equal(t, 0, pool.Stats().Used)
	assert.Equal(t, model.Cursors{Head: 1, Pending: 1, Tail: 1}, a.Cursors())
	_, ok := a.OldestSealed()
	assert.False(t, ok)

	require.NoError(t, a.EraseAllPending())
	require.NoError(t, b.AddTS(7))

	rec, err := b.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rec.Value)
}

func TestSensorStore_SealAllReleasesAcknowledgedSector(t *testing.T) {
	s, pool := newStore(t, twoTSRecords, 2, model.RecordTypeTS, newMemDisk())

	require.NoError(t, s.AddTS(1))
	_, err := s.ConsumeNext()
	require.NoError(t, err)
	require.NoError(t, s.EraseAllPending())

	assert.True(t, s.SealAll())
	assert.Equal(t, 0, pool.Stats().Used)

	require.NoError(t, s.AddTS(2))
	rec, err := s.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assertCursors(t, s)
}

func TestSensorStore_FlushAndConsumeFromDisk(t *testing.T) {
	disk := newMemDisk()
	s, pool := newStore(t, twoTSRecords, 3, model.RecordTypeTS, disk)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddTS(uint32(i)))
	}
	assert.True(t, errors.Is(s.AddTS(6), sserrors.ErrNoMem))

	require.True(t, flushOldest(t, s, disk))
	require.True(t, flushOldest(t, s, disk))
	assert.Equal(t, 1, pool.Stats().Used)

	require.NoError(t, s.AddTS(6))
	st := s.Stats()
	assert.Equal(t, 2, st.DiskSectors)
	assert.Equal(t, 2, st.RAMSectors)

	recs, err := s.ConsumeBatch(10)
	require.NoError(t, err)
	require.Len(t, recs, 7)
	for i, r := range recs {
		assert.Equal(t, uint32(i), r.Value)
		assert.Equal(t, uint64(i), r.Seq)
	}

	rec, err := s.DiagReadAt(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Value)
}

func TestSensorStore_CorruptDiskSectorSkipped(t *testing.T) {
	disk := newMemDisk()
	s, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddTS(uint32(i)))
	}
	require.True(t, flushOldest(t, s, disk))
	require.True(t, flushOldest(t, s, disk))
	disk.corrupt[0] = true

	recs, err := s.ConsumeBatch(3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(2), recs[0].Value)

	recs, err = s.ConsumeBatch(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(2), s.Stats().LostRecords)
	assertCursors(t, s)
}

func TestSensorStore_CompleteFlushAfterErase(t *testing.T) {
	disk := newMemDisk()
	s, pool := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	require.NoError(t, s.AddTS(1))
	require.NoError(t, s.AddTS(2))

	c, ok := s.OldestSealed()
	require.True(t, ok)
	img, err := s.SnapshotSector(c.First)
	require.NoError(t, err)
	assert.Len(t, img, twoTSRecords)

	_, err = s.ConsumeBatch(2)
	require.NoError(t, err)
	require.NoError(t, s.EraseAllPending())
	assert.Equal(t, 0, pool.Stats().Used)

	require.NoError(t, s.CompleteFlush(c.First))
	assert.Equal(t, 0, pool.Stats().Used)
	assert.True(t, s.TakeDirty())
	assert.False(t, s.TakeDirty())
}

func TestSensorStore_DropThrough(t *testing.T) {
	disk := newMemDisk()
	s, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddTS(uint32(i)))
	}
	require.True(t, flushOldest(t, s, disk))
	require.True(t, flushOldest(t, s, disk))

	_, err := s.ConsumeBatch(1)
	require.NoError(t, err)

	dropped, err := s.DropThrough(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dropped)
	assert.Equal(t, model.Cursors{Head: 2, Pending: 2, Tail: 6}, s.Cursors())

	// RAM-resident data is never dropped
	dropped, err = s.DropThrough(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dropped)
	assert.Equal(t, model.Cursors{Head: 4, Pending: 4, Tail: 6}, s.Cursors())
	st := s.Stats()
	assert.Equal(t, 0, st.DiskSectors)
	assert.Equal(t, 1, st.RAMSectors)
}

func TestSensorStore_Restore(t *testing.T) {
	disk := newMemDisk()
	src, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	for i := 0; i < 6; i++ {
		require.NoError(t, src.AddTS(uint32(i)))
	}
	for flushOldest(t, src, disk) {
	}

	s, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	require.NoError(t, s.Restore([]RestoredSegment{{First: 0, Count: 2}, {First: 2, Count: 2}, {First: 4, Count: 2}}, 2, 6))
	assert.Equal(t, model.Cursors{Head: 2, Pending: 2, Tail: 6}, s.Cursors())

	recs, err := s.ConsumeBatch(10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, uint32(2), recs[0].Value)

	require.NoError(t, s.AddTS(99))
	rec, err := s.ConsumeNext()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.Seq)

	assert.Error(t, s.Restore(nil, 0, 0))
}

func TestSensorStore_RestoreGapCountsAsLost(t *testing.T) {
	disk := newMemDisk()
	src, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	for i := 0; i < 6; i++ {
		require.NoError(t, src.AddTS(uint32(i)))
	}
	for flushOldest(t, src, disk) {
	}

	s, _ := newStore(t, twoTSRecords, 4, model.RecordTypeTS, disk)
	require.NoError(t, s.Restore([]RestoredSegment{{First: 0, Count: 2}, {First: 4, Count: 2}}, 0, 6))

	recs, err := s.ConsumeBatch(10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, []uint32{0, 1, 4, 5}, []uint32{recs[0].Value, recs[1].Value, recs[2].Value, recs[3].Value})
	assert.Equal(t, uint64(2), s.Stats().LostRecords)
}

func TestSensorStore_CursorInvariantUnderRandomOps(t *testing.T) {
	s, pool := newStore(t, twoTSRecords, 8, model.RecordTypeTS, nil)
	rng := rand.New(rand.NewSource(1))

	var next uint32
	for i := 0; i < 5000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			if err := s.AddTS(next); err == nil {
				next++
			} else {
				require.True(t, errors.Is(err, sserrors.ErrNoMem))
			}
		case 2:
			_, err := s.ConsumeBatch(1 + rng.Intn(4))
			require.NoError(t, err)
		case 3:
			require.NoError(t, s.EraseAllPending())
		}
		c := s.Cursors()
		require.LessOrEqual(t, c.Head, c.Pending)
		require.LessOrEqual(t, c.Pending, c.Tail)
		require.Equal(t, uint64(next), c.Tail)
	}

	require.NoError(t, s.Close())
	assert.Equal(t, 0, pool.Stats().Used)
}

func TestSensorStore_ConcurrentProducersAndConsumer(t *testing.T) {
	pool, err := sector.NewPool(128, 64, nil)
	require.NoError(t, err)

	const sensors = 4
	const perSensor = 2000
	stores := make([]*SensorStore, sensors)
	for i := range stores {
		stores[i], err = NewSensorStore(Config{SensorID: uint32(i), Type: model.RecordTypeTS, Source: model.SourceCAN, CRC: true, Pool: pool})
		require.NoError(t, err)
	}

	var producers sync.WaitGroup
	for _, s := range stores {
		producers.Add(1)
		go func(s *SensorStore) {
			defer producers.Done()
			for v := uint32(0); v < perSensor; {
				if err := s.AddTS(v); err == nil {
					v++
				} else {
					time.Sleep(time.Microsecond)
				}
			}
		}(s)
	}

	received := make([]uint32, sensors)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			finished := true
			for i, s := range stores {
				recs, err := s.ConsumeBatch(64)
				if !assert.NoError(t, err) {
					return
				}
				for _, r := range recs {
					if !assert.Equal(t, received[i], r.Value) {
						return
					}
					received[i]++
				}
				if !assert.NoError(t, s.EraseAllPending()) {
					return
				}
				if received[i] < perSensor {
					finished = false
				}
			}
			if finished {
				return
			}
		}
	}()

	producers.Wait()
	<-done

	for _, s := range stores {
		require.NoError(t, s.Close())
	}
	stats := pool.Stats()
	assert.Equal(t, 64, stats.Free)
	assert.Equal(t, stats.Allocs, stats.Frees)
}
