// Package ring implements the per-sensor record store: an ordered chain of
// sectors addressed by record sequence numbers, with head, pending and tail
// cursors giving at-least-once handoff to a single consumer.
package ring

import (
	"sort"
	"time"

	"go.uber.org/zap"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/lock"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/sector"
)

// ShutdownSignal reports whether the system is draining. Adds fail with
// SHUTDOWN while it returns true.
type ShutdownSignal interface {
	ShuttingDown() bool
}

// SectorReader loads persisted sector images by the sequence number of
// their first record.
type SectorReader interface {
	ReadSector(first uint64) ([]byte, error)
}

// Config configures one sensor store.
type Config struct {
	SensorID uint32
	Type     model.RecordType
	Source   model.Source
	CRC      bool
	Pool     *sector.Pool
	Disk     SectorReader
	Shutdown ShutdownSignal
	Clock    func() time.Time
	Logger   *zap.Logger
}

// segment is one sector's worth of records. Its bytes live in a RAM sector
// until flushed, then on disk.
type segment struct {
	first    uint64
	count    uint32
	ram      *sector.Sector
	onDisk   bool
	sealed   bool
	openedAt time.Time
	sealedAt time.Time
}

func (g *segment) end() uint64 { return g.first + uint64(g.count) }

// SensorStore holds one sensor's records.
//
// Lock order: consumeMu, then mu, then the pool lock. consumeMu serialises
// the consumer against erase and quota drops so that disk reads can run
// with mu released.
type SensorStore struct {
	id        uint32
	typ       model.RecordType
	source    model.Source
	perSector uint32
	crc       bool

	pool     *sector.Pool
	disk     SectorReader
	shutdown ShutdownSignal
	clock    func() time.Time
	logger   *zap.Logger

	consumeMu *lock.Mutex
	mu        *lock.Mutex

	segments []*segment
	head     uint64
	pending  uint64
	tail     uint64
	dirty    bool

	adds        uint64
	addFailures uint64
	consumed    uint64
	erased      uint64
	lost        uint64
}

// NewSensorStore validates cfg and returns an empty store.
func NewSensorStore(cfg Config) (*SensorStore, error) {
	if !cfg.Type.Valid() {
		return nil, sserrors.Invalid("unknown record type", nil).WithDetail("type", cfg.Type.String())
	}
	if !cfg.Source.Valid() {
		return nil, sserrors.Invalid("unknown source", nil).WithDetail("source", cfg.Source.String())
	}
	if cfg.Pool == nil {
		return nil, sserrors.Invalid("sensor store requires a sector pool", nil)
	}
	per := sector.Capacity(cfg.Pool.SectorSize(), cfg.Type)
	if per == 0 {
		return nil, sserrors.Invalid("sector too small for record type", nil).
			WithDetail("sector_size", cfg.Pool.SectorSize()).
			WithDetail("type", cfg.Type.String())
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &SensorStore{
		id:        cfg.SensorID,
		typ:       cfg.Type,
		source:    cfg.Source,
		perSector: uint32(per),
		crc:       cfg.CRC,
		pool:      cfg.Pool,
		disk:      cfg.Disk,
		shutdown:  cfg.Shutdown,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With(zap.Uint32("sensor_id", cfg.SensorID)),
		consumeMu: lock.New("sensor-consume"),
		mu:        lock.New("sensor"),
	}, nil
}

// ID returns the sensor id.
func (s *SensorStore) ID() uint32 { return s.id }

// Type returns the sensor record type.
func (s *SensorStore) Type() model.RecordType { return s.typ }

// Source returns the sensor source.
func (s *SensorStore) Source() model.Source { return s.source }

// RecordsPerSector returns how many records one sector holds.
func (s *SensorStore) RecordsPerSector() int { return int(s.perSector) }

// AddTS appends a time-series sample.
func (s *SensorStore) AddTS(value uint32) error {
	return s.add(model.RecordTypeTS, value, 0)
}

// AddEvent appends an event sample with its timestamp.
func (s *SensorStore) AddEvent(value uint32, tsMs uint64) error {
	return s.add(model.RecordTypeEVT, value, tsMs)
}

func (s *SensorStore) add(t model.RecordType, value uint32, tsMs uint64) error {
	if err := s.mu.Lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if t != s.typ {
		s.addFailures++
		return sserrors.Invalid("record type mismatch", nil).
			WithDetail("sensor_type", s.typ.String()).
			WithDetail("add_type", t.String())
	}
	if s.shutdown != nil && s.shutdown.ShuttingDown() {
		s.addFailures++
		return sserrors.ErrShutdown
	}

	g := s.lastLocked()
	if g == nil || g.sealed {
		var err error
		if g, err = s.openSegmentLocked(); err != nil {
			s.addFailures++
			return err
		}
	}

	sector.PutRecord(g.ram.Bytes(), s.typ, int(g.count), value, tsMs)
	g.count++
	s.tail++
	s.adds++

	if g.count == s.perSector {
		s.sealLocked(g)
	}
	return nil
}

func (s *SensorStore) lastLocked() *segment {
	if n := len(s.segments); n > 0 {
		return s.segments[n-1]
	}
	return nil
}

func (s *SensorStore) openSegmentLocked() (*segment, error) {
	sec, err := s.pool.Alloc()
	if err != nil {
		return nil, err
	}
	sector.Activate(sec.Bytes(), s.id, s.typ, s.tail)
	g := &segment{first: s.tail, ram: sec, openedAt: s.clock()}
	s.segments = append(s.segments, g)
	return g, nil
}

func (s *SensorStore) sealLocked(g *segment) {
	sector.Seal(g.ram.Bytes(), g.count, s.crc)
	g.sealed = true
	g.sealedAt = s.clock()
}

// Cursors returns a snapshot of head, pending and tail.
func (s *SensorStore) Cursors() model.Cursors {
	if err := s.mu.Lock(); err != nil {
		return model.Cursors{}
	}
	defer s.mu.Unlock()
	return model.Cursors{Head: s.head, Pending: s.pending, Tail: s.tail}
}

// TotalRecords returns tail - head.
func (s *SensorStore) TotalRecords() uint64 { return s.Cursors().Total() }

// UnsentCount returns tail - pending.
func (s *SensorStore) UnsentCount() uint64 { return s.Cursors().Unsent() }

// PendingCount returns pending - head.
func (s *SensorStore) PendingCount() uint64 { return s.Cursors().InFlight() }

// part is a slice of the sequence space resolved while holding mu.
type part struct {
	from, to uint64
	records  []model.Record
	disk     bool
	first    uint64
}

// ConsumeNext hands out the oldest unsent record. NOTFOUND when none.
func (s *SensorStore) ConsumeNext() (model.Record, error) {
	recs, err := s.ConsumeBatch(1)
	if err != nil {
		return model.Record{}, err
	}
	if len(recs) == 0 {
		return model.Record{}, sserrors.ErrNotFound
	}
	return recs[0], nil
}

// ConsumeBatch hands out up to max unsent records and moves them to
// pending. Fewer are returned when fewer are available; an empty result is
// not an error.
func (s *SensorStore) ConsumeBatch(max int) ([]model.Record, error) {
	if max <= 0 {
		return nil, sserrors.Invalid("batch size must be positive", nil).WithDetail("max", max)
	}
	if err := s.consumeMu.Lock(); err != nil {
		return nil, err
	}
	defer s.consumeMu.Unlock()

	for {
		if err := s.mu.Lock(); err != nil {
			return nil, err
		}
		start := s.pending
		limit := s.tail
		if limit-start > uint64(max) {
			limit = start + uint64(max)
		}
		parts := s.planLocked(start, limit)
		s.mu.Unlock()

		if start == limit {
			return nil, nil
		}

		out, pos, lost, err := s.resolve(parts, int(limit-start))
		if err != nil && pos == start {
			return nil, err
		}

		if lockErr := s.mu.Lock(); lockErr != nil {
			return nil, lockErr
		}
		s.pending = pos
		s.consumed += uint64(len(out))
		s.lost += lost
		s.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		// Only lost ranges were crossed; continue with the next data.
	}
}

// planLocked maps [from, to) onto segments. RAM records are decoded here,
// since the sector may be flushed or freed once mu is released.
func (s *SensorStore) planLocked(from, to uint64) []part {
	var parts []part
	pos := from
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].end() > pos })
	for pos < to {
		if i >= len(s.segments) {
			parts = append(parts, part{from: pos, to: to})
			break
		}
		g := s.segments[i]
		if g.count == 0 {
			i++
			continue
		}
		if g.first > pos {
			gapEnd := min(g.first, to)
			parts = append(parts, part{from: pos, to: gapEnd})
			pos = gapEnd
			continue
		}
		end := min(g.end(), to)
		p := part{from: pos, to: end, first: g.first}
		switch {
		case g.ram != nil:
			p.records = s.decode(g.ram.Bytes(), g.first, pos, end)
		case g.onDisk && s.disk != nil:
			p.disk = true
		}
		parts = append(parts, p)
		pos = end
		i++
	}
	return parts
}

func (s *SensorStore) decode(buf []byte, first, from, to uint64) []model.Record {
	recs := make([]model.Record, 0, to-from)
	for seq := from; seq < to; seq++ {
		v, ts := sector.GetRecord(buf, s.typ, int(seq-first))
		recs = append(recs, model.Record{Seq: seq, Value: v, TimestampMs: ts})
	}
	return recs
}

// resolve reads disk parts and concatenates the batch. It returns the
// records, the sequence number consumption reached, the number of records
// skipped as lost, and the error that stopped it early, if any.
func (s *SensorStore) resolve(parts []part, n int) ([]model.Record, uint64, uint64, error) {
	out := make([]model.Record, 0, n)
	var lost uint64
	pos := uint64(0)
	if len(parts) > 0 {
		pos = parts[0].from
	}
	for _, p := range parts {
		switch {
		case p.records != nil:
			out = append(out, p.records...)
		case p.disk:
			recs, err := s.readDisk(p.first, p.from, p.to)
			if err != nil {
				if sserrors.GetCode(err) != sserrors.ErrCodeCorrupt {
					return out, pos, lost, err
				}
				s.logger.Warn("Discarding corrupt sector",
					zap.Uint64("first_seq", p.first),
					zap.Uint64("records", p.to-p.from),
					zap.Error(err))
				lost += p.to - p.from
			} else {
				out = append(out, recs...)
			}
		default:
			lost += p.to - p.from
		}
		pos = p.to
	}
	return out, pos, lost, nil
}

func (s *SensorStore) readDisk(first, from, to uint64) ([]model.Record, error) {
	img, err := s.disk.ReadSector(first)
	if err != nil {
		return nil, err
	}
	h, err := sector.Verify(img)
	if err != nil {
		return nil, err
	}
	if h.SensorID != s.id || h.FirstSeq != first || h.Type != s.typ || h.FirstSeq+uint64(h.Count) < to {
		return nil, sserrors.Corrupt("sector does not match chain", nil).
			WithDetail("first_seq", first).
			WithDetail("header_first_seq", h.FirstSeq)
	}
	return s.decode(img, first, from, to), nil
}

// EraseAllPending acknowledges every pending record: head moves to
// pending and sectors wholly below head are released. Repeating it with
// nothing pending is a no-op.
func (s *SensorStore) EraseAllPending() error {
	if err := s.consumeMu.Lock(); err != nil {
		return err
	}
	defer s.consumeMu.Unlock()
	if err := s.mu.Lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.pending > s.head {
		s.erased += s.pending - s.head
		s.head = s.pending
		s.dirty = true
	}
	s.releaseBelowHeadLocked()
	return nil
}

// releaseBelowHeadLocked unlinks sealed segments that end at or before head
// and returns their RAM sectors. The open tail segment stays linked so
// appends can continue into it; it is released once sealed.
func (s *SensorStore) releaseBelowHeadLocked() {
	n := 0
	for _, g := range s.segments {
		if g.end() > s.head || !g.sealed {
			break
		}
		s.releaseRAMLocked(g)
		n++
	}
	s.dropFrontLocked(n)
}

func (s *SensorStore) releaseRAMLocked(g *segment) {
	if g.ram == nil {
		return
	}
	if !g.sealed {
		s.sealLocked(g)
	}
	if err := s.pool.Free(g.ram); err != nil {
		s.logger.Error("Failed to return sector to pool",
			zap.Uint32("sector", g.ram.Index()),
			zap.Error(err))
		return
	}
	g.ram = nil
}

func (s *SensorStore) dropFrontLocked(n int) {
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		s.segments[i] = nil
	}
	s.segments = s.segments[n:]
	if cap(s.segments) > 64 && len(s.segments) < cap(s.segments)/4 {
		s.segments = append([]*segment(nil), s.segments...)
	}
}

// DiagReadAt returns the record at head+offset without moving any cursor.
func (s *SensorStore) DiagReadAt(offset uint64) (model.Record, error) {
	if err := s.consumeMu.Lock(); err != nil {
		return model.Record{}, err
	}
	defer s.consumeMu.Unlock()
	if err := s.mu.Lock(); err != nil {
		return model.Record{}, err
	}

	seq := s.head + offset
	if offset >= s.tail-s.head {
		s.mu.Unlock()
		return model.Record{}, sserrors.NotFound("offset beyond retained records").
			WithDetail("offset", offset).
			WithDetail("total", s.tail-s.head)
	}
	parts := s.planLocked(seq, seq+1)
	s.mu.Unlock()

	p := parts[0]
	switch {
	case len(p.records) == 1:
		return p.records[0], nil
	case p.disk:
		recs, err := s.readDisk(p.first, seq, seq+1)
		if err != nil {
			return model.Record{}, err
		}
		return recs[0], nil
	default:
		return model.Record{}, sserrors.NotFound("record lost").WithDetail("seq", seq)
	}
}
