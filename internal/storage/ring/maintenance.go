package ring

import (
	"sort"
	"time"

	"go.uber.org/zap"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/storage/sector"
)

// FlushCandidate describes the oldest sealed sector still held in RAM.
type FlushCandidate struct {
	First    uint64
	Count    uint32
	SealedAt time.Time
}

// RestoredSegment is a persisted sector found during recovery.
type RestoredSegment struct {
	First uint64
	Count uint32
}

// SealStale seals the open sector when it holds data and has been open
// for at least maxAge. It reports whether a sector was sealed.
func (s *SensorStore) SealStale(maxAge time.Duration, now time.Time) bool {
	if err := s.mu.Lock(); err != nil {
		return false
	}
	defer s.mu.Unlock()

	g := s.lastLocked()
	if g == nil || g.sealed || g.count == 0 || now.Sub(g.openedAt) < maxAge {
		return false
	}
	s.sealLocked(g)
	s.releaseBelowHeadLocked()
	return true
}

// SealAll seals the open sector if it holds data.
func (s *SensorStore) SealAll() bool {
	if err := s.mu.Lock(); err != nil {
		return false
	}
	defer s.mu.Unlock()

	g := s.lastLocked()
	if g == nil || g.sealed || g.count == 0 {
		return false
	}
	s.sealLocked(g)
	s.releaseBelowHeadLocked()
	return true
}

// OldestSealed returns the oldest sealed sector that has not been flushed.
// Sectors flush in chain order, so disk-resident segments always form a
// prefix of the chain. Acknowledged segments are never candidates.
func (s *SensorStore) OldestSealed() (FlushCandidate, bool) {
	if err := s.mu.Lock(); err != nil {
		return FlushCandidate{}, false
	}
	defer s.mu.Unlock()

	for _, g := range s.segments {
		if g.ram == nil || g.end() <= s.head {
			continue
		}
		if !g.sealed {
			return FlushCandidate{}, false
		}
		return FlushCandidate{First: g.first, Count: g.count, SealedAt: g.sealedAt}, true
	}
	return FlushCandidate{}, false
}

// SnapshotSector copies the sealed image of the segment starting at first.
func (s *SensorStore) SnapshotSector(first uint64) ([]byte, error) {
	if err := s.mu.Lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	g := s.findLocked(first)
	if g == nil || g.ram == nil || !g.sealed {
		return nil, sserrors.NotFound("no sealed sector in ram").WithDetail("first_seq", first)
	}
	img := make([]byte, len(g.ram.Bytes()))
	copy(img, g.ram.Bytes())
	return img, nil
}

// CompleteFlush records that the segment starting at first is durable on
// disk and returns its RAM sector to the pool. A segment erased in the
// meantime is ignored.
func (s *SensorStore) CompleteFlush(first uint64) error {
	if err := s.mu.Lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	g := s.findLocked(first)
	if g == nil || g.ram == nil {
		return nil
	}
	sector.SetState(g.ram.Bytes(), sector.StateFlushed)
	if err := s.pool.Free(g.ram); err != nil {
		return err
	}
	g.ram = nil
	g.onDisk = true
	return nil
}

func (s *SensorStore) findLocked(first uint64) *segment {
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].first >= first })
	for ; i < len(s.segments) && s.segments[i].first == first; i++ {
		if s.segments[i].count > 0 {
			return s.segments[i]
		}
	}
	return nil
}

// DropThrough discards every disk-resident segment ending at or before seq
// and moves head and pending past them. It returns the number of retained
// records lost. Used when the disk quota forces eviction.
func (s *SensorStore) DropThrough(seq uint64) (uint64, error) {
	if err := s.consumeMu.Lock(); err != nil {
		return 0, err
	}
	defer s.consumeMu.Unlock()
	if err := s.mu.Lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for _, g := range s.segments {
		if g.ram != nil || g.end() > seq {
			break
		}
		n++
	}
	s.dropFrontLocked(n)

	limit := min(seq, s.tail)
	if len(s.segments) > 0 && s.segments[0].first < limit {
		limit = s.segments[0].first
	}
	var dropped uint64
	if limit > s.head {
		dropped = limit - s.head
		s.head = limit
		if s.pending < s.head {
			s.pending = s.head
		}
		s.lost += dropped
		s.dirty = true
	}
	if dropped > 0 {
		s.logger.Warn("Dropped records to stay within disk quota",
			zap.Uint64("through_seq", seq),
			zap.Uint64("records", dropped))
	}
	return dropped, nil
}

// Restore loads the chain recovered from disk into an empty store. Pending
// restarts at head, so unacknowledged records are delivered again.
func (s *SensorStore) Restore(segs []RestoredSegment, head, tail uint64) error {
	if err := s.mu.Lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if len(s.segments) > 0 || s.tail > 0 {
		return sserrors.Busy("sensor store already in use")
	}
	if head > tail {
		return sserrors.Invalid("restored head beyond tail", nil).
			WithDetail("head", head).
			WithDetail("tail", tail)
	}
	now := s.clock()
	for _, rs := range segs {
		if rs.First+uint64(rs.Count) <= head || rs.Count == 0 {
			continue
		}
		s.segments = append(s.segments, &segment{
			first:    rs.First,
			count:    rs.Count,
			onDisk:   true,
			sealed:   true,
			openedAt: now,
			sealedAt: now,
		})
	}
	s.head, s.pending, s.tail = head, head, tail
	return nil
}

// TakeDirty reports whether head moved since the last call, clearing the flag.
func (s *SensorStore) TakeDirty() bool {
	if err := s.mu.Lock(); err != nil {
		return false
	}
	defer s.mu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

// Stats returns a snapshot of the store counters.
func (s *SensorStore) Stats() model.SensorStats {
	st := model.SensorStats{SensorID: s.id, Type: s.typ, Source: s.source}
	if err := s.mu.Lock(); err != nil {
		return st
	}
	st.Cursors = model.Cursors{Head: s.head, Pending: s.pending, Tail: s.tail}
	for _, g := range s.segments {
		if g.ram != nil {
			st.RAMSectors++
		} else if g.onDisk {
			st.DiskSectors++
		}
	}
	st.Adds = s.adds
	st.AddFailures = s.addFailures
	st.Consumed = s.consumed
	st.Erased = s.erased
	st.LostRecords = s.lost
	s.mu.Unlock()

	ls := s.mu.Stats()
	st.LockContention = ls.Contentions
	st.LockMaxHold = ls.MaxHold
	return st
}

// Close returns every RAM sector to the pool. Records not flushed are lost.
func (s *SensorStore) Close() error {
	if err := s.mu.Lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	var firstErr error
	for _, g := range s.segments {
		s.releaseRAMLocked(g)
		if g.ram != nil && firstErr == nil {
			firstErr = sserrors.Busy("sector still owned")
		}
	}
	s.segments = nil
	return firstErr
}
