// Package sector implements the fixed-size sector pool shared by all sensor
// stores, and the CRC-protected sector image format.
package sector

import (
	"math"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/lock"
	"github.com/devrev/sensorstore/internal/model"
)

// PressureObserver is notified when pool usage rises through the configured
// threshold. It runs with the pool lock held and must not call back into the pool.
type PressureObserver interface {
	OnPoolPressure(stats model.PoolStats)
}

// Sector is a handle to one block of the arena. Every Alloc returns a new
// handle, valid until Free; Free detaches it so a stale holder can neither
// write into nor free a reused block.
type Sector struct {
	index uint32
	buf   []byte
}

// Index returns the sector position within its pool.
func (s *Sector) Index() uint32 { return s.index }

// Bytes returns the whole sector image, header included.
func (s *Sector) Bytes() []byte { return s.buf }

// State returns the header state.
func (s *Sector) State() State {
	if len(s.buf) < HeaderSize {
		return StateFree
	}
	return State(s.buf[offState])
}

// Pool is a fixed-count allocator of equal-size sectors carved from one arena.
type Pool struct {
	mu         *lock.Mutex
	arena      []byte
	ownsArena  bool
	sectorSize int
	count      int

	owners []*Sector // live handle per index, nil while free
	free   []uint32
	inUse  []bool

	observer          PressureObserver
	pressureThreshold float64
	pressureRaised    bool

	peakUsed      int
	allocs        uint64
	frees         uint64
	allocFailures uint64
	invalidFrees  uint64

	destroyed bool
}

// NewPool creates a pool of sectorCount sectors of sectorSize bytes. When base
// is nil the pool allocates and owns its arena; otherwise base is used as the
// arena and is never released by the pool.
func NewPool(sectorSize, sectorCount int, base []byte) (*Pool, error) {
	if sectorSize < MinSectorSize {
		return nil, sserrors.Invalid("sector size below minimum", nil).
			WithDetail("sector_size", sectorSize).
			WithDetail("min_sector_size", MinSectorSize)
	}
	if sectorCount <= 0 {
		return nil, sserrors.Invalid("sector count must be positive", nil).
			WithDetail("sector_count", sectorCount)
	}
	if sectorCount > math.MaxInt32/sectorSize {
		return nil, sserrors.NewStorageError(sserrors.ErrCodeNoMem, "arena size exceeds limit", nil).
			WithDetail("sector_size", sectorSize).
			WithDetail("sector_count", sectorCount)
	}
	size := sectorSize * sectorCount

	p := &Pool{
		mu:         lock.New("sector-pool"),
		sectorSize: sectorSize,
		count:      sectorCount,
		owners:     make([]*Sector, sectorCount),
		free:       make([]uint32, sectorCount),
		inUse:      make([]bool, sectorCount),
	}

	if base == nil {
		p.arena = make([]byte, size)
		p.ownsArena = true
	} else {
		if len(base) < size {
			return nil, sserrors.Invalid("caller arena too small", nil).
				WithDetail("have", len(base)).
				WithDetail("need", size)
		}
		p.arena = base[:size:size]
	}

	// Lowest indices are handed out first.
	for i := 0; i < sectorCount; i++ {
		p.free[i] = uint32(sectorCount - 1 - i)
	}
	return p, nil
}

// SectorSize returns the size of every sector in bytes.
func (p *Pool) SectorSize() int { return p.sectorSize }

// SetPressureObserver installs o, fired when usage rises to thresholdPct or
// above. It is re-armed once usage falls back below the threshold.
func (p *Pool) SetPressureObserver(thresholdPct float64, o PressureObserver) error {
	if err := p.mu.Lock(); err != nil {
		return err
	}
	defer p.mu.Unlock()
	p.observer = o
	p.pressureThreshold = thresholdPct
	p.pressureRaised = false
	return nil
}

// Alloc takes one sector off the free list. The returned image is zeroed and
// stamped FREE; the caller activates it. Returns NOMEM when none are free.
func (p *Pool) Alloc() (*Sector, error) {
	if err := p.mu.Lock(); err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, sserrors.Invalid("pool destroyed", nil)
	}
	n := len(p.free)
	if n == 0 {
		p.allocFailures++
		return nil, sserrors.NoMem("sector pool", p.count, p.count)
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[idx] = true

	off := int(idx) * p.sectorSize
	s := &Sector{index: idx, buf: p.arena[off : off+p.sectorSize : off+p.sectorSize]}
	p.owners[idx] = s
	stamp(s.buf)

	p.allocs++
	used := p.count - len(p.free)
	if used > p.peakUsed {
		p.peakUsed = used
	}
	p.checkPressure()
	return s, nil
}

// Free returns s to the pool. A sector that is still ACTIVE yields BUSY; a
// sector that does not belong to this pool or was already freed yields
// INVALID. A rejected free leaves the free list untouched.
func (p *Pool) Free(s *Sector) error {
	if err := p.mu.Lock(); err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := p.owned(s); err != nil {
		p.invalidFrees++
		return err
	}
	if State(s.buf[offState]) == StateActive {
		return sserrors.Busy("active sector")
	}

	clear(s.buf)
	p.inUse[s.index] = false
	p.owners[s.index] = nil
	p.free = append(p.free, s.index)
	s.buf = nil
	p.frees++

	if p.pressureRaised && p.usagePct() < p.pressureThreshold {
		p.pressureRaised = false
	}
	return nil
}

// owned validates that s is the live handle for its index and that its
// buffer lies in this pool's arena.
func (p *Pool) owned(s *Sector) error {
	if s == nil || len(s.buf) != p.sectorSize {
		return sserrors.Invalid("sector not allocated", nil)
	}
	if int(s.index) >= p.count {
		return sserrors.Invalid("sector not from this pool", nil).WithDetail("index", s.index)
	}
	off := int(s.index) * p.sectorSize
	if &s.buf[0] != &p.arena[off] {
		return sserrors.Invalid("sector buffer outside arena", nil).WithDetail("index", s.index)
	}
	if !p.inUse[s.index] {
		return sserrors.Invalid("sector already free", nil).WithDetail("index", s.index)
	}
	if p.owners[s.index] != s {
		return sserrors.Invalid("stale sector handle", nil).WithDetail("index", s.index)
	}
	return nil
}

// checkPressure must be called with the lock held.
func (p *Pool) checkPressure() {
	if p.observer == nil || p.pressureRaised {
		return
	}
	if p.usagePct() >= p.pressureThreshold {
		p.pressureRaised = true
		p.observer.OnPoolPressure(p.statsLocked())
	}
}

func (p *Pool) usagePct() float64 {
	return float64(p.count-len(p.free)) * 100 / float64(p.count)
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() model.PoolStats {
	if err := p.mu.Lock(); err != nil {
		return model.PoolStats{SectorSize: p.sectorSize, Total: p.count}
	}
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() model.PoolStats {
	used := p.count - len(p.free)
	return model.PoolStats{
		SectorSize:    p.sectorSize,
		Total:         p.count,
		Free:          len(p.free),
		Used:          used,
		UsagePct:      float64(used) * 100 / float64(p.count),
		PeakUsagePct:  float64(p.peakUsed) * 100 / float64(p.count),
		Allocs:        p.allocs,
		Frees:         p.frees,
		AllocFailures: p.allocFailures,
		InvalidFrees:  p.invalidFrees,
	}
}

// Destroy releases the arena. It fails with BUSY while sectors are outstanding.
func (p *Pool) Destroy() error {
	if err := p.mu.Lock(); err != nil {
		return err
	}
	if used := p.count - len(p.free); used > 0 {
		p.mu.Unlock()
		return sserrors.Busy("sector pool").WithDetail("used", used)
	}
	p.destroyed = true
	if p.ownsArena {
		p.arena = nil
	}
	p.mu.Unlock()
	return p.mu.Destroy()
}
