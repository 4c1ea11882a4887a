package sector

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
)

func TestNewPool_Validation(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		count int
		base  []byte
		code  sserrors.ErrorCode
	}{
		{"size below minimum", MinSectorSize - 1, 4, nil, sserrors.ErrCodeInvalid},
		{"zero count", 64, 0, nil, sserrors.ErrCodeInvalid},
		{"base too small", 64, 4, make([]byte, 100), sserrors.ErrCodeInvalid},
		{"arena overflow", 1 << 20, 1 << 20, nil, sserrors.ErrCodeNoMem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPool(tt.size, tt.count, tt.base)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Equal(t, tt.code, sserrors.GetCode(err))
		})
	}
}

func TestPool_AllocUntilExhausted(t *testing.T) {
	p, err := NewPool(64, 4, nil)
	require.NoError(t, err)

	var got []*Sector
	for i := 0; i < 4; i++ {
		s, err := p.Alloc()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), s.Index())
		assert.Equal(t, StateFree, s.State())
		assert.Len(t, s.Bytes(), 64)
		got = append(got, s)
	}

	_, err = p.Alloc()
	assert.True(t, errors.Is(err, sserrors.ErrNoMem))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Free)
	assert.Equal(t, 4, stats.Used)
	assert.Equal(t, 100.0, stats.UsagePct)
	assert.Equal(t, uint64(1), stats.AllocFailures)

	for _, s := range got {
		require.NoError(t, p.Free(s))
	}
	stats = p.Stats()
	assert.Equal(t, 4, stats.Free)
	assert.Equal(t, 100.0, stats.PeakUsagePct)
	assert.Equal(t, uint64(4), stats.Frees)
}

func TestPool_AllocZeroesReusedSector(t *testing.T) {
	p, err := NewPool(64, 1, nil)
	require.NoError(t, err)

	s, err := p.Alloc()
	require.NoError(t, err)
	for i := HeaderSize; i < 64; i++ {
		s.Bytes()[i] = 0xAB
	}
	SetState(s.Bytes(), StateSealed)
	require.NoError(t, p.Free(s))

	s, err = p.Alloc()
	require.NoError(t, err)
	for i := HeaderSize; i < 64; i++ {
		require.Zero(t, s.Bytes()[i])
	}
}

func TestPool_DoubleFreeRejected(t *testing.T) {
	p, err := NewPool(64, 2, nil)
	require.NoError(t, err)

	s, err := p.Alloc()
	require.NoError(t, err)
	SetState(s.Bytes(), StateSealed)
	require.NoError(t, p.Free(s))
	before := p.Stats().Free

	err = p.Free(s)
	assert.True(t, errors.Is(err, sserrors.ErrInvalid))
	assert.Equal(t, before, p.Stats().Free)
	assert.Equal(t, uint64(1), p.Stats().InvalidFrees)
}

func TestPool_StaleHandleAfterReuse(t *testing.T) {
	p, err := NewPool(64, 1, nil)
	require.NoError(t, err)

	s1, err := p.Alloc()
	require.NoError(t, err)
	require.NoError(t, p.Free(s1))

	s2, err := p.Alloc()
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, s1.Index(), s2.Index())

	// A second free through the old handle must not release the new owner's block.
	assert.True(t, errors.Is(p.Free(s1), sserrors.ErrInvalid))
	assert.Equal(t, 0, p.Stats().Free)
	assert.Len(t, s2.Bytes(), 64)
	assert.Nil(t, s1.Bytes())

	Activate(s2.Bytes(), 1, model.RecordTypeTS, 0)
	PutRecord(s2.Bytes(), model.RecordTypeTS, 0, 42, 0)
	Seal(s2.Bytes(), 1, true)
	require.NoError(t, p.Free(s2))
	assert.Equal(t, 1, p.Stats().Free)
	assert.Equal(t, uint64(1), p.Stats().InvalidFrees)
}

func TestPool_FreeRejectsForeignAndActive(t *testing.T) {
	p, err := NewPool(64, 2, nil)
	require.NoError(t, err)
	other, err := NewPool(64, 2, nil)
	require.NoError(t, err)

	foreign, err := other.Alloc()
	require.NoError(t, err)
	assert.True(t, errors.Is(p.Free(foreign), sserrors.ErrInvalid))
	assert.True(t, errors.Is(p.Free(nil), sserrors.ErrInvalid))

	forged := &Sector{index: 0, buf: make([]byte, 64)}
	assert.True(t, errors.Is(p.Free(forged), sserrors.ErrInvalid))

	s, err := p.Alloc()
	require.NoError(t, err)
	Activate(s.Bytes(), 1, model.RecordTypeTS, 0)
	assert.True(t, errors.Is(p.Free(s), sserrors.ErrBusy))
	assert.Equal(t, 1, p.Stats().Free)

	Seal(s.Bytes(), 0, true)
	require.NoError(t, p.Free(s))
	assert.Equal(t, 2, p.Stats().Free)
}

func TestPool_CallerArena(t *testing.T) {
	base := make([]byte, 64*3)
	p, err := NewPool(64, 3, base)
	require.NoError(t, err)

	s, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, &base[0], &s.Bytes()[0])

	assert.True(t, errors.Is(p.Destroy(), sserrors.ErrBusy))
	SetState(s.Bytes(), StateSealed)
	require.NoError(t, p.Free(s))
	require.NoError(t, p.Destroy())

	// caller memory survives the pool
	assert.Len(t, base, 64*3)
	_, err = p.Alloc()
	assert.Error(t, err)
}

func TestPool_MappedArena(t *testing.T) {
	arena, err := MapArena(filepath.Join(t.TempDir(), "arena.bin"), 64*4)
	require.NoError(t, err)
	defer arena.Close()

	p, err := NewPool(64, 4, arena.Bytes())
	require.NoError(t, err)

	s, err := p.Alloc()
	require.NoError(t, err)
	Activate(s.Bytes(), 9, model.RecordTypeTS, 100)
	PutRecord(s.Bytes(), model.RecordTypeTS, 0, 42, 0)
	Seal(s.Bytes(), 1, true)
	require.NoError(t, arena.Flush())

	h, err := Verify(arena.Bytes()[:64])
	require.NoError(t, err)
	assert.Equal(t, uint32(9), h.SensorID)
	assert.Equal(t, uint64(100), h.FirstSeq)
	require.NoError(t, p.Free(s))
}

type recordingObserver struct {
	calls []model.PoolStats
}

func (o *recordingObserver) OnPoolPressure(stats model.PoolStats) {
	o.calls = append(o.calls, stats)
}

func TestPool_PressureObserverEdgeTriggered(t *testing.T) {
	p, err := NewPool(64, 4, nil)
	require.NoError(t, err)
	obs := &recordingObserver{}
	require.NoError(t, p.SetPressureObserver(75, obs))

	var sectors []*Sector
	for i := 0; i < 4; i++ {
		s, err := p.Alloc()
		require.NoError(t, err)
		SetState(s.Bytes(), StateSealed)
		sectors = append(sectors, s)
	}
	require.Len(t, obs.calls, 1)
	assert.Equal(t, 3, obs.calls[0].Used)

	// drop below threshold, then cross again
	require.NoError(t, p.Free(sectors[3]))
	require.NoError(t, p.Free(sectors[2]))
	_, err = p.Alloc()
	require.NoError(t, err)
	assert.Len(t, obs.calls, 2)
}

func TestPool_ConcurrentConservation(t *testing.T) {
	p, err := NewPool(64, 16, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s, err := p.Alloc()
				if err != nil {
					continue
				}
				SetState(s.Bytes(), StateSealed)
				assert.NoError(t, p.Free(s))
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 16, stats.Free)
	assert.Equal(t, stats.Allocs, stats.Frees)
}
