package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/devrev/sensorstore/internal/errors"
)

func TestMutex_TryLock(t *testing.T) {
	m := New("test")

	require.True(t, m.TryLock())
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Acquisitions)
	assert.Equal(t, uint64(1), stats.Contentions)
}

func TestMutex_LockTimeout(t *testing.T) {
	m := New("sensor-1")
	require.NoError(t, m.Lock())

	start := time.Now()
	err := m.LockTimeout(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sserrors.ErrBusy))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().Timeouts)

	m.Unlock()
	require.NoError(t, m.LockTimeout(20*time.Millisecond))
	m.Unlock()
}

func TestMutex_MutualExclusion(t *testing.T) {
	m := New("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if !assert.NoError(t, m.Lock()) {
					return
				}
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8000, counter)
	assert.Equal(t, uint64(8000), m.Stats().Acquisitions)
}

func TestMutex_WithReleasesOnErrorAndPanic(t *testing.T) {
	m := New("scoped")
	boom := errors.New("boom")

	err := m.With(func() error { return boom })
	assert.Equal(t, boom, err)
	assert.True(t, m.TryLock())
	m.Unlock()

	assert.Panics(t, func() {
		_ = m.With(func() error { panic("fail") })
	})
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutex_DestroyWhileHeld(t *testing.T) {
	m := New("pool")
	require.NoError(t, m.Lock())

	err := m.Destroy()
	assert.True(t, errors.Is(err, sserrors.ErrBusy))

	m.Unlock()
	require.NoError(t, m.Destroy())

	err = m.Lock()
	assert.True(t, errors.Is(err, sserrors.ErrInvalid))
	assert.False(t, m.TryLock())
}

func TestMutex_HoldStats(t *testing.T) {
	m := New("hold")
	require.NoError(t, m.Lock())
	time.Sleep(5 * time.Millisecond)
	m.Unlock()

	stats := m.Stats()
	assert.GreaterOrEqual(t, stats.MaxHold, 5*time.Millisecond)
	assert.GreaterOrEqual(t, stats.TotalHold, stats.MaxHold)
}
