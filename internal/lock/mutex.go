// Package lock provides the mutex used by the pool, the sensor stores and
// the disk tier. It supports blocking, try and bounded-wait acquisition and
// keeps contention and hold-time statistics.
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	sserrors "github.com/devrev/sensorstore/internal/errors"
)

// Mutex is a non-reentrant mutual exclusion lock.
type Mutex struct {
	name      string
	sem       *semaphore.Weighted
	destroyed atomic.Bool

	// written only by the current holder
	lockedAt time.Time

	acquisitions atomic.Uint64
	contentions  atomic.Uint64
	timeouts     atomic.Uint64
	holdNanos    atomic.Int64
	maxHoldNanos atomic.Int64
}

// Stats is a snapshot of lock usage.
type Stats struct {
	Name         string
	Acquisitions uint64
	Contentions  uint64
	Timeouts     uint64
	TotalHold    time.Duration
	MaxHold      time.Duration
}

// New creates an unlocked mutex. The name shows up in errors and stats.
func New(name string) *Mutex {
	return &Mutex{
		name: name,
		sem:  semaphore.NewWeighted(1),
	}
}

// Name returns the mutex name.
func (m *Mutex) Name() string {
	return m.name
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() error {
	return m.LockContext(context.Background())
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	if m.destroyed.Load() {
		return false
	}
	if !m.sem.TryAcquire(1) {
		m.contentions.Add(1)
		return false
	}
	m.acquired()
	return true
}

// LockTimeout waits at most d for the mutex and returns BUSY on expiry.
func (m *Mutex) LockTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return m.LockContext(ctx)
}

// LockContext waits for the mutex until ctx is done.
func (m *Mutex) LockContext(ctx context.Context) error {
	if m.destroyed.Load() {
		return sserrors.Invalid("lock "+m.name+" destroyed", nil)
	}
	if !m.sem.TryAcquire(1) {
		m.contentions.Add(1)
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.timeouts.Add(1)
			return sserrors.NewStorageError(sserrors.ErrCodeBusy, "lock "+m.name+" not acquired", err).
				WithDetail("resource", m.name)
		}
	}
	m.acquired()
	return nil
}

func (m *Mutex) acquired() {
	m.acquisitions.Add(1)
	m.lockedAt = time.Now()
}

// Unlock releases the mutex. Unlocking an unlocked mutex panics, as with sync.Mutex.
func (m *Mutex) Unlock() {
	held := int64(time.Since(m.lockedAt))
	m.holdNanos.Add(held)
	for {
		cur := m.maxHoldNanos.Load()
		if held <= cur || m.maxHoldNanos.CompareAndSwap(cur, held) {
			break
		}
	}
	m.sem.Release(1)
}

// With runs fn with the mutex held and releases it on every exit path,
// including a panic in fn.
func (m *Mutex) With(fn func() error) error {
	if err := m.Lock(); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}

// Destroy retires the mutex. It fails with BUSY while the mutex is held.
func (m *Mutex) Destroy() error {
	if !m.sem.TryAcquire(1) {
		return sserrors.Busy("lock " + m.name)
	}
	m.destroyed.Store(true)
	m.sem.Release(1)
	return nil
}

// Stats returns usage counters.
func (m *Mutex) Stats() Stats {
	return Stats{
		Name:         m.name,
		Acquisitions: m.acquisitions.Load(),
		Contentions:  m.contentions.Load(),
		Timeouts:     m.timeouts.Load(),
		TotalHold:    time.Duration(m.holdNanos.Load()),
		MaxHold:      time.Duration(m.maxHoldNanos.Load()),
	}
}
