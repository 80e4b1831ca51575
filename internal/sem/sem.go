// Package sem implements named counting semaphores shared between processes.
//
// Each semaphore is a small named shared memory object holding its counter.
// Waiters block on the counter with a process-shared futex (Linux) so that a
// Post in one process wakes a Wait in another. Waits are sliced by a poll
// interval: between slices the caller's context is checked, which is how a
// shutdown request reaches a process parked on an empty or full buffer.
package sem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/bbq/internal/shm"
)

// DefaultPollInterval bounds how long a single futex wait lasts before the
// waiter re-checks its context.
const DefaultPollInterval = 50 * time.Millisecond

var (
	ErrNotInitialized = errors.New("sem: semaphore not initialized")
	ErrOverflow       = errors.New("sem: post would exceed maximum value")
	ErrInvalidValue   = errors.New("sem: initial value exceeds maximum")
	ErrClosed         = errors.New("sem: semaphore is closed")
)

// Magic number to identify initialized semaphores
const _sem_magic uint64 = 0x6262712d73656d61

// _sword is the shared state of one semaphore.
type _sword struct {
	_magic  uint64 // Set last by the creator
	value   uint32 // Available permits; the futex word
	waiters uint32 // Processes currently parked on value
	max     uint32 // Upper bound for value
	_p      uint32
}

// Semaphore is a process-local handle to a named semaphore.
// Closing the handle leaves the semaphore intact for other processes; only
// Unlink removes it.
type Semaphore struct {
	name string
	mem  *shm.SharedMemory
	w    *_sword
	poll time.Duration
}

// Create creates a named semaphore with the given initial and maximum value.
// The name must not already exist.
func Create(dir, name string, initial, limit uint32) (*Semaphore, error) {
	if initial > limit || limit == 0 {
		return nil, ErrInvalidValue
	}
	mem, err := shm.Create(dir, name, int(unsafe.Sizeof(_sword{})))
	if err != nil {
		return nil, err
	}
	w := (*_sword)(mem.Base())
	atomic.StoreUint32(&w.max, limit)
	atomic.StoreUint32(&w.value, initial)
	atomic.StoreUint32(&w.waiters, 0)
	atomic.StoreUint64(&w._magic, _sem_magic)

	return &Semaphore{name: name, mem: mem, w: w, poll: DefaultPollInterval}, nil
}

// Open opens an existing named semaphore.
func Open(dir, name string) (*Semaphore, error) {
	mem, err := shm.Open(dir, name)
	if err != nil {
		return nil, err
	}
	if uintptr(mem.Size()) < unsafe.Sizeof(_sword{}) {
		mem.Close()
		return nil, fmt.Errorf("sem: open %s: %w", name, ErrNotInitialized)
	}
	w := (*_sword)(mem.Base())
	if atomic.LoadUint64(&w._magic) != _sem_magic {
		mem.Close()
		return nil, fmt.Errorf("sem: open %s: %w", name, ErrNotInitialized)
	}
	return &Semaphore{name: name, mem: mem, w: w, poll: DefaultPollInterval}, nil
}

// Unlink removes a named semaphore. Handles that are still open keep working
// until closed.
func Unlink(dir, name string) error {
	return shm.Unlink(dir, name)
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string {
	return s.name
}

// SetPollInterval changes how often a blocked Wait checks its context.
func (s *Semaphore) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// Value returns the current number of available permits.
func (s *Semaphore) Value() int {
	if s.w == nil {
		return 0
	}
	return int(atomic.LoadUint32(&s.w.value))
}

// TryWait takes a permit if one is available without blocking.
func (s *Semaphore) TryWait() bool {
	if s.w == nil {
		return false
	}
	for {
		v := atomic.LoadUint32(&s.w.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.w.value, v, v-1) {
			return true
		}
	}
}

// Wait takes a permit, blocking while none is available.
//
// Interrupted and spurious wakeups are retried. Wait returns ctx.Err() if the
// context ends first, and a wrapped futex error if the kernel rejects the wait.
func (s *Semaphore) Wait(ctx context.Context) error {
	if s.w == nil {
		return ErrClosed
	}
	for {
		if s.TryWait() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Announce ourselves before the final check so that a concurrent Post
		// either sees a waiter or we see its permit.
		atomic.AddUint32(&s.w.waiters, 1)
		var err error
		if atomic.LoadUint32(&s.w.value) == 0 {
			err = futexWait(&s.w.value, 0, s.poll)
		}
		atomic.AddUint32(&s.w.waiters, ^uint32(0))

		if err != nil {
			return fmt.Errorf("sem: wait %s: %w", s.name, err)
		}
	}
}

// Post returns a permit and wakes one waiter, in any process.
// It fails with ErrOverflow rather than exceed the maximum value.
func (s *Semaphore) Post() error {
	if s.w == nil {
		return ErrClosed
	}
	limit := atomic.LoadUint32(&s.w.max)
	for {
		v := atomic.LoadUint32(&s.w.value)
		if v >= limit {
			return fmt.Errorf("sem: post %s: %w", s.name, ErrOverflow)
		}
		if atomic.CompareAndSwapUint32(&s.w.value, v, v+1) {
			break
		}
	}

	if atomic.LoadUint32(&s.w.waiters) > 0 {
		if _, err := futexWake(&s.w.value, 1); err != nil {
			return fmt.Errorf("sem: post %s: %w", s.name, err)
		}
	}
	return nil
}

// Close releases the process-local handle.
func (s *Semaphore) Close() error {
	if s.w == nil {
		return nil
	}
	s.w = nil
	return s.mem.Close()
}
