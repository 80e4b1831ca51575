package ring

import (
	"errors"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	ErrTooSmall       = errors.New("ring: memory too small for ring")
	ErrNotInitialized = errors.New("ring: not initialized")
)

// MaxCapacity is the largest number of slots a ring accepts. The semaphores
// counting free and occupied slots are 32-bit.
const MaxCapacity = math.MaxUint32

// Item is the set of slot types a Ring can hold.
// Slots live in memory mapped by several processes at different addresses, so
// only fixed-size values are allowed: anything holding a pointer would be
// meaningless on the other side.
type Item interface {
	~int32 | ~int64 | ~uint32 | ~uint64
}

// Ring is a fixed-capacity circular buffer laid out directly in shared memory.
//
// The memory layout is:
//
//	[Header (256 bytes)][Slots: capacity * sizeof(T)]
//
// Ring performs no synchronization of its own. Put and Take must be called with
// the buffer's mutex held; the cursors are only kept in shared memory so that
// both processes agree on them.
type Ring[T Item] struct {
	_head  *_rhead // Header in shared memory
	_slots []T     // Slot array in shared memory
	_cap   uint64  // Capacity, cached from the header
}

// Init initializes a new ring in mem.
// This function should be called only once per shared memory region, by the
// creating process. Returns true if initialization was successful, false if the
// region already holds a ring or is too small.
//
// Parameters:
//   - mem: Mapped shared memory (at least Size[T](capacity) bytes, 8-byte aligned)
//   - capacity: Number of slots
//   - session: Identifier of the creating process, recorded for attachers
func Init[T Item](mem []byte, capacity int, session [16]byte) bool {
	if capacity <= 0 || !fits[T](mem, uint64(capacity)) {
		return false
	}
	_h := (*_rhead)(unsafe.Pointer(&mem[0]))

	magic := atomic.LoadUint64(&_h._magic)
	if magic == _ring_magic {
		return false
	}

	// Claim the region by setting the magic number, then publish the ready flag
	// once every field is in place.
	if !atomic.CompareAndSwapUint64(&_h._magic, magic, _ring_magic) {
		return false
	}

	atomic.StoreUint64(&_h._cap, uint64(capacity))
	atomic.StoreUint64(&_h._pid, uint64(os.Getpid()))
	_h._session = session

	slots := unsafe.Slice((*T)(unsafe.Add(unsafe.Pointer(&mem[0]), _HEADER_SIZE)), capacity)
	clear(slots)

	atomic.StoreUint64(&_h.in, 0)
	atomic.StoreUint64(&_h.out, 0)
	atomic.StoreUint64(&_h.count, 0)

	atomic.StoreUint64(&_h._flag, uint64(_ring_init))
	return true
}

// Attach attaches to a ring previously initialized in mem.
// It waits for the creator to finish initialization.
//
// Parameters:
//   - mem: Mapped shared memory holding the ring
//   - timeout: Maximum time to wait for initialization (0 = wait forever)
//
// Returns ErrNotInitialized if the timeout elapses, ErrTooSmall if mem cannot
// hold the capacity recorded in the header.
func Attach[T Item](mem []byte, timeout time.Duration) (*Ring[T], error) {
	if uintptr(len(mem)) < _HEADER_SIZE {
		return nil, ErrTooSmall
	}
	_tt := time.Now()
	_h := (*_rhead)(unsafe.Pointer(&mem[0]))

	for {
		magic := atomic.LoadUint64(&_h._magic)
		flag := atomic.LoadUint64(&_h._flag)

		if magic == _ring_magic && flag&uint64(_ring_init) != 0 {
			capacity := atomic.LoadUint64(&_h._cap)
			if !fits[T](mem, capacity) {
				return nil, ErrTooSmall
			}
			return &Ring[T]{
				_head:  _h,
				_slots: unsafe.Slice((*T)(unsafe.Add(unsafe.Pointer(&mem[0]), _HEADER_SIZE)), capacity),
				_cap:   capacity,
			}, nil
		}

		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil, ErrNotInitialized
		}

		// Yield to other goroutines while waiting
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

// Put stores v at the write cursor and advances it modulo the capacity.
// The caller must hold the mutex and own a free slot.
// Returns the slot index that was written.
func (r *Ring[T]) Put(v T) int {
	i := atomic.LoadUint64(&r._head.in)
	r._slots[i] = v
	atomic.StoreUint64(&r._head.in, (i+1)%r._cap)
	atomic.AddUint64(&r._head.count, 1)
	return int(i)
}

// Take loads the value at the read cursor and advances it modulo the capacity.
// The caller must hold the mutex and own a full slot.
// Returns the value and the slot index it was read from.
func (r *Ring[T]) Take() (v T, slot int) {
	i := atomic.LoadUint64(&r._head.out)
	v = r._slots[i]
	atomic.StoreUint64(&r._head.out, (i+1)%r._cap)
	atomic.AddUint64(&r._head.count, ^uint64(0))
	return v, int(i)
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return int(r._cap)
}

// Len returns the occupancy counter kept next to the cursors.
// It is diagnostic only and may be momentarily stale when read without the mutex.
func (r *Ring[T]) Len() int {
	return int(atomic.LoadUint64(&r._head.count))
}

// Cursors returns the write (in) and read (out) cursors.
func (r *Ring[T]) Cursors() (in, out int) {
	return int(atomic.LoadUint64(&r._head.in)), int(atomic.LoadUint64(&r._head.out))
}

// Session returns the identifier recorded by the creating process.
func (r *Ring[T]) Session() [16]byte {
	return r._head._session
}

// OwnerPID returns the process ID of the creating process.
func (r *Ring[T]) OwnerPID() int {
	return int(atomic.LoadUint64(&r._head._pid))
}

// Magic number to identify initialized rings
const _ring_magic uint64 = 0x6262712d72696e67

// _ringflag represents initialization flags for the ring
type _ringflag uint64

const (
	_ring_reserved = _ringflag(1) << iota // Reserved flag for future use
	_ring_init                            // Ring is initialized flag
)

// Size of the header region preceding the slots
const _HEADER_SIZE = 256

// _rhead represents the header structure for the ring
// This structure is stored at the beginning of the shared memory region and
// contains only values: offsets and counters, never addresses.
type _rhead struct {
	_magic   uint64   // Magic number for initialization detection
	_flag    uint64   // Initialization flags
	_cap     uint64   // Number of slots
	_pid     uint64   // Creator process ID
	_session [16]byte // Creator session identifier
	_p       [2]uint64
	/* ======== Cache line boundary ======== */
	in    uint64    // Write cursor (producer)
	_p0   [7]uint64 // Padding to prevent false sharing
	out   uint64    // Read cursor (consumer)
	_p1   [7]uint64 // Padding to prevent false sharing
	count uint64    // Occupancy, diagnostic only
}

// Size calculates the total memory size required for a ring
// This includes the header region and all slots
//
// Parameters:
//   - capacity: Number of slots in the ring
//
// Returns the total size in bytes, or 0 if capacity is outside
// 1..MaxCapacity or the size does not fit in a uintptr.
func Size[T Item](capacity int) uintptr {
	var zero T
	if capacity <= 0 || uint64(capacity) > MaxCapacity {
		return 0
	}
	if uintptr(capacity) > (^uintptr(0)-_HEADER_SIZE)/unsafe.Sizeof(zero) {
		return 0
	}
	return _HEADER_SIZE + unsafe.Sizeof(zero)*uintptr(capacity)
}

// fits reports whether mem holds the header and capacity slots of T.
// It divides instead of multiplying so that a bogus capacity read from a
// header cannot wrap around.
func fits[T Item](mem []byte, capacity uint64) bool {
	var zero T
	if capacity == 0 || capacity > MaxCapacity || uintptr(len(mem)) < _HEADER_SIZE {
		return false
	}
	return capacity <= uint64(uintptr(len(mem))-_HEADER_SIZE)/uint64(unsafe.Sizeof(zero))
}
