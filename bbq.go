// Package bbq is a bounded buffer shared between two processes.
//
// A producer process creates a named shared memory segment holding a
// fixed-capacity circular buffer of integers, plus three named semaphores:
// empty (free slots, starts at the capacity), full (occupied slots, starts at 0)
// and mutex (exclusive access to the cursors, starts at 1). A consumer process
// attaches to the same names. Produce waits on empty, Consume waits on full;
// both touch the buffer only while holding mutex.
package bbq

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gosuda.org/bbq/internal/lifecycle"
	"gosuda.org/bbq/internal/ring"
	"gosuda.org/bbq/internal/sem"
	"gosuda.org/bbq/internal/shm"
)

// Mode represents the role of a buffer handle
// The owner creates the shared objects and removes them on Close, an attached
// handle only opens them.
type Mode uint64

const (
	ModeOwner    Mode = iota // Owner: created the shared objects
	ModeAttached             // Attached: opened existing shared objects
)

func (m Mode) String() string {
	if m == ModeOwner {
		return "owner"
	}
	return "attached"
}

// Error definitions for bbq operations
var (
	ErrResourceCreation = errors.New("bbq: cannot create shared resources")
	ErrResourceNotFound = errors.New("bbq: shared resources not found")
	ErrSynchronization  = errors.New("bbq: synchronization failure")
	ErrAlreadyRemoved   = errors.New("bbq: shared resources already removed")
	ErrClosed           = errors.New("bbq: buffer closed")
	ErrInvalidCapacity  = errors.New("bbq: capacity out of range")
)

// OpError describes a failed operation on a buffer.
// It matches both its Kind (one of the sentinels above) and the underlying
// cause with errors.Is.
type OpError struct {
	Op   string // Failing operation, e.g. "wait empty"
	Name string // Shared object involved
	Kind error  // ErrResourceCreation, ErrResourceNotFound or ErrSynchronization
	Err  error  // Underlying error, usually from the OS
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Semaphore roles. Each is a separate named object next to the segment.
const (
	roleEmpty = "empty"
	roleFull  = "full"
	roleMutex = "mutex"
)

// ObjectNames returns the names of the four shared objects backing a buffer:
// the segment followed by the empty, full and mutex semaphores.
func ObjectNames(name string) []string {
	return []string{name, name + "." + roleEmpty, name + "." + roleFull, name + "." + roleMutex}
}

// Options configures how a buffer handle is created or attached.
type Options struct {
	Dir           string        // Directory for named objects (default: /dev/shm, else os.TempDir())
	AttachTimeout time.Duration // Wait for a segment that exists but is still initializing (default: 5s)
	PollInterval  time.Duration // How often blocked waits check for cancellation (default: 50ms)
	Logger        *slog.Logger  // Diagnostics (default: package logger)
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Dir == "" {
		opts.Dir = shm.DefaultDir()
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = sem.DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger()
	}
	return opts
}

// Buffer is a process-local handle to a shared bounded buffer.
// All methods are safe for concurrent use; Produce and Consume block.
type Buffer struct {
	name string
	mode Mode
	opts Options
	log  *slog.Logger

	seg   *shm.SharedMemory
	ring  *ring.Ring[int64]
	empty *sem.Semaphore
	full  *sem.Semaphore
	mutex *sem.Semaphore

	session uuid.UUID
	state   lifecycle.Machine

	// life is cancelled by Close to pull in-flight calls out of their waits.
	life     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
	gate     sync.Mutex // orders inflight.Add against Close

	closeOnce sync.Once
	closeErr  error

	unlinkMu sync.Mutex
	unlinked bool

	// critical runs while mutex is held. Only tests set it, through
	// onCritical.
	critical func(op string)
}

// Create creates the shared buffer and its semaphores and returns the owner handle.
// The names must not exist yet. Any failure is an *OpError of kind
// ErrResourceCreation, after removing whatever was created so far.
func Create(name string, capacity int, opts *Options) (*Buffer, error) {
	// The size is zero for capacities the 32-bit semaphores cannot count.
	size := ring.Size[int64](capacity)
	if size == 0 {
		return nil, ErrInvalidCapacity
	}
	o := opts.withDefaults()
	b := newBuffer(name, ModeOwner, o)
	b.session = uuid.New()

	names := ObjectNames(name)
	created := make([]string, 0, len(names))
	fail := func(op, object string, err error) (*Buffer, error) {
		b.stop()
		b.closeHandles()
		for _, n := range created {
			shm.Unlink(o.Dir, n)
		}
		return nil, &OpError{Op: op, Name: object, Kind: ErrResourceCreation, Err: err}
	}

	// Semaphores first: once the segment is flagged ready, an attacher may
	// open them immediately.
	var err error
	if b.empty, err = sem.Create(o.Dir, names[1], uint32(capacity), uint32(capacity)); err != nil {
		return fail("create semaphore", names[1], err)
	}
	created = append(created, names[1])
	if b.full, err = sem.Create(o.Dir, names[2], 0, uint32(capacity)); err != nil {
		return fail("create semaphore", names[2], err)
	}
	created = append(created, names[2])
	if b.mutex, err = sem.Create(o.Dir, names[3], 1, 1); err != nil {
		return fail("create semaphore", names[3], err)
	}
	created = append(created, names[3])

	if b.seg, err = shm.Create(o.Dir, names[0], int(size)); err != nil {
		return fail("create segment", names[0], err)
	}
	created = append(created, names[0])

	if !ring.Init[int64](b.seg.Bytes(), capacity, b.session) {
		return fail("initialize segment", names[0], ring.ErrTooSmall)
	}
	if b.ring, err = ring.Attach[int64](b.seg.Bytes(), o.AttachTimeout); err != nil {
		return fail("initialize segment", names[0], err)
	}

	b.setPoll()
	b.state.Transition(lifecycle.StateCreated)
	b.log.Info("buffer created", "name", name, "capacity", capacity, "session", b.session, "dir", o.Dir)
	return b, nil
}

// Attach opens a buffer created by another process.
// A missing segment or semaphore fails immediately with an *OpError of kind
// ErrResourceNotFound: the producer is expected to be running first. A segment
// that exists but is still being initialized is waited for up to
// Options.AttachTimeout.
func Attach(name string, opts *Options) (*Buffer, error) {
	o := opts.withDefaults()
	b := newBuffer(name, ModeAttached, o)
	names := ObjectNames(name)

	fail := func(op, object string, err error) (*Buffer, error) {
		b.stop()
		b.closeHandles()
		kind := ErrSynchronization
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, shm.ErrNotSized) ||
			errors.Is(err, ring.ErrNotInitialized) || errors.Is(err, sem.ErrNotInitialized) {
			kind = ErrResourceNotFound
		}
		return nil, &OpError{Op: op, Name: object, Kind: kind, Err: err}
	}

	deadline := time.Now().Add(o.AttachTimeout)
	var err error
	for {
		b.seg, err = shm.Open(o.Dir, names[0])
		if !errors.Is(err, shm.ErrNotSized) || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		return fail("open segment", names[0], err)
	}
	// A zero timeout would mean waiting forever.
	remaining := max(time.Until(deadline), time.Millisecond)
	if b.ring, err = ring.Attach[int64](b.seg.Bytes(), remaining); err != nil {
		return fail("open segment", names[0], err)
	}
	b.session = uuid.UUID(b.ring.Session())

	if b.empty, err = sem.Open(o.Dir, names[1]); err != nil {
		return fail("open semaphore", names[1], err)
	}
	if b.full, err = sem.Open(o.Dir, names[2]); err != nil {
		return fail("open semaphore", names[2], err)
	}
	if b.mutex, err = sem.Open(o.Dir, names[3]); err != nil {
		return fail("open semaphore", names[3], err)
	}

	b.setPoll()
	b.state.Transition(lifecycle.StateAttached)
	b.log.Info("buffer attached", "name", name, "capacity", b.ring.Cap(),
		"session", b.session, "owner_pid", b.ring.OwnerPID())
	return b, nil
}

func newBuffer(name string, mode Mode, o Options) *Buffer {
	b := &Buffer{
		name: name,
		mode: mode,
		opts: o,
		log:  o.Logger.With("buffer", name, "mode", mode.String()),
	}
	b.life, b.stop = context.WithCancel(context.Background())
	return b
}

func (b *Buffer) setPoll() {
	for _, s := range []*sem.Semaphore{b.empty, b.full, b.mutex} {
		s.SetPollInterval(b.opts.PollInterval)
	}
}

// Produce stores item in the next free slot and returns the slot index.
//
// It blocks while the buffer is full. If ctx ends (or the handle is closed)
// while waiting, nothing is written and the capacity reservation is returned.
// A semaphore failure is reported as an *OpError of kind ErrSynchronization.
func (b *Buffer) Produce(ctx context.Context, item int64) (int, error) {
	ctx, done, err := b.begin(ctx)
	if err != nil {
		return -1, err
	}
	defer done()

	if err := b.wait(ctx, b.empty, "wait empty"); err != nil {
		return -1, err
	}
	if err := b.wait(ctx, b.mutex, "lock mutex"); err != nil {
		b.giveBack(b.empty, "release empty")
		return -1, err
	}

	slot := b.ring.Put(item)
	if b.critical != nil {
		b.critical("produce")
	}

	if err := b.post(b.mutex, "unlock mutex"); err != nil {
		return slot, err
	}
	if err := b.post(b.full, "signal full"); err != nil {
		return slot, err
	}
	b.log.Debug("produced", "item", item, "slot", slot)
	return slot, nil
}

// Consume removes the oldest item and returns it with its slot index.
//
// It blocks while the buffer is empty. If ctx ends (or the handle is closed)
// while waiting, nothing is read and the item reservation is returned.
func (b *Buffer) Consume(ctx context.Context) (int64, int, error) {
	ctx, done, err := b.begin(ctx)
	if err != nil {
		return 0, -1, err
	}
	defer done()

	if err := b.wait(ctx, b.full, "wait full"); err != nil {
		return 0, -1, err
	}
	if err := b.wait(ctx, b.mutex, "lock mutex"); err != nil {
		b.giveBack(b.full, "release full")
		return 0, -1, err
	}

	item, slot := b.ring.Take()
	if b.critical != nil {
		b.critical("consume")
	}

	if err := b.post(b.mutex, "unlock mutex"); err != nil {
		return item, slot, err
	}
	if err := b.post(b.empty, "signal empty"); err != nil {
		return item, slot, err
	}
	b.log.Debug("consumed", "item", item, "slot", slot)
	return item, slot, nil
}

// begin registers an in-flight call and derives a context that Close cancels.
func (b *Buffer) begin(ctx context.Context) (context.Context, func(), error) {
	b.gate.Lock()
	if !b.state.Load().Active() {
		b.gate.Unlock()
		return nil, nil, ErrClosed
	}
	b.state.Transition(lifecycle.StateRunning)
	b.inflight.Add(1)
	b.gate.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.life, cancel)
	return ctx, func() {
		stop()
		cancel()
		b.inflight.Done()
	}, nil
}

// wait takes a permit. Cancellation is returned as ctx.Err() (or ErrClosed when
// the handle is shutting down); anything else is a synchronization failure.
func (b *Buffer) wait(ctx context.Context, s *sem.Semaphore, op string) error {
	err := s.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if b.life.Err() != nil {
			return ErrClosed
		}
		return ctxErr
	}
	b.log.Error("semaphore wait failed", "op", op, "semaphore", s.Name(), "error", err)
	return &OpError{Op: op, Name: s.Name(), Kind: ErrSynchronization, Err: err}
}

func (b *Buffer) post(s *sem.Semaphore, op string) error {
	if err := s.Post(); err != nil {
		b.log.Error("semaphore post failed", "op", op, "semaphore", s.Name(), "error", err)
		return &OpError{Op: op, Name: s.Name(), Kind: ErrSynchronization, Err: err}
	}
	return nil
}

// giveBack returns a permit taken earlier in an abandoned call, so that the
// semaphore values keep matching the buffer contents.
func (b *Buffer) giveBack(s *sem.Semaphore, op string) {
	if err := s.Post(); err != nil {
		b.log.Warn("failed to return permit", "op", op, "semaphore", s.Name(), "error", err)
	}
}

// Name returns the base name of the shared objects.
func (b *Buffer) Name() string {
	return b.name
}

// Mode returns whether this handle owns the shared objects.
func (b *Buffer) Mode() Mode {
	return b.mode
}

// Capacity returns the number of slots.
func (b *Buffer) Capacity() int {
	return b.ring.Cap()
}

// Session returns the identifier the owner recorded in the segment.
func (b *Buffer) Session() uuid.UUID {
	return b.session
}

// State returns the lifecycle state of this handle.
func (b *Buffer) State() lifecycle.State {
	return b.state.Load()
}

// Stats is a point-in-time snapshot of a buffer. Values are read without the
// mutex and may be mutually inconsistent while the buffer is busy.
type Stats struct {
	Capacity    int
	Occupancy   int // Diagnostic counter stored next to the cursors
	Empty       int // Value of the empty semaphore
	Full        int // Value of the full semaphore
	WriteCursor int
	ReadCursor  int
	OwnerPID    int
	Session     uuid.UUID
}

// Stats returns a snapshot of the buffer. It does not block.
func (b *Buffer) Stats() (Stats, error) {
	b.gate.Lock()
	defer b.gate.Unlock()
	if !b.state.Load().Active() {
		return Stats{}, ErrClosed
	}
	in, out := b.ring.Cursors()
	return Stats{
		Capacity:    b.ring.Cap(),
		Occupancy:   b.ring.Len(),
		Empty:       b.empty.Value(),
		Full:        b.full.Value(),
		WriteCursor: in,
		ReadCursor:  out,
		OwnerPID:    b.ring.OwnerPID(),
		Session:     b.session,
	}, nil
}

// Close shuts the handle down: new calls fail with ErrClosed, blocked calls are
// woken and return ErrClosed, and the process-local handles are released.
// The owner also unlinks the segment and the semaphores. Close is idempotent.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		b.gate.Lock()
		b.state.Transition(lifecycle.StateShuttingDown)
		b.gate.Unlock()

		b.stop()
		b.inflight.Wait()

		errs := []error{b.closeHandles()}
		if b.mode == ModeOwner {
			if err := b.Unlink(); err != nil && !errors.Is(err, ErrAlreadyRemoved) {
				errs = append(errs, err)
			}
		}
		b.state.Transition(lifecycle.StateTerminated)
		b.closeErr = errors.Join(errs...)
		b.log.Info("buffer closed", "error", b.closeErr)
	})
	return b.closeErr
}

func (b *Buffer) closeHandles() error {
	var errs []error
	for _, s := range []*sem.Semaphore{b.empty, b.full, b.mutex} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if b.seg != nil {
		errs = append(errs, b.seg.Close())
	}
	return errors.Join(errs...)
}

// Unlink removes the segment and the three semaphores from the namespace.
// Open handles, here and in other processes, keep working until closed.
// Calling Unlink again returns an error matching ErrAlreadyRemoved.
func (b *Buffer) Unlink() error {
	b.unlinkMu.Lock()
	defer b.unlinkMu.Unlock()
	if b.unlinked {
		return fmt.Errorf("unlink %s: %w", b.name, ErrAlreadyRemoved)
	}
	b.unlinked = true

	err := Remove(b.name, b.opts.Dir)
	if err != nil {
		b.log.Warn("unlink incomplete", "error", err)
	}
	return err
}

// Remove unlinks every shared object belonging to name from dir ("" = default
// directory). It is the recovery path after a process died without cleaning
// up. Objects that are already gone are skipped; if none existed the error
// matches ErrAlreadyRemoved.
func Remove(name string, dir string) error {
	if dir == "" {
		dir = shm.DefaultDir()
	}
	var errs []error
	missing := 0
	for _, n := range ObjectNames(name) {
		err := shm.Unlink(dir, n)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			missing++
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if missing == len(ObjectNames(name)) {
		return fmt.Errorf("remove %s: %w", name, ErrAlreadyRemoved)
	}
	return nil
}
