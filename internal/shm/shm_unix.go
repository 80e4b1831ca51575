//go:build unix

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Create creates a new named shared memory region of the given size and maps it.
// The name must not exist yet: a collision is reported as an error wrapping EEXIST.
// The object is made readable and writable by every cooperating process (0666),
// independent of the caller's umask.
func Create(dir, name string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}

	// Ensure cleanup on error
	cleanup := func() {
		unix.Close(fd)
		unix.Unlink(path)
	}

	if err := unix.Fchmod(fd, 0o666); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: chmod %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		size: size,
		fd:   uintptr(fd),
		mem:  mem,
	}, nil
}

// Open opens an existing named shared memory region and maps all of it.
// A missing name is reported as an error satisfying errors.Is(err, fs.ErrNotExist).
func Open(dir, name string) (*SharedMemory, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	// Mapping a zero-length object would fail, and touching pages past the end
	// of a short one raises SIGBUS. The creator may still be between open and
	// ftruncate.
	if st.Size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: open %s: %w", path, ErrNotSized)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		size: int(st.Size),
		fd:   uintptr(fd),
		mem:  mem,
	}, nil
}

// Close unmaps the region and closes the descriptor.
// The named object itself survives; calling Close more than once is a no-op.
func (s *SharedMemory) Close() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem = nil

	var errs []error
	if err := unix.Munmap(mem); err != nil {
		errs = append(errs, fmt.Errorf("shm: munmap %s: %w", s.path, err))
	}
	if err := unix.Close(int(s.fd)); err != nil {
		errs = append(errs, fmt.Errorf("shm: close %s: %w", s.path, err))
	}
	return errors.Join(errs...)
}

// Unlink removes the named object from the namespace.
// Existing mappings stay valid until they are closed.
// Unlinking a name that does not exist returns an error satisfying
// errors.Is(err, fs.ErrNotExist).
func Unlink(dir, name string) error {
	path, err := Path(dir, name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("shm: unlink %s: %w", path, err)
	}
	return nil
}
