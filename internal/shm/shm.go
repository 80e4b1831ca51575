package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unsafe"
)

// Prefix is prepended to every object name inside the shared memory directory
// so that bbq objects are easy to spot (and clean up) in /dev/shm.
const Prefix = "bbq."

var (
	ErrInvalidName = errors.New("shm: invalid object name")
	ErrInvalidSize = errors.New("shm: invalid object size")
	ErrNotSized    = errors.New("shm: object exists but has not been sized yet")
)

// SharedMemory represents a named shared memory region for inter-process communication
// The region is backed by a file in a memory filesystem (normally /dev/shm) and
// mapped MAP_SHARED into the calling process, so every process that opens the
// same name sees the same bytes.
//
// The name lives independently of any process: closing a SharedMemory only drops
// this process' mapping. The object is destroyed by Unlink.
type SharedMemory struct {
	name string  // Name/identifier of the shared memory region
	path string  // Filesystem entry backing the region
	size int     // Size of the shared memory region in bytes
	fd   uintptr // File descriptor of the backing object
	mem  []byte  // Process-local mapping, nil once closed
}

// Name returns the name/identifier of the shared memory region
func (s *SharedMemory) Name() string {
	return s.name
}

// Path returns the filesystem entry backing the region
func (s *SharedMemory) Path() string {
	return s.path
}

// Size returns the size of the shared memory region in bytes
func (s *SharedMemory) Size() int {
	return s.size
}

// FD returns the file descriptor of the backing object
func (s *SharedMemory) FD() uintptr {
	return s.fd
}

// Bytes returns the process-local mapping of the region.
// The slice is only valid until Close.
func (s *SharedMemory) Bytes() []byte {
	return s.mem
}

// Base returns the address of the first byte of the mapping.
func (s *SharedMemory) Base() unsafe.Pointer {
	if len(s.mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.mem[0])
}

// DefaultDir returns the directory used for named objects when none is configured.
// /dev/shm is preferred on Linux; the temporary directory is the fallback.
func DefaultDir() string {
	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path maps an object name to its filesystem entry inside dir.
func Path(dir, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, Prefix+name), nil
}
