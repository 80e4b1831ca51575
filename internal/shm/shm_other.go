//go:build !unix

package shm

import "errors"

var errUnsupported = errors.New("shm: named shared memory is not supported on this platform")

func Create(dir, name string, size int) (*SharedMemory, error) {
	return nil, errUnsupported
}

func Open(dir, name string) (*SharedMemory, error) {
	return nil, errUnsupported
}

func (s *SharedMemory) Close() error {
	return nil
}

func Unlink(dir, name string) error {
	return errUnsupported
}
