//go:build !linux

package sem

import (
	"sync/atomic"
	"time"
)

// Without a process-shared futex, waiters poll the counter.
const _pollStep = time.Millisecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(_pollStep)
	}
	return nil
}

func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
