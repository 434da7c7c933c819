//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

const pollInterval = time.Millisecond

// Wait polls *addr until it differs from val or d elapses. Platforms without
// a futex fall back to sleeping in short steps.
func Wait(addr *uint32, val uint32, d time.Duration) error {
	var deadline time.Time
	if d >= 0 {
		deadline = time.Now().Add(d)
	}
	for atomic.LoadUint32(addr) == val {
		step := pollInterval
		if d >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimeout
			}
			step = min(step, left)
		}
		time.Sleep(step)
	}
	return nil
}

// Wake is a no-op; pollers observe the changed word on their own.
func Wake(addr *uint32, n int) (int, error) {
	return 0, nil
}
