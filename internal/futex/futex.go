// Package futex provides a cross-process wait/wake primitive on a 32-bit
// word living in shared memory.
//
// Callers follow the usual futex discipline: snapshot the word, re-check the
// logical condition, then Wait on the snapshot. Wait may return early
// (signals, spurious wakeups, the value already changed) so the condition
// must always be re-checked afterwards.
package futex

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Wait when the timeout elapsed without a wake.
var ErrTimeout = errors.New("futex: timeout")

// Forever makes Wait block until woken.
const Forever time.Duration = -1
