package shmbus

import (
	"fmt"
	"time"

	"gosuda.org/shmbus/internal/futex"
)

type timeoutKind uint8

const (
	timeoutUnset timeoutKind = iota
	timeoutPoll
	timeoutAfter
	timeoutInfinite
)

// Timeout bounds a blocking call. Poll never blocks and Infinite blocks
// until signaled; neither is encoded as a magic duration. The zero Timeout
// is unset: configuration fields fall back to their default, and blocking
// calls treat it as Poll.
type Timeout struct {
	kind timeoutKind
	d    time.Duration
}

var (
	Poll     = Timeout{kind: timeoutPoll}
	Infinite = Timeout{kind: timeoutInfinite}
)

// After returns a Timeout of d. A non-positive d is Poll.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return Poll
	}
	return Timeout{kind: timeoutAfter, d: d}
}

// IsPoll reports whether t never blocks.
func (t Timeout) IsPoll() bool { return t.kind == timeoutPoll || t.kind == timeoutUnset }

// IsZero reports whether t is unset.
func (t Timeout) IsZero() bool { return t.kind == timeoutUnset }

// or returns t, or def when t is unset.
func (t Timeout) or(def Timeout) Timeout {
	if t.IsZero() {
		return def
	}
	return t
}

// IsInfinite reports whether t blocks until signaled.
func (t Timeout) IsInfinite() bool { return t.kind == timeoutInfinite }

// Duration returns the bound of an After timeout and 0 otherwise.
func (t Timeout) Duration() time.Duration {
	if t.kind == timeoutAfter {
		return t.d
	}
	return 0
}

func (t Timeout) String() string {
	switch t.kind {
	case timeoutUnset, timeoutPoll:
		return "poll"
	case timeoutInfinite:
		return "infinite"
	}
	return fmt.Sprintf("after(%s)", t.d)
}

// deadline tracks the remaining time of one blocking call.
type deadline struct {
	t   Timeout
	end time.Time
}

func (t Timeout) start() deadline {
	d := deadline{t: t}
	if t.kind == timeoutAfter {
		d.end = time.Now().Add(t.d)
	}
	return d
}

// remaining returns the time left as a futex wait bound and whether any time
// is left at all.
func (d deadline) remaining() (time.Duration, bool) {
	switch d.t.kind {
	case timeoutUnset, timeoutPoll:
		return 0, false
	case timeoutInfinite:
		return futex.Forever, true
	}
	left := time.Until(d.end)
	return left, left > 0
}

// backoff sleeps between polls of a condition that has no futex word.
type backoff struct {
	d time.Duration
}

func (b *backoff) wait(dl deadline) bool {
	left, ok := dl.remaining()
	if !ok {
		return false
	}
	if b.d == 0 {
		b.d = 10 * time.Microsecond
	}
	sleep := b.d
	if left >= 0 && left < sleep {
		sleep = left
	}
	time.Sleep(sleep)
	b.d = min(b.d*2, time.Millisecond)
	return true
}
