// Package history implements the per-publisher sample ring: a fixed array of
// {sequence, chunk ref} slots written by a single publisher and read
// concurrently by any number of subscribers in other processes.
//
// The writer clears a slot's sequence before replacing its ref and publishes
// the new sequence afterwards. A reader that sees the same sequence before
// and after loading the ref knows the ref belongs to that sequence.
package history

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var ErrCorrupted = errors.New("history: corrupted ring")

type header struct {
	head  uint64 // sequence of the newest entry, 0 when empty
	depth uint64
	_     [48]byte
}

type slot struct {
	seq uint64
	ref uint64
}

const headerSize = unsafe.Sizeof(header{})

// Ring is a process-local view of a history ring.
type Ring struct {
	hdr   *header
	slots []slot
}

// Size returns the bytes needed for a ring of the given depth.
func Size(depth int) uintptr {
	return headerSize + uintptr(max(depth, 1))*unsafe.Sizeof(slot{})
}

// Init lays out an empty ring at mem.
func Init(mem unsafe.Pointer, depth int) *Ring {
	h := (*header)(mem)
	depth = max(depth, 1)
	atomic.StoreUint64(&h.depth, uint64(depth))
	r := view(mem, h)
	r.Reset()
	return r
}

// Attach returns a view of the ring initialized at mem.
func Attach(mem unsafe.Pointer) (*Ring, error) {
	h := (*header)(mem)
	if atomic.LoadUint64(&h.depth) == 0 {
		return nil, ErrCorrupted
	}
	return view(mem, h), nil
}

func view(mem unsafe.Pointer, h *header) *Ring {
	slots := unsafe.Slice((*slot)(unsafe.Add(mem, headerSize)), atomic.LoadUint64(&h.depth))
	return &Ring{hdr: h, slots: slots}
}

// Capacity returns the ring depth.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Head returns the sequence of the newest entry, 0 if nothing was pushed.
func (r *Ring) Head() uint64 {
	return atomic.LoadUint64(&r.hdr.head)
}

// Oldest returns the sequence of the oldest entry still retained, 0 if the
// ring is empty.
func (r *Ring) Oldest() uint64 {
	head := r.Head()
	if head == 0 {
		return 0
	}
	depth := uint64(len(r.slots))
	if head <= depth {
		return 1
	}
	return head - depth + 1
}

// Push stores ref under seq, which must be Head()+1, and returns the ref it
// displaced (0 if the slot was empty). Only one goroutine in one process may
// push to a ring.
func (r *Ring) Push(seq, ref uint64) (evicted uint64) {
	s := &r.slots[seq%uint64(len(r.slots))]
	if atomic.LoadUint64(&s.seq) != 0 {
		evicted = atomic.LoadUint64(&s.ref)
	}
	atomic.StoreUint64(&s.seq, 0)
	atomic.StoreUint64(&s.ref, ref)
	atomic.StoreUint64(&s.seq, seq)
	atomic.StoreUint64(&r.hdr.head, seq)
	return evicted
}

// Load returns the ref stored under seq. It reports false when seq was
// overwritten or is being written.
func (r *Ring) Load(seq uint64) (uint64, bool) {
	if seq == 0 {
		return 0, false
	}
	s := &r.slots[seq%uint64(len(r.slots))]
	if atomic.LoadUint64(&s.seq) != seq {
		return 0, false
	}
	ref := atomic.LoadUint64(&s.ref)
	if atomic.LoadUint64(&s.seq) != seq {
		return 0, false
	}
	return ref, true
}

// Entries calls fn for every retained entry, oldest first.
func (r *Ring) Entries(fn func(seq, ref uint64) bool) {
	head := r.Head()
	for seq := r.Oldest(); seq != 0 && seq <= head; seq++ {
		ref, ok := r.Load(seq)
		if !ok {
			continue
		}
		if !fn(seq, ref) {
			return
		}
	}
}

// Reset empties the ring. The caller must be its only writer.
func (r *Ring) Reset() {
	atomic.StoreUint64(&r.hdr.head, 0)
	for i := range r.slots {
		atomic.StoreUint64(&r.slots[i].seq, 0)
		atomic.StoreUint64(&r.slots[i].ref, 0)
	}
}
