// Package mpmc implements a bounded lock-free multi-producer multi-consumer
// queue that lives entirely in caller-provided memory, typically a shared
// memory segment mapped by several processes.
//
// The algorithm is Dmitry Vyukov's bounded MPMC queue: every cell carries a
// sequence number that tells producers and consumers whether the cell is
// theirs to use for the current lap. Element types must be fixed size and
// free of Go pointers.
package mpmc

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// Magic number identifying an initialized ring.
const ringMagic uint64 = 0xc9d8c1d43f096701

type ringFlag uint64

const (
	flagReserved ringFlag = 1 << iota
	flagInit
)

const (
	cacheLine  = 64
	headerSize = 256
)

// ringHeader is stored at the start of the ring's memory. The read and write
// positions sit on separate cache lines so producers and consumers do not
// contend on the same line.
type ringHeader struct {
	magic uint64
	size  uint64
	flag  uint64
	_     [cacheLine - 24]byte
	r     uint64
	_     [cacheLine - 8]byte
	w     uint64
	_     [cacheLine - 8]byte
}

type cell[T any] struct {
	data T
	seq  uint64
}

// Ring is a process-local handle to a queue in shared memory.
type Ring[T any] struct {
	hdr   *ringHeader
	data  unsafe.Pointer
	mask  uint64
	size  uint64
	csize uintptr
}

// RoundUpPowerOf2 rounds v up to the next power of two.
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func RoundUpPowerOf2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// Size returns the bytes needed for a ring of capacity elements (rounded up
// to a power of two).
func Size[T any](capacity uint64) uintptr {
	return headerSize + unsafe.Sizeof(cell[T]{})*uintptr(RoundUpPowerOf2(capacity))
}

// Init lays out an empty ring at mem. It returns false if mem already holds
// an initialized ring.
func Init[T any](mem unsafe.Pointer, capacity uint64) bool {
	size := RoundUpPowerOf2(capacity)
	h := (*ringHeader)(mem)

	magic := atomic.LoadUint64(&h.magic)
	if magic == ringMagic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&h.magic, magic, ringMagic) {
		return false
	}

	atomic.StoreUint64(&h.size, size)
	r := view[T](mem, size)
	r.reset()
	atomic.StoreUint64(&h.flag, uint64(flagInit))
	return true
}

// Attach returns a handle to the ring at mem, waiting up to timeout for it to
// be initialized. A zero timeout waits forever. It returns nil on timeout.
func Attach[T any](mem unsafe.Pointer, timeout time.Duration) *Ring[T] {
	start := time.Now()
	h := (*ringHeader)(mem)
	for {
		if atomic.LoadUint64(&h.magic) == ringMagic && atomic.LoadUint64(&h.flag)&uint64(flagInit) != 0 {
			return view[T](mem, atomic.LoadUint64(&h.size))
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return nil
		}
		runtime.Gosched()
	}
}

func view[T any](mem unsafe.Pointer, size uint64) *Ring[T] {
	return &Ring[T]{
		hdr:   (*ringHeader)(mem),
		data:  unsafe.Add(mem, headerSize),
		mask:  size - 1,
		size:  size,
		csize: unsafe.Sizeof(cell[T]{}),
	}
}

func (m *Ring[T]) cell(pos uint64) *cell[T] {
	return (*cell[T])(unsafe.Add(m.data, m.csize*uintptr(pos&m.mask)))
}

// reset empties the ring. It must not race with any producer or consumer.
func (m *Ring[T]) reset() {
	for i := uint64(0); i < m.size; i++ {
		c := m.cell(i)
		c.data = *new(T)
		atomic.StoreUint64(&c.seq, i)
	}
	atomic.StoreUint64(&m.hdr.r, 0)
	atomic.StoreUint64(&m.hdr.w, 0)
}

// Reset discards every element and any half-finished operation left behind
// by a crashed producer or consumer. The caller must guarantee that nobody
// else uses the ring concurrently.
func (m *Ring[T]) Reset() {
	m.reset()
}

// Cap returns the ring capacity.
func (m *Ring[T]) Cap() int {
	return int(m.size)
}

// Len returns the number of queued elements. The value is a snapshot and
// may be stale by the time it is used.
func (m *Ring[T]) Len() int {
	r := atomic.LoadUint64(&m.hdr.r)
	w := atomic.LoadUint64(&m.hdr.w)
	n := int64(w - r)
	if n < 0 {
		return 0
	}
	return int(min(uint64(n), m.size))
}

// TryEnqueue appends elem and reports false if the ring is full.
func (m *Ring[T]) TryEnqueue(elem T) bool {
	p := atomic.LoadUint64(&m.hdr.w)
	for {
		c := m.cell(p)
		seq := atomic.LoadUint64(&c.seq)
		switch diff := int64(seq - p); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m.hdr.w, p, p+1) {
				c.data = elem
				// publishes data to consumers
				atomic.StoreUint64(&c.seq, p+1)
				return true
			}
			p = atomic.LoadUint64(&m.hdr.w)
		case diff < 0:
			return false
		default:
			// another producer claimed this cell
			p = atomic.LoadUint64(&m.hdr.w)
		}
	}
}

// TryDequeue removes the oldest element and reports false if the ring is
// empty.
func (m *Ring[T]) TryDequeue() (elem T, ok bool) {
	p := atomic.LoadUint64(&m.hdr.r)
	for {
		c := m.cell(p)
		seq := atomic.LoadUint64(&c.seq)
		switch diff := int64(seq - (p + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m.hdr.r, p, p+1) {
				elem = c.data
				// hands the cell back to producers for the next lap
				atomic.StoreUint64(&c.seq, p+m.mask+1)
				return elem, true
			}
			p = atomic.LoadUint64(&m.hdr.r)
		case diff < 0:
			return elem, false
		default:
			p = atomic.LoadUint64(&m.hdr.r)
		}
	}
}

// Enqueue appends elem, spinning while the ring is full until ctx is done.
func (m *Ring[T]) Enqueue(ctx context.Context, elem T) error {
	done := ctx.Done()
	for !m.TryEnqueue(elem) {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
	return nil
}

// Dequeue removes the oldest element, spinning while the ring is empty until
// ctx is done.
func (m *Ring[T]) Dequeue(ctx context.Context) (T, error) {
	done := ctx.Done()
	for {
		if elem, ok := m.TryDequeue(); ok {
			return elem, nil
		}
		select {
		case <-done:
			var zero T
			return zero, ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// Drain dequeues every element currently in the ring, calling fn for each,
// and returns how many were removed.
func (m *Ring[T]) Drain(fn func(T)) int {
	n := 0
	for {
		elem, ok := m.TryDequeue()
		if !ok {
			return n
		}
		if fn != nil {
			fn(elem)
		}
		n++
	}
}
