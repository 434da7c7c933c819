// Package pool implements the chunk allocator that lives inside a service
// segment. Chunks are grouped in size classes; each class keeps its free
// slots on a lock-free stack.
//
// A chunk in use is shared by a set of holders, one bit per port slot, and a
// reference count equal to the number of bits set. Only the caller whose CAS
// clears a bit drops the count, so releasing on behalf of a crashed holder is
// idempotent.
package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"

	"gosuda.org/shmbus/internal/protocol"
)

var (
	// ErrOutOfChunks is returned by Allocate when the fitting class is empty.
	ErrOutOfChunks = errors.New("pool: out of chunks")
	// ErrTooLarge is returned by Allocate when no class is big enough.
	ErrTooLarge = errors.New("pool: no size class fits")
	// ErrStale means the chunk was freed and reused since the Ref was made.
	ErrStale = errors.New("pool: stale chunk reference")
	// ErrAlreadyHeld is returned by Borrow when the holder bit is set.
	ErrAlreadyHeld = errors.New("pool: chunk already held")
	// ErrNotHeld is returned by Release when the holder bit is clear.
	ErrNotHeld = errors.New("pool: chunk not held")
	// ErrCorrupted reports a pool header or free list that fails validation.
	ErrCorrupted = errors.New("pool: corrupted layout")
)

// Class configures one size class.
type Class struct {
	Size  uint32 // payload bytes per chunk
	Count uint32
}

// ClassStats reports the occupancy of one size class.
type ClassStats struct {
	Size     uint32
	Capacity uint32
	Free     uint32
}

// Ref names an allocated chunk: generation<<32 | index. Generation 0 is
// never handed out, so the zero Ref means "no chunk".
type Ref uint64

// MakeRef packs a chunk index and generation.
func MakeRef(index, gen uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(index))
}

// Index returns the chunk index across all size classes.
func (r Ref) Index() uint32 { return uint32(r) }

// Generation returns the allocation generation the Ref was made for.
func (r Ref) Generation() uint32 { return uint32(r >> 32) }

// IsZero reports whether r names no chunk.
func (r Ref) IsZero() bool { return r == 0 }

// ChunkHeader precedes every chunk payload.
type ChunkHeader struct {
	refs    uint32
	gen     uint32
	holders uint64

	Seq     uint64
	Time    int64 // unix nanoseconds
	Size    uint32
	Class   uint32
	PubSlot uint32
	_       uint32
	PubID   [16]byte
}

const chunkHeaderSize = unsafe.Sizeof(ChunkHeader{})

type classHeader struct {
	size   uint32
	count  uint32
	base   uint32 // index of the first chunk of this class
	free   uint32 // approximate free count
	head   uint64 // tag<<32 | index+1
	offset uint64 // of the first chunk
	stride uint64
	_      [protocol.CacheLine - 40]byte
}

type poolHeader struct {
	magic   uint64
	nclass  uint32
	total   uint32
	nextOff uint64
	_       [protocol.CacheLine - 24]byte
	classes [protocol.MaxSizeClasses]classHeader
}

// Pool is a process-local view of a chunk pool.
type Pool struct {
	mem  []byte
	hdr  *poolHeader
	next []uint32
}

func normalize(classes []Class) ([]Class, error) {
	if len(classes) == 0 || len(classes) > protocol.MaxSizeClasses {
		return nil, fmt.Errorf("pool: %d size classes, want 1..%d", len(classes), protocol.MaxSizeClasses)
	}
	out := slices.Clone(classes)
	slices.SortFunc(out, func(a, b Class) int { return int(a.Size) - int(b.Size) })
	for _, c := range out {
		if c.Count == 0 {
			return nil, fmt.Errorf("pool: size class %d has no chunks", c.Size)
		}
	}
	return out, nil
}

func stride(size uint32) uintptr {
	return protocol.Align(chunkHeaderSize+uintptr(size), protocol.CacheLine)
}

// Size returns the bytes needed for a pool with the given classes.
func Size(classes []Class) uintptr {
	classes, err := normalize(classes)
	if err != nil {
		return 0
	}
	var total uintptr
	for _, c := range classes {
		total += uintptr(c.Count)
	}
	n := protocol.Align(unsafe.Sizeof(poolHeader{}), protocol.CacheLine)
	n += protocol.Align(total*4, protocol.CacheLine)
	for _, c := range classes {
		n += stride(c.Size) * uintptr(c.Count)
	}
	return n
}

// Init lays out an empty pool in mem. Classes are sorted by size.
func Init(mem []byte, classes []Class) (*Pool, error) {
	classes, err := normalize(classes)
	if err != nil {
		return nil, err
	}
	if uintptr(len(mem)) < Size(classes) {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCorrupted, len(mem), Size(classes))
	}

	hdr := (*poolHeader)(unsafe.Pointer(&mem[0]))
	var total uint32
	for _, c := range classes {
		total += c.Count
	}
	hdr.nclass = uint32(len(classes))
	hdr.total = total
	hdr.nextOff = uint64(protocol.Align(unsafe.Sizeof(poolHeader{}), protocol.CacheLine))

	off := uintptr(hdr.nextOff) + protocol.Align(uintptr(total)*4, protocol.CacheLine)
	var base uint32
	for i, c := range classes {
		ch := &hdr.classes[i]
		ch.size = c.Size
		ch.count = c.Count
		ch.base = base
		ch.offset = uint64(off)
		ch.stride = uint64(stride(c.Size))
		off += stride(c.Size) * uintptr(c.Count)
		base += c.Count
	}

	p := view(mem, hdr)
	for i := range hdr.nclass {
		ch := &hdr.classes[i]
		for j := ch.count; j > 0; j-- {
			idx := ch.base + j - 1
			h := p.header(idx)
			*h = ChunkHeader{Class: i}
			p.push(ch, idx)
		}
	}
	atomic.StoreUint64(&hdr.magic, protocol.MagicPool)
	return p, nil
}

// Attach returns a view of the pool initialized in mem.
func Attach(mem []byte) (*Pool, error) {
	if len(mem) < int(unsafe.Sizeof(poolHeader{})) {
		return nil, ErrCorrupted
	}
	hdr := (*poolHeader)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint64(&hdr.magic) != protocol.MagicPool || hdr.nclass == 0 || hdr.nclass > protocol.MaxSizeClasses {
		return nil, ErrCorrupted
	}
	return view(mem, hdr), nil
}

func view(mem []byte, hdr *poolHeader) *Pool {
	next := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[hdr.nextOff])), hdr.total)
	return &Pool{mem: mem, hdr: hdr, next: next}
}

func (p *Pool) class(idx uint32) *classHeader {
	for i := range p.hdr.nclass {
		ch := &p.hdr.classes[i]
		if idx >= ch.base && idx < ch.base+ch.count {
			return ch
		}
	}
	return nil
}

func (p *Pool) header(idx uint32) *ChunkHeader {
	ch := p.class(idx)
	off := ch.offset + uint64(idx-ch.base)*ch.stride
	return (*ChunkHeader)(unsafe.Pointer(&p.mem[off]))
}

func (p *Pool) valid(r Ref) bool {
	return !r.IsZero() && r.Index() < p.hdr.total
}

func (p *Pool) push(ch *classHeader, idx uint32) {
	for {
		head := atomic.LoadUint64(&ch.head)
		atomic.StoreUint32(&p.next[idx], uint32(head))
		tag := head>>32 + 1
		if atomic.CompareAndSwapUint64(&ch.head, head, tag<<32|uint64(idx+1)) {
			atomic.AddUint32(&ch.free, 1)
			return
		}
	}
}

func (p *Pool) pop(ch *classHeader) (uint32, bool) {
	for {
		head := atomic.LoadUint64(&ch.head)
		top := uint32(head)
		if top == 0 {
			return 0, false
		}
		idx := top - 1
		next := atomic.LoadUint32(&p.next[idx])
		tag := head>>32 + 1
		if atomic.CompareAndSwapUint64(&ch.head, head, tag<<32|uint64(next)) {
			atomic.AddUint32(&ch.free, ^uint32(0))
			return idx, true
		}
	}
}

// MaxSize returns the payload size of the largest class.
func (p *Pool) MaxSize() uint32 {
	return p.hdr.classes[p.hdr.nclass-1].size
}

// Capacity returns the total number of chunks.
func (p *Pool) Capacity() int {
	return int(p.hdr.total)
}

// Allocate pops a chunk from the smallest class that fits size and hands it
// to holder with a reference count of one.
func (p *Pool) Allocate(size uint32, holder int) (Ref, error) {
	if holder < 0 || holder >= protocol.MaxHolders {
		return 0, fmt.Errorf("pool: holder %d out of range", holder)
	}
	var ch *classHeader
	for i := range p.hdr.nclass {
		if c := &p.hdr.classes[i]; c.size >= size {
			ch = c
			break
		}
	}
	if ch == nil {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	idx, ok := p.pop(ch)
	if !ok {
		return 0, fmt.Errorf("%w: class %d", ErrOutOfChunks, ch.size)
	}

	h := p.header(idx)
	gen := atomic.LoadUint32(&h.gen) + 1
	if gen == 0 {
		gen = 1
	}
	atomic.StoreUint32(&h.gen, gen)
	atomic.StoreUint64(&h.holders, 1<<holder)
	h.Seq, h.Time, h.Size = 0, 0, size
	atomic.StoreUint32(&h.refs, 1)
	return MakeRef(idx, gen), nil
}

// Borrow adds holder to the chunk named by r. It fails with ErrStale when the
// chunk was freed or reallocated since r was taken.
func (p *Pool) Borrow(r Ref, holder int) error {
	if holder < 0 || holder >= protocol.MaxHolders {
		return fmt.Errorf("pool: holder %d out of range", holder)
	}
	if !p.valid(r) {
		return ErrStale
	}
	h := p.header(r.Index())
	for {
		n := atomic.LoadUint32(&h.refs)
		if n == 0 {
			return ErrStale
		}
		if atomic.CompareAndSwapUint32(&h.refs, n, n+1) {
			break
		}
	}
	// The increment pins the chunk; only now is the generation stable.
	if atomic.LoadUint32(&h.gen) != r.Generation() {
		p.unref(r.Index(), h)
		return ErrStale
	}

	bit := uint64(1) << holder
	for {
		hs := atomic.LoadUint64(&h.holders)
		if hs&bit != 0 {
			p.unref(r.Index(), h)
			return ErrAlreadyHeld
		}
		if atomic.CompareAndSwapUint64(&h.holders, hs, hs|bit) {
			return nil
		}
	}
}

// Release drops holder's reference. The chunk returns to its free list when
// the last holder releases it.
func (p *Pool) Release(r Ref, holder int) error {
	if !p.valid(r) {
		return ErrStale
	}
	h := p.header(r.Index())
	if atomic.LoadUint32(&h.gen) != r.Generation() {
		return ErrStale
	}
	if holder < 0 || holder >= protocol.MaxHolders || !p.clear(h, holder) {
		return ErrNotHeld
	}
	p.unref(r.Index(), h)
	return nil
}

// ReleaseHolder drops every reference held by holder and returns how many
// chunks it released. Running it twice releases nothing the second time.
func (p *Pool) ReleaseHolder(holder int) int {
	n := 0
	for idx := range p.hdr.total {
		h := p.header(idx)
		if atomic.LoadUint32(&h.refs) == 0 {
			continue
		}
		if p.clear(h, holder) {
			p.unref(idx, h)
			n++
		}
	}
	return n
}

func (p *Pool) clear(h *ChunkHeader, holder int) bool {
	bit := uint64(1) << holder
	for {
		hs := atomic.LoadUint64(&h.holders)
		if hs&bit == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&h.holders, hs, hs&^bit) {
			return true
		}
	}
}

func (p *Pool) unref(idx uint32, h *ChunkHeader) {
	if atomic.AddUint32(&h.refs, ^uint32(0)) == 0 {
		p.push(p.class(idx), idx)
	}
}

// Header returns the header of the chunk named by r.
func (p *Pool) Header(r Ref) *ChunkHeader {
	return p.header(r.Index())
}

// Payload returns the full payload area of the chunk named by r.
func (p *Pool) Payload(r Ref) []byte {
	idx := r.Index()
	ch := p.class(idx)
	off := ch.offset + uint64(idx-ch.base)*ch.stride + uint64(chunkHeaderSize)
	return p.mem[off : off+uint64(ch.size) : off+uint64(ch.size)]
}

// RefCount returns the current reference count of r's chunk, or 0 if r is
// stale.
func (p *Pool) RefCount(r Ref) uint32 {
	if !p.valid(r) {
		return 0
	}
	h := p.header(r.Index())
	n := atomic.LoadUint32(&h.refs)
	if atomic.LoadUint32(&h.gen) != r.Generation() {
		return 0
	}
	return n
}

// Holders returns the holder bitmask of r's chunk.
func (p *Pool) Holders(r Ref) uint64 {
	if !p.valid(r) {
		return 0
	}
	return atomic.LoadUint64(&p.header(r.Index()).holders)
}

// Stats returns per-class occupancy.
func (p *Pool) Stats() []ClassStats {
	out := make([]ClassStats, p.hdr.nclass)
	for i := range out {
		ch := &p.hdr.classes[i]
		out[i] = ClassStats{
			Size:     ch.size,
			Capacity: ch.count,
			Free:     atomic.LoadUint32(&ch.free),
		}
	}
	return out
}
