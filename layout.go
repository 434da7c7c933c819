package shmbus

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/shmbus/internal/history"
	"gosuda.org/shmbus/internal/mpmc"
	"gosuda.org/shmbus/internal/pool"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

// Service Segment Memory Layout:
//
// The user area of a service segment is organized as follows:
//
// <<<< USER_START
// SEGMENT_HEADER                       // layout parameters, checked on attach
// <<<< CACHE_LINE
// POOL                                 // chunk pool, every size class
// <<<< CACHE_LINE
// HISTORY[P]                           // one history ring per publisher slot
// <<<< CACHE_LINE
// QUEUE[P][S]                          // lossless queue per publisher/subscriber pair
// <<<< CACHE_LINE
// SUBSCRIBER_WAKE[S]                   // futex word per subscriber slot
// LISTENER[L]                          // event bits and futex word per listener slot
// <<<< USER_END
//
// Every offset is a pure function of the registered descriptor, so all
// processes agree on it without exchanging anything else.

type segmentHeader struct {
	magic       uint64
	version     uint32
	publishers  uint32
	subscribers uint32
	listeners   uint32
	depth       uint32
	queueCap    uint32
	size        uint64
	_           [protocol.CacheLine - 40]byte
}

type wakeSlot struct {
	word    uint32
	waiters uint32
	_       [protocol.CacheLine - 8]byte
}

type listenerSlot struct {
	bits    [protocol.MaxEventIDs / 64]uint64
	word    uint32
	waiters uint32
	_       [protocol.CacheLine - 40]byte
}

type layout struct {
	publishers  int
	subscribers int
	listeners   int
	depth       int
	bufSize     int
	queueCap    uint64
	classes     []pool.Class

	poolOff     uintptr
	histOff     uintptr
	histStride  uintptr
	queueOff    uintptr
	queueStride uintptr
	wakeOff     uintptr
	listenerOff uintptr
	size        uintptr
}

func newLayout(d *registry.Descriptor) layout {
	l := layout{
		publishers:  int(d.MaxPublishers),
		subscribers: int(d.MaxSubscribers),
		listeners:   int(d.MaxListeners),
		depth:       max(int(d.HistoryCapacity), 1),
		bufSize:     max(int(d.SubscriberBufferSize), 1),
	}
	l.queueCap = mpmc.RoundUpPowerOf2(uint64(l.bufSize))

	// Worst case: every history slot and loan of every publisher, plus every
	// queue slot and borrow of every subscriber, plus one send in flight per
	// publisher.
	count := l.publishers*(l.depth+int(d.MaxLoanedSamples)+1) +
		l.subscribers*(l.publishers*l.bufSize+int(d.MaxBorrowedSamples))
	for _, size := range d.Classes {
		l.classes = append(l.classes, pool.Class{Size: size, Count: uint32(count)})
	}

	line := uintptr(protocol.CacheLine)
	off := protocol.Align(unsafe.Sizeof(segmentHeader{}), line)
	l.poolOff = off
	off = protocol.Align(off+pool.Size(l.classes), line)

	l.histOff = off
	l.histStride = protocol.Align(history.Size(l.depth), line)
	off += l.histStride * uintptr(l.publishers)

	l.queueOff = off
	l.queueStride = protocol.Align(mpmc.Size[uint64](l.queueCap), line)
	off += l.queueStride * uintptr(l.publishers*l.subscribers)

	l.wakeOff = off
	off += unsafe.Sizeof(wakeSlot{}) * uintptr(l.subscribers)
	l.listenerOff = off
	off += unsafe.Sizeof(listenerSlot{}) * uintptr(l.listeners)
	l.size = off
	return l
}

// init lays out a fresh segment. It runs before the segment is published.
func (l *layout) init(user []byte) error {
	if uintptr(len(user)) < l.size {
		return fmt.Errorf("%w: user area %d bytes, want %d", ErrCorruptedState, len(user), l.size)
	}
	if _, err := pool.Init(user[l.poolOff:l.histOff], l.classes); err != nil {
		return err
	}
	base := unsafe.Pointer(&user[0])
	for p := range l.publishers {
		history.Init(unsafe.Add(base, l.histOff+uintptr(p)*l.histStride), l.depth)
	}
	for q := range l.publishers * l.subscribers {
		if !mpmc.Init[uint64](unsafe.Add(base, l.queueOff+uintptr(q)*l.queueStride), l.queueCap) {
			return fmt.Errorf("%w: queue %d already initialized", ErrCorruptedState, q)
		}
	}

	h := (*segmentHeader)(base)
	h.version = protocol.Version
	h.publishers = uint32(l.publishers)
	h.subscribers = uint32(l.subscribers)
	h.listeners = uint32(l.listeners)
	h.depth = uint32(l.depth)
	h.queueCap = uint32(l.queueCap)
	h.size = uint64(l.size)
	atomic.StoreUint64(&h.magic, protocol.MagicService)
	return nil
}

// segmentView is a process-local view of a service segment.
type segmentView struct {
	layout
	seg       *shm.Segment
	pool      *pool.Pool
	hist      []*history.Ring
	queues    []*mpmc.Ring[uint64]
	wakes     []*wakeSlot
	listeners []*listenerSlot
}

const queueAttachTimeout = 10 * time.Millisecond

func attachView(seg *shm.Segment, l layout) (*segmentView, error) {
	user := seg.Bytes()
	if uintptr(len(user)) < l.size {
		return nil, fmt.Errorf("%w: %s too small for its descriptor", ErrCorruptedState, seg.Name())
	}
	base := unsafe.Pointer(&user[0])
	h := (*segmentHeader)(base)
	if atomic.LoadUint64(&h.magic) != protocol.MagicService || h.version != protocol.Version ||
		h.publishers != uint32(l.publishers) || h.subscribers != uint32(l.subscribers) ||
		h.listeners != uint32(l.listeners) || h.depth != uint32(l.depth) ||
		h.queueCap != uint32(l.queueCap) || h.size != uint64(l.size) {
		return nil, fmt.Errorf("%w: %s layout does not match its descriptor", ErrCorruptedState, seg.Name())
	}

	v := &segmentView{layout: l, seg: seg}
	var err error
	if v.pool, err = pool.Attach(user[l.poolOff:l.histOff]); err != nil {
		return nil, err
	}
	for p := range l.publishers {
		r, err := history.Attach(unsafe.Add(base, l.histOff+uintptr(p)*l.histStride))
		if err != nil {
			return nil, fmt.Errorf("%w: history %d: %w", ErrCorruptedState, p, err)
		}
		v.hist = append(v.hist, r)
	}
	for q := range l.publishers * l.subscribers {
		r := mpmc.Attach[uint64](unsafe.Add(base, l.queueOff+uintptr(q)*l.queueStride), queueAttachTimeout)
		if r == nil {
			return nil, fmt.Errorf("%w: queue %d not initialized", ErrCorruptedState, q)
		}
		v.queues = append(v.queues, r)
	}
	for s := range l.subscribers {
		v.wakes = append(v.wakes, (*wakeSlot)(unsafe.Add(base, l.wakeOff+uintptr(s)*unsafe.Sizeof(wakeSlot{}))))
	}
	for i := range l.listeners {
		v.listeners = append(v.listeners, (*listenerSlot)(unsafe.Add(base, l.listenerOff+uintptr(i)*unsafe.Sizeof(listenerSlot{}))))
	}
	return v, nil
}

// queue returns the lossless queue from publisher slot p to subscriber slot s.
func (v *segmentView) queue(p, s int) *mpmc.Ring[uint64] {
	return v.queues[p*v.subscribers+s]
}

// Holder bits: publishers take 0..P-1, subscribers P..P+S-1.
func (v *segmentView) publisherHolder(p int) int  { return p }
func (v *segmentView) subscriberHolder(s int) int { return v.publishers + s }

// releaseQueue drains the queue of pair (p, s), dropping the subscriber's
// reference on every chunk still in it.
func (v *segmentView) releaseQueue(p, s int) int {
	holder := v.subscriberHolder(s)
	return v.queue(p, s).Drain(func(ref uint64) {
		v.pool.Release(pool.Ref(ref), holder)
	})
}

// resetPublisher drops everything publisher slot p holds or queued. The slot
// must not be Active.
func (v *segmentView) resetPublisher(p int) int {
	n := v.pool.ReleaseHolder(v.publisherHolder(p))
	for s := range v.subscribers {
		n += v.releaseQueue(p, s)
		v.queue(p, s).Reset()
	}
	v.hist[p].Reset()
	return n
}

// resetSubscriber drops everything subscriber slot s holds or has queued.
func (v *segmentView) resetSubscriber(s int) int {
	n := 0
	for p := range v.publishers {
		n += v.releaseQueue(p, s)
	}
	return n + v.pool.ReleaseHolder(v.subscriberHolder(s))
}

func (v *segmentView) resetListener(i int) {
	l := v.listeners[i]
	for j := range l.bits {
		atomic.StoreUint64(&l.bits[j], 0)
	}
}

// ring bumps a futex word and wakes its waiters if there are any.
func ring(word, waiters *uint32) {
	atomic.AddUint32(word, 1)
	if atomic.LoadUint32(waiters) > 0 {
		futexWake(word)
	}
}
