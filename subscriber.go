package shmbus

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/pool"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
)

// SubscriberConfig configures a subscriber port. Zero fields take the
// service defaults.
type SubscriberConfig struct {
	Overflow OverflowPolicy
	// History is how many past samples of each publisher to replay on
	// connect, capped by the service's HistoryCapacity.
	History int
	// BufferSize is the lossless queue depth per publisher, at most the
	// service's SubscriberBufferSize.
	BufferSize         int
	MaxBorrowedSamples int
}

// Subscriber reads samples of one service from every connected publisher.
type Subscriber struct {
	svc         *Service
	port        registry.Port
	holder      int
	lossless    bool
	history     int
	maxBorrowed int32
	log         *logging.Logger

	received prometheus.Counter
	lapped   prometheus.Counter
	wakeups  *prometheus.CounterVec

	borrowed atomic.Int32
	closed   atomic.Bool
	waitMu   sync.RWMutex

	mu      sync.Mutex
	scanned bool
	portGen uint64
	cursors []*cursor
	next    int
}

// cursor is the read position of a subscriber in one publisher's stream.
type cursor struct {
	slot   int
	handle protocol.Handle

	// lossy
	next uint64

	// lossless
	watermark uint64
	replay    []pool.Ref
}

// Subscriber opens a subscriber port on the service and connects it to the
// publishers present, replaying their history.
func (s *Service) Subscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	d := &s.desc
	if cfg.Overflow == protocol.OverflowUnset {
		cfg.Overflow = d.Overflow
	}
	cfg.BufferSize = orDefault(cfg.BufferSize, int(d.SubscriberBufferSize))
	cfg.MaxBorrowedSamples = orDefault(cfg.MaxBorrowedSamples, int(d.MaxBorrowedSamples))
	switch {
	case cfg.Overflow > protocol.OverflowLossy:
		return nil, fmt.Errorf("%w: overflow policy %d", ErrInvalidConfig, cfg.Overflow)
	case cfg.History < 0:
		return nil, fmt.Errorf("%w: history %d", ErrInvalidConfig, cfg.History)
	case cfg.BufferSize < 0 || cfg.BufferSize > int(d.SubscriberBufferSize):
		return nil, fmt.Errorf("%w: buffer size %d, service allows %d", ErrInvalidConfig, cfg.BufferSize, d.SubscriberBufferSize)
	case cfg.MaxBorrowedSamples < 0 || cfg.MaxBorrowedSamples > int(d.MaxBorrowedSamples):
		return nil, fmt.Errorf("%w: %d borrowed samples, service allows %d", ErrInvalidConfig, cfg.MaxBorrowedSamples, d.MaxBorrowedSamples)
	}
	history := min(cfg.History, int(d.HistoryCapacity))

	view := s.view
	port, err := s.newPort(protocol.PortSubscriber, registry.PortSpec{
		Overflow:   cfg.Overflow,
		History:    uint32(history),
		BufferSize: uint32(cfg.BufferSize),
	}, func(slot int) {
		view.resetSubscriber(slot)
	})
	if err != nil {
		return nil, err
	}

	m := s.node.metrics
	sub := &Subscriber{
		svc:         s,
		port:        port,
		holder:      view.subscriberHolder(port.Slot),
		lossless:    cfg.Overflow == protocol.OverflowLossless,
		history:     history,
		maxBorrowed: int32(cfg.MaxBorrowedSamples),
		log:         s.log.With(logging.Port("subscriber", port.ID)),
		received:    m.SamplesReceived.WithLabelValues(s.desc.Name),
		lapped:      m.SamplesDropped.WithLabelValues(s.desc.Name, dropLapped),
		wakeups:     m.WaitWakeups,
	}
	if err := s.addPort(sub); err != nil {
		s.releasePort(port, func() { view.resetSubscriber(port.Slot) })
		return nil, err
	}
	sub.mu.Lock()
	sub.refresh()
	sub.mu.Unlock()
	return sub, nil
}

// ID returns the port id.
func (s *Subscriber) ID() ulid.ULID { return s.port.ID }

// must be called with s.mu held
func (s *Subscriber) usable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.svc.check(); err != nil {
		return err
	}
	if !s.svc.portActive(protocol.PortSubscriber, s.port.Handle) {
		return fmt.Errorf("%w: subscriber %s was reclaimed", ErrNotConnected, s.port.ID)
	}
	return nil
}

// Receive takes the next available sample, or returns nil, nil when there is
// none. Samples of one publisher arrive in publication order.
func (s *Subscriber) Receive() (*Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.borrowed.Load() >= s.maxBorrowed {
		return nil, fmt.Errorf("%w: %d samples borrowed", ErrResourceExhausted, s.maxBorrowed)
	}
	s.refresh()

	n := len(s.cursors)
	for i := range n {
		c := s.cursors[(s.next+i)%n]
		ref, ok := s.take(c)
		if !ok {
			continue
		}
		s.next = (s.next + i + 1) % n
		s.borrowed.Add(1)
		s.received.Inc()
		return newSample(s, ref), nil
	}
	return nil, nil
}

func (s *Subscriber) take(c *cursor) (pool.Ref, bool) {
	if s.lossless {
		return s.takeQueued(c)
	}
	return s.takeHistory(c)
}

func (s *Subscriber) takeQueued(c *cursor) (pool.Ref, bool) {
	if len(c.replay) > 0 {
		ref := c.replay[0]
		c.replay = c.replay[1:]
		return ref, true
	}
	// a queue whose publisher is going away is being drained by its closer
	if !s.svc.portActive(protocol.PortPublisher, c.handle) {
		return 0, false
	}
	view := s.svc.view
	q := view.queue(c.slot, s.port.Slot)
	for {
		v, ok := q.TryDequeue()
		if !ok {
			return 0, false
		}
		ref := pool.Ref(v)
		if view.pool.Header(ref).Seq <= c.watermark {
			view.pool.Release(ref, s.holder)
			continue
		}
		return ref, true
	}
}

func (s *Subscriber) takeHistory(c *cursor) (pool.Ref, bool) {
	if !s.svc.portActive(protocol.PortPublisher, c.handle) {
		return 0, false
	}
	view := s.svc.view
	h := view.hist[c.slot]
	head := h.Head()
	if oldest := h.Oldest(); c.next < oldest {
		s.lapped.Add(float64(oldest - c.next))
		c.next = oldest
	}
	for c.next <= head {
		seq := c.next
		c.next++
		v, ok := h.Load(seq)
		if !ok {
			s.lapped.Inc()
			continue
		}
		ref := pool.Ref(v)
		if err := view.pool.Borrow(ref, s.holder); err != nil {
			s.lapped.Inc()
			continue
		}
		if view.pool.Header(ref).Seq != seq {
			view.pool.Release(ref, s.holder)
			s.lapped.Inc()
			continue
		}
		return ref, true
	}
	return 0, false
}

// HasSamples reports whether Receive would return a sample.
func (s *Subscriber) HasSamples() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usable() != nil {
		return false
	}
	s.refresh()
	view := s.svc.view
	for _, c := range s.cursors {
		if len(c.replay) > 0 {
			return true
		}
		if s.lossless {
			if s.pendingQueued(c) {
				return true
			}
			continue
		}
		if s.svc.portActive(protocol.PortPublisher, c.handle) && c.next <= view.hist[c.slot].Head() {
			return true
		}
	}
	return false
}

// pendingQueued reports whether c's queue holds a sample past the replayed
// history. Replay duplicates in front of it are dropped; the sample found is
// parked in c.replay for the next Receive. c.replay must be empty.
func (s *Subscriber) pendingQueued(c *cursor) bool {
	ref, ok := s.takeQueued(c)
	if !ok {
		return false
	}
	c.replay = append(c.replay, ref)
	return true
}

// Wait blocks until a sample is available or t elapses.
func (s *Subscriber) Wait(t Timeout) error {
	s.waitMu.RLock()
	defer s.waitMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	w := s.svc.view.wakes[s.port.Slot]
	err := waitWord(&w.word, &w.waiters, t.start(), func() (bool, error) {
		if s.closed.Load() {
			return false, ErrClosed
		}
		return s.HasSamples(), nil
	})
	s.wakeups.WithLabelValues("subscriber", outcome(err)).Inc()
	return err
}

// refresh connects to new publishers and forgets departed ones when the
// service's ports changed. s.mu must be held.
func (s *Subscriber) refresh() {
	reg := s.svc.node.reg
	gen := reg.PortGeneration(s.svc.id)
	if s.scanned && gen == s.portGen {
		return
	}
	ports, err := reg.Ports(s.svc.id)
	if err != nil {
		return
	}
	s.scanned, s.portGen = true, gen

	active := make(map[int]protocol.Handle)
	for _, p := range ports {
		if p.Kind == protocol.PortPublisher && p.State == protocol.SlotActive {
			active[p.Slot] = p.Handle
		}
	}
	kept := s.cursors[:0]
	for _, c := range s.cursors {
		if active[c.slot] == c.handle {
			kept = append(kept, c)
			delete(active, c.slot)
			continue
		}
		s.dropCursor(c)
	}
	for slot, h := range active {
		kept = append(kept, s.connect(slot, h))
	}
	slices.SortFunc(kept, func(a, b *cursor) int { return cmp.Compare(a.slot, b.slot) })
	s.cursors = kept
	if s.next >= len(kept) {
		s.next = 0
	}
}

// connect opens a cursor on publisher slot, positioned so that the last
// s.history samples are delivered first.
func (s *Subscriber) connect(slot int, h protocol.Handle) *cursor {
	view := s.svc.view
	hist := view.hist[slot]
	c := &cursor{slot: slot, handle: h}

	head := hist.Head()
	want := uint64(min(s.history, hist.Capacity()))
	first := head + 1 - min(want, head)
	if !s.lossless {
		c.next = first
		return c
	}
	for seq := first; seq <= head; seq++ {
		v, ok := hist.Load(seq)
		if !ok {
			continue
		}
		ref := pool.Ref(v)
		err := view.pool.Borrow(ref, s.holder)
		if errors.Is(err, pool.ErrAlreadyHeld) {
			// the publisher queued this one and everything after it
			break
		}
		if err != nil {
			continue
		}
		if view.pool.Header(ref).Seq != seq {
			view.pool.Release(ref, s.holder)
			continue
		}
		c.replay = append(c.replay, ref)
		c.watermark = seq
	}
	return c
}

func (s *Subscriber) dropCursor(c *cursor) {
	for _, ref := range c.replay {
		s.svc.view.pool.Release(ref, s.holder)
	}
	c.replay = nil
}

func (s *Subscriber) release(ref pool.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		// the port's references went back with it
		return nil
	}
	s.borrowed.Add(-1)
	if err := s.svc.view.pool.Release(ref, s.holder); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleReference, err)
	}
	return nil
}

// Close disconnects the subscriber and releases every sample it holds.
// Samples received earlier must not be used afterwards.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.cursors = nil
	s.mu.Unlock()

	view := s.svc.view
	w := view.wakes[s.port.Slot]
	ring(&w.word, &w.waiters)
	// wait for blocked Wait calls to notice
	s.waitMu.Lock()
	s.waitMu.Unlock()

	s.svc.releasePort(s.port, func() { view.resetSubscriber(s.port.Slot) })
	s.svc.forget(s)
	return nil
}
