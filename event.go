package shmbus

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"gosuda.org/shmbus/internal/futex"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
)

func futexWake(word *uint32) {
	futex.Wake(word, math.MaxInt32)
}

// waitWord blocks on a futex word until ready reports true or an error, or
// the deadline passes. ready is checked after every snapshot of the word so
// no wake between the check and the wait is lost.
func waitWord(word, waiters *uint32, dl deadline, ready func() (bool, error)) error {
	for {
		val := atomic.LoadUint32(word)
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		left, more := dl.remaining()
		if !more {
			return ErrTimeout
		}
		atomic.AddUint32(waiters, 1)
		err = futex.Wait(word, val, left)
		atomic.AddUint32(waiters, ^uint32(0))
		if err != nil && !errors.Is(err, futex.ErrTimeout) {
			return err
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ready"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWaitInterrupted):
		return "interrupted"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "error"
}

// Listener receives the events notified on a service.
type Listener struct {
	svc  *Service
	port registry.Port
	slot *listenerSlot

	wakeups *prometheus.CounterVec
	closed  atomic.Bool
	waitMu  sync.RWMutex
}

// Listener opens a listener port on the service.
func (s *Service) Listener() (*Listener, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	view := s.view
	port, err := s.newPort(protocol.PortListener, registry.PortSpec{}, func(slot int) {
		view.resetListener(slot)
	})
	if err != nil {
		return nil, err
	}
	l := &Listener{
		svc:     s,
		port:    port,
		slot:    view.listeners[port.Slot],
		wakeups: s.node.metrics.WaitWakeups,
	}
	if err := s.addPort(l); err != nil {
		s.releasePort(port, func() { view.resetListener(port.Slot) })
		return nil, err
	}
	return l, nil
}

// ID returns the port id.
func (l *Listener) ID() ulid.ULID { return l.port.ID }

// take clears and returns the pending event ids in ascending order.
func (l *Listener) take() []EventID {
	var ids []EventID
	for i := range l.slot.bits {
		w := atomic.SwapUint64(&l.slot.bits[i], 0)
		for w != 0 {
			ids = append(ids, EventID(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return ids
}

// drain takes the pending ids unless the listener is closed.
func (l *Listener) drain() []EventID {
	l.waitMu.RLock()
	defer l.waitMu.RUnlock()
	if l.closed.Load() {
		return nil
	}
	return l.take()
}

// Wait blocks until at least one event is pending or t elapses, and returns
// every pending id at once.
func (l *Listener) Wait(t Timeout) ([]EventID, error) {
	l.waitMu.RLock()
	defer l.waitMu.RUnlock()
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := l.svc.check(); err != nil {
		return nil, err
	}
	var ids []EventID
	err := waitWord(&l.slot.word, &l.slot.waiters, t.start(), func() (bool, error) {
		if l.closed.Load() {
			return false, ErrClosed
		}
		ids = l.take()
		return len(ids) > 0, nil
	})
	l.wakeups.WithLabelValues("listener", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TryWait returns the pending ids without blocking; nil when there are none.
func (l *Listener) TryWait() ([]EventID, error) {
	ids, err := l.Wait(Poll)
	if errors.Is(err, ErrTimeout) {
		return nil, nil
	}
	return ids, err
}

// Close disconnects the listener and wakes its blocked Wait calls.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	ring(&l.slot.word, &l.slot.waiters)
	l.waitMu.Lock()
	l.waitMu.Unlock()

	view := l.svc.view
	l.svc.releasePort(l.port, func() { view.resetListener(l.port.Slot) })
	l.svc.forget(l)
	return nil
}

// NotifierConfig configures a notifier port.
type NotifierConfig struct {
	// DefaultEventID is the id NotifyDefault sends.
	DefaultEventID EventID
}

// Notifier triggers the listeners of a service.
type Notifier struct {
	svc  *Service
	port registry.Port
	def  EventID

	mu      sync.Mutex
	closed  bool
	scanned bool
	portGen uint64
	targets []listenerTarget
}

type listenerTarget struct {
	slot  int
	owner protocol.Handle
}

// Notifier opens a notifier port on the service.
func (s *Service) Notifier(cfg NotifierConfig) (*Notifier, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	if uint32(cfg.DefaultEventID) >= s.desc.EventIDMax {
		return nil, fmt.Errorf("%w: %d, service allows %d", ErrEventIDOutOfRange, cfg.DefaultEventID, s.desc.EventIDMax)
	}
	port, err := s.newPort(protocol.PortNotifier, registry.PortSpec{}, nil)
	if err != nil {
		return nil, err
	}
	n := &Notifier{svc: s, port: port, def: cfg.DefaultEventID}
	if err := s.addPort(n); err != nil {
		s.releasePort(port, nil)
		return nil, err
	}
	return n, nil
}

// ID returns the port id.
func (n *Notifier) ID() ulid.ULID { return n.port.ID }

// Notify sets event id on every listener of the service and wakes them.
func (n *Notifier) Notify(id EventID) error {
	if uint32(id) >= n.svc.desc.EventIDMax {
		return fmt.Errorf("%w: %d, service allows %d", ErrEventIDOutOfRange, id, n.svc.desc.EventIDMax)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if err := n.svc.check(); err != nil {
		return err
	}
	if !n.svc.portActive(protocol.PortNotifier, n.port.Handle) {
		return fmt.Errorf("%w: notifier %s was reclaimed", ErrNotConnected, n.port.ID)
	}
	n.refresh()

	view := n.svc.view
	word, bit := id/64, uint64(1)<<(id%64)
	for _, t := range n.targets {
		l := view.listeners[t.slot]
		atomic.OrUint64(&l.bits[word], bit)
		ring(&l.word, &l.waiters)
		n.svc.node.ringDoorbell(t.owner)
	}
	return nil
}

// NotifyDefault notifies the configured default event id.
func (n *Notifier) NotifyDefault() error {
	return n.Notify(n.def)
}

func (n *Notifier) refresh() {
	reg := n.svc.node.reg
	gen := reg.PortGeneration(n.svc.id)
	if n.scanned && gen == n.portGen {
		return
	}
	ports, err := reg.Ports(n.svc.id)
	if err != nil {
		return
	}
	n.scanned, n.portGen = true, gen
	n.targets = n.targets[:0]
	for _, p := range ports {
		if p.Kind == protocol.PortListener && p.State == protocol.SlotActive {
			n.targets = append(n.targets, listenerTarget{slot: p.Slot, owner: p.Owner})
		}
	}
}

// Close disconnects the notifier.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.svc.releasePort(n.port, nil)
	n.svc.forget(n)
	return nil
}
