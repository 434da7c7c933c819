package shmbus

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// AttachmentID names a source attached to a WaitSet.
type AttachmentID uint64

// WaitEvent is one triggered attachment. Exactly one of Listener and
// Subscriber is set; Events carries the ids taken from a listener.
type WaitEvent struct {
	Attachment AttachmentID
	Listener   *Listener
	Subscriber *Subscriber
	Events     []EventID
}

type waitSource struct {
	listener   *Listener
	subscriber *Subscriber
}

// WaitSet multiplexes listeners and subscribers of one node into a single
// blocking wait on the node's doorbell.
type WaitSet struct {
	node *Node

	mu       sync.Mutex
	next     AttachmentID
	attached map[AttachmentID]waitSource

	interrupts atomic.Uint64
}

// NewWaitSet returns an empty wait set.
func (n *Node) NewWaitSet() (*WaitSet, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return &WaitSet{node: n, attached: make(map[AttachmentID]waitSource)}, nil
}

// AttachListener adds l. Its events are taken by Wait.
func (w *WaitSet) AttachListener(l *Listener) (AttachmentID, error) {
	if l.svc.node != w.node {
		return 0, fmt.Errorf("%w: listener belongs to another node", ErrInvalidConfig)
	}
	return w.attach(waitSource{listener: l})
}

// AttachSubscriber adds s. Wait reports it while it has samples; they are
// left for Receive.
func (w *WaitSet) AttachSubscriber(s *Subscriber) (AttachmentID, error) {
	if s.svc.node != w.node {
		return 0, fmt.Errorf("%w: subscriber belongs to another node", ErrInvalidConfig)
	}
	return w.attach(waitSource{subscriber: s})
}

func (w *WaitSet) attach(src waitSource) (AttachmentID, error) {
	if err := w.node.check(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.attached[w.next] = src
	return w.next, nil
}

// Detach removes an attachment. A Wait in progress returns
// ErrWaitInterrupted.
func (w *WaitSet) Detach(id AttachmentID) error {
	w.mu.Lock()
	_, ok := w.attached[id]
	delete(w.attached, id)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: attachment %d", ErrStaleReference, id)
	}
	w.interrupts.Add(1)
	if w.node.check() == nil {
		w.node.ringDoorbell(w.node.handle)
	}
	return nil
}

// Len returns the number of attachments.
func (w *WaitSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.attached)
}

// Wait blocks until at least one attachment triggers or t elapses and
// returns every triggered attachment, in attachment order.
func (w *WaitSet) Wait(t Timeout) ([]WaitEvent, error) {
	n := w.node
	n.waitMu.RLock()
	defer n.waitMu.RUnlock()
	if err := n.check(); err != nil {
		return nil, err
	}
	gen := w.interrupts.Load()
	word, waiters := n.reg.Doorbell(n.handle)

	var events []WaitEvent
	err := waitWord(word, waiters, t.start(), func() (bool, error) {
		if n.check() != nil {
			return false, ErrClosed
		}
		if w.interrupts.Load() != gen {
			return false, ErrWaitInterrupted
		}
		events = w.collect()
		return len(events) > 0, nil
	})
	n.metrics.WaitWakeups.WithLabelValues("waitset", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (w *WaitSet) collect() []WaitEvent {
	w.mu.Lock()
	ids := slices.Sorted(maps.Keys(w.attached))
	sources := make([]waitSource, len(ids))
	for i, id := range ids {
		sources[i] = w.attached[id]
	}
	w.mu.Unlock()

	var events []WaitEvent
	for i, src := range sources {
		switch {
		case src.listener != nil:
			if got := src.listener.drain(); len(got) > 0 {
				events = append(events, WaitEvent{Attachment: ids[i], Listener: src.listener, Events: got})
			}
		case src.subscriber != nil:
			if src.subscriber.HasSamples() {
				events = append(events, WaitEvent{Attachment: ids[i], Subscriber: src.subscriber})
			}
		}
	}
	return events
}
