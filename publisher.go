package shmbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/pool"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
)

// PublisherConfig configures a publisher port. Zero fields take the service
// and node defaults.
type PublisherConfig struct {
	// MaxLoanedSamples caps unsent loans; it cannot exceed the service's.
	MaxLoanedSamples int
	AllocPolicy      AllocPolicy
	// AllocTimeout bounds AllocWait loans, SendTimeout bounds Block sends.
	AllocTimeout Timeout
	SendTimeout  Timeout

	// Notifier, if set, is notified with NotifyEvent after every send.
	Notifier    *Notifier
	NotifyEvent EventID
}

// Publisher writes samples of one service.
type Publisher struct {
	svc    *Service
	port   registry.Port
	holder int
	cfg    PublisherConfig
	log    *logging.Logger

	maxLoaned int32
	loaned    atomic.Int32

	sent     prometheus.Counter
	duration prometheus.Observer
	failed   prometheus.Counter

	mu      sync.Mutex
	closed  bool
	seq     uint64
	scanned bool
	portGen uint64
	targets []target
	missed  map[ulid.ULID]uint64
}

// target is a connected subscriber as seen by a publisher.
type target struct {
	slot     int
	handle   protocol.Handle
	id       ulid.ULID
	owner    protocol.Handle
	lossless bool
	bufSize  int
	holder   int
	dead     bool
}

// Publisher opens a publisher port on the service.
func (s *Service) Publisher(cfg PublisherConfig) (*Publisher, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	ncfg := s.node.cfg
	cfg.MaxLoanedSamples = orDefault(cfg.MaxLoanedSamples, int(s.desc.MaxLoanedSamples))
	if cfg.MaxLoanedSamples < 0 || cfg.MaxLoanedSamples > int(s.desc.MaxLoanedSamples) {
		return nil, fmt.Errorf("%w: %d loaned samples, service allows %d",
			ErrInvalidConfig, cfg.MaxLoanedSamples, s.desc.MaxLoanedSamples)
	}
	cfg.AllocTimeout = cfg.AllocTimeout.or(After(ncfg.AllocTimeout.Std()))
	cfg.SendTimeout = cfg.SendTimeout.or(After(ncfg.SendTimeout.Std()))
	if cfg.Notifier != nil && uint32(cfg.NotifyEvent) >= cfg.Notifier.svc.desc.EventIDMax {
		return nil, fmt.Errorf("%w: %d", ErrEventIDOutOfRange, cfg.NotifyEvent)
	}

	view := s.view
	port, err := s.newPort(protocol.PortPublisher, registry.PortSpec{
		History: s.desc.HistoryCapacity,
	}, func(slot int) {
		view.resetPublisher(slot)
	})
	if err != nil {
		return nil, err
	}

	m := s.node.metrics
	p := &Publisher{
		svc:       s,
		port:      port,
		holder:    view.publisherHolder(port.Slot),
		cfg:       cfg,
		log:       s.log.With(logging.Port("publisher", port.ID)),
		maxLoaned: int32(cfg.MaxLoanedSamples),
		sent:      m.SamplesSent.WithLabelValues(s.desc.Name),
		duration:  m.SendDuration.WithLabelValues(s.desc.Name),
		failed:    m.LoansFailed.WithLabelValues(s.desc.Name),
		missed:    make(map[ulid.ULID]uint64),
	}
	if err := s.addPort(p); err != nil {
		s.releasePort(port, func() { view.resetPublisher(port.Slot) })
		return nil, err
	}
	return p, nil
}

// ID returns the port id.
func (p *Publisher) ID() ulid.ULID { return p.port.ID }

// Loan borrows a chunk for one sample of the service's payload size.
func (p *Publisher) Loan() (*SampleMut, error) {
	return p.LoanSize(int(p.svc.desc.PayloadSize))
}

// LoanSize borrows a chunk for a sample of size bytes, up to the largest size
// class of the service.
func (p *Publisher) LoanSize(size int) (*SampleMut, error) {
	if size <= 0 || size > 1<<30 {
		return nil, fmt.Errorf("%w: sample size %d", ErrInvalidConfig, size)
	}
	p.svc.node.sweepMaybe()

	p.mu.Lock()
	err := p.usable()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if p.loaned.Add(1) > p.maxLoaned {
		p.loaned.Add(-1)
		p.failed.Inc()
		return nil, fmt.Errorf("%w: %d samples already on loan", ErrResourceExhausted, p.maxLoaned)
	}
	ref, err := p.allocate(uint32(size))
	if err != nil {
		p.loaned.Add(-1)
		p.failed.Inc()
		return nil, p.svc.fail(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Close reset the slot while we allocated
		p.svc.view.pool.Release(ref, p.holder)
		p.loaned.Add(-1)
		return nil, ErrClosed
	}
	return &SampleMut{
		pub:     p,
		ref:     ref,
		payload: p.svc.view.pool.Payload(ref)[:size],
	}, nil
}

func (p *Publisher) allocate(size uint32) (pool.Ref, error) {
	pl := p.svc.view.pool
	ref, err := pl.Allocate(size, p.holder)
	if err == nil {
		return ref, nil
	}
	if p.cfg.AllocPolicy != AllocWait || !errors.Is(err, pool.ErrOutOfChunks) {
		return 0, translate(err)
	}
	dl := p.cfg.AllocTimeout.start()
	var b backoff
	for b.wait(dl) {
		// chunks pinned by dead peers come back through a sweep
		p.svc.node.sweepMaybe()
		ref, err = pl.Allocate(size, p.holder)
		if !errors.Is(err, pool.ErrOutOfChunks) {
			return ref, translate(err)
		}
	}
	return 0, fmt.Errorf("%w: %w", ErrTimeout, translate(err))
}

// Send copies payload into a loaned chunk and publishes it.
func (p *Publisher) Send(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidConfig)
	}
	s, err := p.LoanSize(len(payload))
	if err != nil {
		return err
	}
	copy(s.payload, payload)
	return s.Send()
}

// usable must be called with p.mu held.
func (p *Publisher) usable() error {
	if p.closed {
		return ErrClosed
	}
	if err := p.svc.check(); err != nil {
		return err
	}
	if !p.svc.portActive(protocol.PortPublisher, p.port.Handle) {
		return fmt.Errorf("%w: publisher %s was reclaimed", ErrNotConnected, p.port.ID)
	}
	return nil
}

// send publishes the loaned chunk ref. The loan is consumed whatever the
// outcome.
func (p *Publisher) send(ref pool.Ref, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaned.Add(-1)
	if p.closed {
		// the chunk went back to the pool with the port
		return ErrClosed
	}
	view := p.svc.view
	if err := p.usable(); err != nil {
		view.pool.Release(ref, p.holder)
		return err
	}

	start := time.Now()
	p.refresh()
	if err := p.awaitSpace(); err != nil {
		view.pool.Release(ref, p.holder)
		p.svc.node.metrics.SamplesDropped.WithLabelValues(p.svc.desc.Name, dropTimeout).Inc()
		return err
	}

	p.seq++
	h := view.pool.Header(ref)
	h.Seq = p.seq
	h.Time = start.UnixNano()
	h.Size = uint32(size)
	h.PubSlot = uint32(p.port.Slot)
	h.PubID = p.port.ID

	// the history ring keeps the publisher's own reference
	if evicted := view.hist[p.port.Slot].Push(p.seq, uint64(ref)); evicted != 0 {
		view.pool.Release(pool.Ref(evicted), p.holder)
	}
	for i := range p.targets {
		if t := &p.targets[i]; t.lossless {
			p.deliver(t, ref)
		}
	}
	for i := range p.targets {
		t := &p.targets[i]
		w := view.wakes[t.slot]
		ring(&w.word, &w.waiters)
		p.svc.node.ringDoorbell(t.owner)
	}

	p.sent.Inc()
	p.duration.Observe(time.Since(start).Seconds())
	if p.cfg.Notifier != nil {
		if err := p.cfg.Notifier.Notify(p.cfg.NotifyEvent); err != nil {
			p.log.Debug("send notification failed", zap.Error(err))
		}
	}
	return nil
}

// deliver queues ref for lossless subscriber t, applying the service's
// full-queue action.
func (p *Publisher) deliver(t *target, ref pool.Ref) {
	view := p.svc.view
	if err := view.pool.Borrow(ref, t.holder); err != nil {
		// ErrAlreadyHeld: the subscriber took it from history while connecting
		return
	}
	q := view.queue(p.port.Slot, t.slot)
	for range q.Cap() + 1 {
		if q.Len() < t.bufSize && q.TryEnqueue(uint64(ref)) {
			return
		}
		if p.svc.desc.FullQueue != protocol.FullQueueDiscardOldest {
			break
		}
		if old, ok := q.TryDequeue(); ok {
			view.pool.Release(pool.Ref(old), t.holder)
			p.drop(t, dropDiscardOldest)
		}
	}
	view.pool.Release(ref, t.holder)
	p.drop(t, dropDiscardNewest)
}

func (p *Publisher) drop(t *target, reason string) {
	p.missed[t.id]++
	p.svc.node.metrics.SamplesDropped.WithLabelValues(p.svc.desc.Name, reason).Inc()
}

// awaitSpace waits, for Block services, until every live lossless subscriber
// has room for one more sample.
func (p *Publisher) awaitSpace() error {
	if p.svc.desc.FullQueue != protocol.FullQueueBlock {
		return nil
	}
	dl := p.cfg.SendTimeout.start()
	var b backoff
	for {
		full := p.fullTarget()
		if full == nil {
			return nil
		}
		if !b.wait(dl) {
			return fmt.Errorf("%w: subscriber %s queue full after %s", ErrTimeout, full.id, p.cfg.SendTimeout)
		}
		p.refresh()
	}
}

func (p *Publisher) fullTarget() *target {
	view := p.svc.view
	for i := range p.targets {
		t := &p.targets[i]
		if !t.lossless || t.dead {
			continue
		}
		if view.queue(p.port.Slot, t.slot).Len() < t.bufSize {
			continue
		}
		if p.svc.node.nodeDead(t.owner) {
			t.dead = true
			continue
		}
		return t
	}
	return nil
}

// refresh rereads the subscriber list when the service's ports changed.
func (p *Publisher) refresh() {
	reg := p.svc.node.reg
	gen := reg.PortGeneration(p.svc.id)
	if p.scanned && gen == p.portGen {
		return
	}
	ports, err := reg.Ports(p.svc.id)
	if err != nil {
		return
	}
	view := p.svc.view
	p.scanned, p.portGen = true, gen
	p.targets = p.targets[:0]
	for _, sp := range ports {
		if sp.Kind != protocol.PortSubscriber || sp.State != protocol.SlotActive {
			continue
		}
		p.targets = append(p.targets, target{
			slot:     sp.Slot,
			handle:   sp.Handle,
			id:       sp.ID,
			owner:    sp.Owner,
			lossless: sp.Overflow == protocol.OverflowLossless,
			bufSize:  min(max(int(sp.BufferSize), 1), view.bufSize),
			holder:   view.subscriberHolder(sp.Slot),
		})
	}
}

// SubscriberCount returns the number of subscribers currently connected.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usable() != nil {
		return 0
	}
	p.refresh()
	return len(p.targets)
}

// Missed returns how many samples subscriber id lost to a full queue.
func (p *Publisher) Missed(id ulid.ULID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missed[id]
}

// Close disconnects the publisher. Unsent loans are returned to the pool and
// their payloads must not be touched afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	view := p.svc.view
	p.svc.releasePort(p.port, func() { view.resetPublisher(p.port.Slot) })
	p.svc.forget(p)
	return nil
}
