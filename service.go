package shmbus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

// ServiceDescriptor describes a service. Zero fields take the node's
// Config.Service defaults; port limits are capped by the domain limits.
// Processes opening the same service must agree on type and QoS and must
// not ask for more capacity than the first opener registered.
type ServiceDescriptor struct {
	Name     string
	TypeName string
	// PayloadSize is the size of one sample; PayloadAlign (default 8, at most
	// 64) its alignment.
	PayloadSize  int
	PayloadAlign int
	// ExtraSizeClasses are additional chunk sizes for LoanSize.
	ExtraSizeClasses []int

	Overflow        OverflowPolicy
	FullQueueAction FullQueueAction

	MaxPublishers  int
	MaxSubscribers int
	MaxListeners   int
	MaxNotifiers   int

	HistoryCapacity      int
	SubscriberBufferSize int
	EventIDMax           int
	MaxBorrowedSamples   int
	MaxLoanedSamples     int
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// descriptor resolves d against the node's defaults and limits.
func (n *Node) descriptor(d ServiceDescriptor) (registry.Descriptor, error) {
	def := n.cfg.Service
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	align := orDefault(d.PayloadAlign, 8)
	check(d.Name != "" && len(d.Name) <= protocol.MaxServiceName, "service name length %d", len(d.Name))
	check(len(d.TypeName) <= protocol.MaxTypeName, "type name length %d", len(d.TypeName))
	check(d.PayloadSize > 0 && d.PayloadSize <= 1<<30, "payload size %d", d.PayloadSize)
	check(align > 0 && align <= protocol.CacheLine && align&(align-1) == 0, "payload alignment %d", align)

	classes := []uint32{uint32(protocol.Align(uintptr(max(d.PayloadSize, 0)), uintptr(max(align, 1))))}
	for _, c := range d.ExtraSizeClasses {
		check(c > 0 && c <= 1<<30, "size class %d", c)
		if c > 0 && uint32(c) > classes[0] {
			classes = append(classes, uint32(c))
		}
	}
	slices.Sort(classes)
	classes = slices.Compact(classes)
	check(len(classes) <= protocol.MaxSizeClasses, "%d size classes, at most %d", len(classes), protocol.MaxSizeClasses)

	rd := registry.Descriptor{
		Name:                 d.Name,
		TypeName:             d.TypeName,
		PayloadSize:          uint32(max(d.PayloadSize, 0)),
		PayloadAlign:         uint32(align),
		Classes:              classes,
		Overflow:             d.Overflow,
		FullQueue:            d.FullQueueAction,
		MaxPublishers:        uint32(min(orDefault(d.MaxPublishers, n.cfg.MaxPublishers), n.cfg.MaxPublishers)),
		MaxSubscribers:       uint32(min(orDefault(d.MaxSubscribers, n.cfg.MaxSubscribers), n.cfg.MaxSubscribers)),
		MaxListeners:         uint32(min(orDefault(d.MaxListeners, n.cfg.MaxListeners), n.cfg.MaxListeners)),
		MaxNotifiers:         uint32(min(orDefault(d.MaxNotifiers, n.cfg.MaxNotifiers), n.cfg.MaxNotifiers)),
		HistoryCapacity:      uint32(max(orDefault(d.HistoryCapacity, def.HistoryCapacity), 0)),
		SubscriberBufferSize: uint32(max(orDefault(d.SubscriberBufferSize, def.SubscriberBufferSize), 0)),
		EventIDMax:           uint32(max(orDefault(d.EventIDMax, def.EventIDMax), 0)),
		MaxBorrowedSamples:   uint32(max(orDefault(d.MaxBorrowedSamples, def.MaxBorrowedSamples), 0)),
		MaxLoanedSamples:     uint32(max(orDefault(d.MaxLoanedSamples, def.MaxLoanedSamples), 0)),
	}
	if rd.Overflow == protocol.OverflowUnset {
		rd.Overflow = def.Overflow
	}
	if rd.FullQueue == protocol.FullQueueUnset {
		rd.FullQueue = def.FullQueueAction
	}
	check(d.MaxPublishers >= 0 && d.MaxSubscribers >= 0 && d.MaxListeners >= 0 && d.MaxNotifiers >= 0,
		"negative port limit")
	check(rd.MaxPublishers > 0 && rd.MaxSubscribers > 0, "a service needs at least one publisher and one subscriber slot")
	check(rd.SubscriberBufferSize > 0, "subscriber buffer size must be positive")
	check(rd.EventIDMax > 0 && rd.EventIDMax <= protocol.MaxEventIDs, "event id max %d", rd.EventIDMax)
	check(rd.MaxBorrowedSamples > 0 && rd.MaxLoanedSamples > 0, "sample limits must be positive")
	check(rd.Overflow <= protocol.OverflowLossy && rd.FullQueue <= protocol.FullQueueBlock, "unknown QoS")

	if len(errs) > 0 {
		return registry.Descriptor{}, fmt.Errorf("%w: service %q: %w", ErrInvalidConfig, d.Name, errors.Join(errs...))
	}
	return rd, nil
}

func publicDescriptor(d *registry.Descriptor) ServiceDescriptor {
	out := ServiceDescriptor{
		Name:                 d.Name,
		TypeName:             d.TypeName,
		PayloadSize:          int(d.PayloadSize),
		PayloadAlign:         int(d.PayloadAlign),
		Overflow:             d.Overflow,
		FullQueueAction:      d.FullQueue,
		MaxPublishers:        int(d.MaxPublishers),
		MaxSubscribers:       int(d.MaxSubscribers),
		MaxListeners:         int(d.MaxListeners),
		MaxNotifiers:         int(d.MaxNotifiers),
		HistoryCapacity:      int(d.HistoryCapacity),
		SubscriberBufferSize: int(d.SubscriberBufferSize),
		EventIDMax:           int(d.EventIDMax),
		MaxBorrowedSamples:   int(d.MaxBorrowedSamples),
		MaxLoanedSamples:     int(d.MaxLoanedSamples),
	}
	if len(d.Classes) > 1 {
		for _, c := range d.Classes[1:] {
			out.ExtraSizeClasses = append(out.ExtraSizeClasses, int(c))
		}
	}
	return out
}

type openMode uint8

const (
	openOrCreate openMode = iota
	createOnly
)

const serviceOpenAttempts = 4

// OpenService opens the service described by d, registering it if it does
// not exist yet.
func (n *Node) OpenService(d ServiceDescriptor) (*Service, error) {
	return n.openService(d, openOrCreate)
}

// CreateService registers the service described by d and fails with
// ErrServiceAlreadyExists if a service of that name exists.
func (n *Node) CreateService(d ServiceDescriptor) (*Service, error) {
	return n.openService(d, createOnly)
}

// OpenExistingService opens a registered service by name. A non-empty
// typeName must match the registered payload type.
func (n *Node) OpenExistingService(name, typeName string) (*Service, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.sweepMaybe()
	for range serviceOpenAttempts {
		e, ok := n.reg.Find(name)
		if !ok {
			return nil, fmt.Errorf("%w: no service %q", ErrConnectionRefused, name)
		}
		if typeName != "" && e.Descriptor.TypeName != typeName {
			return nil, fmt.Errorf("%w: %q carries %s, not %s", ErrIncompatibleServiceType, name, e.Descriptor.TypeName, typeName)
		}
		s, err := n.attachService(e.ID)
		if errors.Is(err, ErrStaleReference) {
			continue
		}
		return s, err
	}
	return nil, fmt.Errorf("%w: service %q keeps changing", ErrConnectionRefused, name)
}

func (n *Node) openService(d ServiceDescriptor, mode openMode) (*Service, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	rd, err := n.descriptor(d)
	if err != nil {
		return nil, err
	}
	n.sweepMaybe()

	for range serviceOpenAttempts {
		id, created, err := n.reg.RegisterService(rd, n.handle)
		switch {
		case errors.Is(err, registry.ErrIncompatible):
			return nil, fmt.Errorf("%w: %w", ErrServiceAlreadyExists, translate(err))
		case err != nil:
			return nil, translate(err)
		case mode == createOnly && !created:
			return nil, fmt.Errorf("%w: %q", ErrServiceAlreadyExists, rd.Name)
		}
		s, err := n.attachService(id)
		if errors.Is(err, ErrStaleReference) {
			// deregistered by its last user while we joined; register again
			continue
		}
		return s, err
	}
	return nil, fmt.Errorf("%w: service %q keeps changing", ErrConnectionRefused, rd.Name)
}

func (n *Node) segmentName(service string) string {
	return shm.Name(n.cfg.Prefix, "svc", service)
}

// serviceSegmentOptions returns the options of service segments. Whoever
// destroys a service segment deregisters the service it was created for.
func (n *Node) serviceSegmentOptions() shm.Options {
	opts := n.shmOpts
	opts.Retire = func(tag uint64) {
		if n.reg.Deregister(ServiceID(tag)) == nil {
			n.log.Debug("service deregistered with its segment", zap.Uint64("service", tag))
		}
	}
	return opts
}

func (n *Node) attachService(id ServiceID) (*Service, error) {
	e, err := n.reg.Service(id)
	if err != nil {
		return nil, translate(err)
	}
	l := newLayout(&e.Descriptor)
	opts := n.serviceSegmentOptions()
	opts.Init = l.init
	opts.Tag = uint64(id)

	seg, err := shm.Join(n.segmentName(e.Descriptor.Name), l.size, opts, n.token, n.handle)
	if err != nil {
		return nil, translate(err)
	}
	view, err := attachView(seg, l)
	if err == nil {
		// The entry goes stale before its segment file is unlinked, so a
		// segment joined under a still-active id is that id's segment.
		_, err = n.reg.Service(id)
	}
	if err != nil {
		seg.Detach()
		return nil, translate(err)
	}

	s := &Service{
		node:  n,
		id:    id,
		desc:  e.Descriptor,
		view:  view,
		ports: make(map[portCloser]struct{}),
		log:   n.log.With(logging.Service(e.Descriptor.Name)),
	}
	n.track(s)
	s.log.Info("service opened",
		logging.Segment(seg.Name()),
		zap.Bool("created_segment", seg.Created()),
		zap.Stringer("overflow", e.Descriptor.Overflow),
		zap.Stringer("full_queue", e.Descriptor.FullQueue),
	)
	return s, nil
}

// Service is a node's handle on a registered service and its data segment.
type Service struct {
	node *Node
	id   ServiceID
	desc registry.Descriptor
	view *segmentView
	log  *logging.Logger

	// opening is held shared while a port is being opened, so Close
	// never unmaps the segment under a half-built port.
	opening sync.RWMutex

	mu        sync.Mutex
	ports     map[portCloser]struct{}
	closed    bool
	corrupted atomic.Bool
}

type portCloser interface {
	Close() error
}

// ID returns the registry id of the service.
func (s *Service) ID() ServiceID { return s.id }

// Name returns the service name.
func (s *Service) Name() string { return s.desc.Name }

// Descriptor returns the descriptor the service was registered with.
func (s *Service) Descriptor() ServiceDescriptor {
	return publicDescriptor(&s.desc)
}

// Offer makes the service visible to Lookup and ListServices.
func (s *Service) Offer() error {
	if err := s.check(); err != nil {
		return err
	}
	return translate(s.node.reg.Offer(s.id))
}

// StopOffer hides the service from discovery. Connected ports keep working.
func (s *Service) StopOffer() error {
	if err := s.check(); err != nil {
		return err
	}
	return translate(s.node.reg.StopOffer(s.id))
}

// Ports returns the ports currently connected to the service, in every node.
func (s *Service) Ports() ([]PortInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ports, err := s.node.reg.Ports(s.id)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if p.State != protocol.SlotActive {
			continue
		}
		info := PortInfo{
			Kind:       p.Kind,
			ID:         p.ID,
			Overflow:   p.Overflow,
			History:    int(p.History),
			BufferSize: int(p.BufferSize),
			Created:    p.Created,
		}
		if owner, ok := s.node.reg.Node(p.Owner); ok {
			info.Node = owner.ID
		}
		out = append(out, info)
	}
	return out, nil
}

// PoolStats returns the occupancy of the service's chunk pool.
func (s *Service) PoolStats() []PoolStats {
	if s.check() != nil {
		return nil
	}
	return s.view.pool.Stats()
}

func (s *Service) check() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if s.corrupted.Load() {
		return fmt.Errorf("%w: service %q", ErrCorruptedState, s.desc.Name)
	}
	return nil
}

// enter starts opening a port. A nil error must be paired with leave.
func (s *Service) enter() error {
	s.opening.RLock()
	if err := s.check(); err != nil {
		s.opening.RUnlock()
		return err
	}
	return nil
}

func (s *Service) leave() { s.opening.RUnlock() }

// fail marks the service unusable when err reports corrupted shared state.
func (s *Service) fail(err error) error {
	if errors.Is(err, ErrCorruptedState) && s.corrupted.CompareAndSwap(false, true) {
		s.log.Error("service segment corrupted, refusing further use", zap.Error(err))
	}
	return err
}

// addPort registers p for Close. It fails when the service is closed.
func (s *Service) addPort(p portCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ports[p] = struct{}{}
	return nil
}

func (s *Service) forget(p portCloser) {
	s.mu.Lock()
	delete(s.ports, p)
	s.mu.Unlock()
}

// newPort claims a port slot of kind. prepare runs on the slot before it
// becomes visible to peers.
func (s *Service) newPort(kind protocol.PortKind, spec registry.PortSpec, prepare func(slot int)) (registry.Port, error) {
	if err := s.check(); err != nil {
		return registry.Port{}, err
	}
	spec.ID = ulid.Make()
	spec.Owner = s.node.handle
	p, err := s.node.reg.AddPort(s.id, kind, spec, prepare)
	if err != nil {
		return registry.Port{}, s.fail(translate(err))
	}
	s.node.metrics.PortsOpen.WithLabelValues(kind.String()).Inc()
	s.log.Debug("port opened", logging.Port(kind.String(), p.ID), zap.Int("slot", p.Slot))
	return p, nil
}

// releasePort retires port p of this node: claim, clean up, free. It does
// nothing when a sweeper already took the port.
func (s *Service) releasePort(p registry.Port, cleanup func()) {
	reg := s.node.reg
	if reg.ClaimPort(s.id, p.Kind, p.Handle) {
		if cleanup != nil {
			cleanup()
		}
		reg.RemovePort(s.id, p.Kind, p.Handle)
	}
	s.node.metrics.PortsOpen.WithLabelValues(p.Kind.String()).Dec()
	s.log.Debug("port closed", logging.Port(p.Kind.String(), p.ID))
}

// portActive reports whether the port slot named by h is still the active
// incarnation.
func (s *Service) portActive(kind protocol.PortKind, h protocol.Handle) bool {
	w := s.node.reg.PortState(s.id, kind, h.Slot())
	return w.State() == protocol.SlotActive && h.Matches(w)
}

// Close closes the service's ports in this node and detaches from its
// segment. The last node to detach destroys the segment and deregisters
// the service.
func (s *Service) Close() error {
	s.opening.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opening.Unlock()
		return nil
	}
	s.closed = true
	ports := make([]portCloser, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()
	s.opening.Unlock()

	var errs []error
	for _, p := range ports {
		errs = append(errs, p.Close())
	}
	s.node.untrack(s)

	// the last detach deregisters the service before unlinking the file
	destroyed, err := s.view.seg.Detach()
	errs = append(errs, err)
	s.log.Info("service closed", zap.Bool("destroyed_segment", destroyed))
	return errors.Join(errs...)
}
