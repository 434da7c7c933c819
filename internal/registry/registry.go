// Package registry implements the decentralized service registry stored in
// a domain's registry segment: a node table and a service table whose
// entries each embed fixed arrays of port entries.
//
// Entries change only through CAS on their state words. Readers copy an
// entry and keep the copy only if the state word was Active and unchanged
// before and after the copy.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/protocol"
)

var (
	ErrServicesExhausted = errors.New("registry: service table full")
	ErrNodesExhausted    = errors.New("registry: node table full")
	ErrPortsExhausted    = errors.New("registry: no free port slot")
	ErrIncompatible      = errors.New("registry: incompatible service")
	ErrStale             = errors.New("registry: stale reference")
	ErrCorrupted         = errors.New("registry: corrupted segment")
	ErrInvalid           = errors.New("registry: invalid descriptor")
)

// ServiceID names a service entry at a given generation.
type ServiceID = protocol.Handle

// Descriptor is the immutable description of a service.
type Descriptor struct {
	Name         string
	TypeName     string
	TypeHash     uint64
	PayloadSize  uint32
	PayloadAlign uint32
	// Classes are the chunk size classes; the first one covers PayloadSize.
	Classes []uint32

	Overflow  protocol.OverflowPolicy
	FullQueue protocol.FullQueueAction

	MaxPublishers  uint32
	MaxSubscribers uint32
	MaxListeners   uint32
	MaxNotifiers   uint32

	HistoryCapacity      uint32
	SubscriberBufferSize uint32
	EventIDMax           uint32
	MaxBorrowedSamples   uint32
	MaxLoanedSamples     uint32
}

// MaxPorts returns the configured maximum for kind.
func (d *Descriptor) MaxPorts(kind protocol.PortKind) uint32 {
	switch kind {
	case protocol.PortPublisher:
		return d.MaxPublishers
	case protocol.PortSubscriber:
		return d.MaxSubscribers
	case protocol.PortListener:
		return d.MaxListeners
	case protocol.PortNotifier:
		return d.MaxNotifiers
	}
	return 0
}

// SameType reports whether d and o carry the same payload type.
func (d *Descriptor) SameType(o *Descriptor) bool {
	return d.TypeName == o.TypeName && d.TypeHash == o.TypeHash &&
		d.PayloadSize == o.PayloadSize && d.PayloadAlign == o.PayloadAlign
}

// Satisfies reports whether an existing service d can serve a request for o:
// same type and QoS, and at least the requested capacities.
func (d *Descriptor) Satisfies(o *Descriptor) bool {
	if !d.SameType(o) || d.Overflow != o.Overflow || d.FullQueue != o.FullQueue {
		return false
	}
	return d.MaxPublishers >= o.MaxPublishers &&
		d.MaxSubscribers >= o.MaxSubscribers &&
		d.MaxListeners >= o.MaxListeners &&
		d.MaxNotifiers >= o.MaxNotifiers &&
		d.HistoryCapacity >= o.HistoryCapacity &&
		d.SubscriberBufferSize >= o.SubscriberBufferSize &&
		d.EventIDMax >= o.EventIDMax
}

// Entry is a snapshot of a service entry.
type Entry struct {
	ID         ServiceID
	Descriptor Descriptor
	Writer     protocol.Handle
	Offered    bool
	PortGen    uint64
}

// Registry is a process-local view of a registry segment.
type Registry struct {
	mem    []byte
	hdr    *regHeader
	limits Limits
}

// Init returns a function that lays out an empty registry with limits l.
func Init(l Limits) func(mem []byte) error {
	return func(mem []byte) error {
		if uintptr(len(mem)) < Size(l) {
			return fmt.Errorf("%w: %d bytes, want %d", ErrCorrupted, len(mem), Size(l))
		}
		h := (*regHeader)(unsafe.Pointer(&mem[0]))
		h.version = protocol.Version
		h.nodes = uint32(l.Nodes)
		h.services = uint32(l.Services)
		for k := protocol.PortPublisher; k <= protocol.PortNotifier; k++ {
			h.ports[k] = uint32(l.ports(k))
		}
		atomic.StoreUint64(&h.magic, protocol.MagicRegistry)
		return nil
	}
}

// Attach returns a view of the registry laid out in mem.
func Attach(mem []byte) (*Registry, error) {
	if uintptr(len(mem)) < headerSize {
		return nil, ErrCorrupted
	}
	h := (*regHeader)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint64(&h.magic) != protocol.MagicRegistry || h.version != protocol.Version {
		return nil, ErrCorrupted
	}
	l := Limits{
		Nodes:       int(h.nodes),
		Services:    int(h.services),
		Publishers:  int(h.ports[protocol.PortPublisher]),
		Subscribers: int(h.ports[protocol.PortSubscriber]),
		Listeners:   int(h.ports[protocol.PortListener]),
		Notifiers:   int(h.ports[protocol.PortNotifier]),
	}
	if uintptr(len(mem)) < Size(l) {
		return nil, ErrCorrupted
	}
	return &Registry{mem: mem, hdr: h, limits: l}, nil
}

// Limits returns the table sizes of the registry.
func (r *Registry) Limits() Limits {
	return r.limits
}

// Epoch changes whenever a service is registered or removed.
func (r *Registry) Epoch() uint64 {
	return atomic.LoadUint64(&r.hdr.epoch)
}

func (r *Registry) node(i int) *nodeEntry {
	off := headerSize + uintptr(i)*nodeSize
	return (*nodeEntry)(unsafe.Pointer(&r.mem[off]))
}

func (r *Registry) service(i int) *serviceEntry {
	off := r.limits.servicesOffset() + uintptr(i)*r.limits.serviceStride()
	return (*serviceEntry)(unsafe.Pointer(&r.mem[off]))
}

func (r *Registry) port(svc int, kind protocol.PortKind, i int) *portEntry {
	off := r.limits.servicesOffset() + uintptr(svc)*r.limits.serviceStride() +
		serviceFixedSize + uintptr(r.limits.portBase(kind)+i)*portSize
	return (*portEntry)(unsafe.Pointer(&r.mem[off]))
}

func loadState(p *uint64) protocol.StateWord {
	return protocol.StateWord(atomic.LoadUint64(p))
}

func casState(p *uint64, old, new protocol.StateWord) bool {
	return atomic.CompareAndSwapUint64(p, uint64(old), uint64(new))
}

// RegisterService registers d, or returns the existing entry of the same
// name. created reports whether this call created the entry. An existing
// entry that cannot serve d yields ErrIncompatible.
func (r *Registry) RegisterService(d Descriptor, writer protocol.Handle) (id ServiceID, created bool, err error) {
	if err := validate(&d); err != nil {
		return 0, false, err
	}
	if e, ok := r.find(d.Name); ok {
		return existing(e, &d)
	}

	for i := range r.limits.Services {
		s := r.service(i)
		w := loadState(&s.state)
		if w.State() != protocol.SlotFree {
			continue
		}
		writing := w.With(protocol.SlotWriting)
		if !casState(&s.state, w, writing) {
			continue
		}
		r.writeService(i, &d, writer)
		active := w.With(protocol.SlotActive)
		if !casState(&s.state, writing, active) {
			// freed under us by a sweeper that mistook the slot for a
			// crashed registration
			continue
		}
		atomic.AddUint64(&r.hdr.epoch, 1)
		id = protocol.MakeHandle(i, active.Generation())

		// Concurrent registrations of one name keep the lowest slot.
		if e, ok := r.findBelow(d.Name, i); ok {
			if casState(&s.state, active, w.Next(protocol.SlotFree)) {
				atomic.AddUint64(&r.hdr.epoch, 1)
			}
			return existing(e, &d)
		}
		return id, true, nil
	}
	// racing registrations of the same name may have filled the table
	if e, ok := r.find(d.Name); ok {
		return existing(e, &d)
	}
	return 0, false, ErrServicesExhausted
}

func existing(e Entry, d *Descriptor) (ServiceID, bool, error) {
	if !e.Descriptor.Satisfies(d) {
		return 0, false, fmt.Errorf("%w: %q is %s/%d bytes %s", ErrIncompatible,
			e.Descriptor.Name, e.Descriptor.TypeName, e.Descriptor.PayloadSize, e.Descriptor.Overflow)
	}
	return e.ID, false, nil
}

func validate(d *Descriptor) error {
	switch {
	case d.Name == "" || len(d.Name) > protocol.MaxServiceName:
		return fmt.Errorf("%w: name length %d", ErrInvalid, len(d.Name))
	case len(d.TypeName) > protocol.MaxTypeName:
		return fmt.Errorf("%w: type name length %d", ErrInvalid, len(d.TypeName))
	case len(d.Classes) > protocol.MaxSizeClasses:
		return fmt.Errorf("%w: %d size classes", ErrInvalid, len(d.Classes))
	}
	if d.TypeHash == 0 {
		d.TypeHash = xxhash.Sum64String(d.TypeName)
	}
	return nil
}

func (r *Registry) writeService(i int, d *Descriptor, writer protocol.Handle) {
	s := r.service(i)
	s.writer = uint64(writer)
	s.staleSince = 0
	s.nameHash = xxhash.Sum64String(d.Name)
	s.typeHash = d.TypeHash
	s.nameLen = protocol.CopyName(s.name[:], d.Name)
	s.typeLen = protocol.CopyName(s.typeName[:], d.TypeName)
	s.nclass = uint32(copy(s.desc.classes[:], d.Classes))
	s.desc.payloadSize = d.PayloadSize
	s.desc.payloadAlign = d.PayloadAlign
	s.desc.overflow = uint8(d.Overflow)
	s.desc.fullQueue = uint8(d.FullQueue)
	for k := protocol.PortPublisher; k <= protocol.PortNotifier; k++ {
		s.desc.maxPorts[k] = min(d.MaxPorts(k), uint32(r.limits.ports(k)))
	}
	s.desc.history = d.HistoryCapacity
	s.desc.bufSize = d.SubscriberBufferSize
	s.desc.eventIDMax = d.EventIDMax
	s.desc.maxBorrowed = d.MaxBorrowedSamples
	s.desc.maxLoaned = d.MaxLoanedSamples
	atomic.StoreUint32(&s.offered, 1)

	for k := protocol.PortPublisher; k <= protocol.PortNotifier; k++ {
		for j := range r.limits.ports(k) {
			p := r.port(i, k, j)
			// keep generations monotonic across reuse of the entry
			w := loadState(&p.state)
			atomic.StoreUint64(&p.state, uint64(w.Next(protocol.SlotFree)))
		}
	}
}

// snapshot copies entry i. It reports false unless the entry was Active for
// the whole copy.
func (r *Registry) snapshot(i int) (Entry, bool) {
	s := r.service(i)
	w := loadState(&s.state)
	if w.State() != protocol.SlotActive {
		return Entry{}, false
	}

	nameLen := min(atomic.LoadUint32(&s.nameLen), protocol.MaxServiceName)
	typeLen := min(atomic.LoadUint32(&s.typeLen), protocol.MaxTypeName)
	nclass := min(atomic.LoadUint32(&s.nclass), protocol.MaxSizeClasses)
	d := Descriptor{
		Name:                 string(s.name[:nameLen]),
		TypeName:             string(s.typeName[:typeLen]),
		TypeHash:             s.typeHash,
		PayloadSize:          s.desc.payloadSize,
		PayloadAlign:         s.desc.payloadAlign,
		Classes:              append([]uint32(nil), s.desc.classes[:nclass]...),
		Overflow:             protocol.OverflowPolicy(s.desc.overflow),
		FullQueue:            protocol.FullQueueAction(s.desc.fullQueue),
		MaxPublishers:        s.desc.maxPorts[protocol.PortPublisher],
		MaxSubscribers:       s.desc.maxPorts[protocol.PortSubscriber],
		MaxListeners:         s.desc.maxPorts[protocol.PortListener],
		MaxNotifiers:         s.desc.maxPorts[protocol.PortNotifier],
		HistoryCapacity:      s.desc.history,
		SubscriberBufferSize: s.desc.bufSize,
		EventIDMax:           s.desc.eventIDMax,
		MaxBorrowedSamples:   s.desc.maxBorrowed,
		MaxLoanedSamples:     s.desc.maxLoaned,
	}
	e := Entry{
		ID:         protocol.MakeHandle(i, w.Generation()),
		Descriptor: d,
		Writer:     protocol.Handle(atomic.LoadUint64(&s.writer)),
		Offered:    atomic.LoadUint32(&s.offered) != 0,
		PortGen:    atomic.LoadUint64(&s.portGen),
	}
	if loadState(&s.state) != w {
		return Entry{}, false
	}
	return e, true
}

// nameMatches compares without allocating; the result is only trusted after
// a successful snapshot.
func (r *Registry) nameMatches(i int, name string, hash uint64) bool {
	s := r.service(i)
	if atomic.LoadUint64(&s.nameHash) != hash {
		return false
	}
	n := min(atomic.LoadUint32(&s.nameLen), protocol.MaxServiceName)
	return bytes.Equal(s.name[:n], []byte(name))
}

// settle waits briefly for an entry that is mid-registration so name races
// are decided on complete entries. A writer that crashed mid-registration is
// left to the sweeper.
func (r *Registry) settle(i int) {
	s := r.service(i)
	deadline := time.Now().Add(settleTimeout)
	for loadState(&s.state).State() == protocol.SlotWriting && time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

const settleTimeout = 10 * time.Millisecond

func (r *Registry) findBelow(name string, limit int) (Entry, bool) {
	hash := xxhash.Sum64String(name)
	for i := range limit {
		r.settle(i)
		if !r.nameMatches(i, name, hash) {
			continue
		}
		if e, ok := r.snapshot(i); ok && e.Descriptor.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *Registry) find(name string) (Entry, bool) {
	return r.findBelow(name, r.limits.Services)
}

// Find returns the active entry named name, offered or not.
func (r *Registry) Find(name string) (Entry, bool) {
	return r.find(name)
}

// Lookup lazily yields offered entries named name that match accepts (nil
// accepts all). Every range over the result rescans the table.
func (r *Registry) Lookup(name string, accept func(*Descriptor) bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		hash := xxhash.Sum64String(name)
		for i := range r.limits.Services {
			if !r.nameMatches(i, name, hash) {
				continue
			}
			e, ok := r.snapshot(i)
			if !ok || !e.Offered || e.Descriptor.Name != name {
				continue
			}
			if accept != nil && !accept(&e.Descriptor) {
				continue
			}
			if !yield(e) {
				return
			}
			// names are unique; a second match is a registration race
			// that the loser is about to undo
			return
		}
	}
}

// List lazily yields every offered entry.
func (r *Registry) List() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for i := range r.limits.Services {
			e, ok := r.snapshot(i)
			if !ok || !e.Offered {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Service returns the entry named by id.
func (r *Registry) Service(id ServiceID) (Entry, error) {
	i := id.Slot()
	if i < 0 || i >= r.limits.Services {
		return Entry{}, ErrStale
	}
	for range 8 {
		e, ok := r.snapshot(i)
		if ok {
			if e.ID != id {
				return Entry{}, ErrStale
			}
			return e, nil
		}
		if !id.Matches(loadState(&r.service(i).state)) {
			return Entry{}, ErrStale
		}
	}
	return Entry{}, ErrStale
}

func (r *Registry) activeService(id ServiceID) (*serviceEntry, error) {
	i := id.Slot()
	if i < 0 || i >= r.limits.Services {
		return nil, ErrStale
	}
	s := r.service(i)
	w := loadState(&s.state)
	if w.State() != protocol.SlotActive || !id.Matches(w) {
		return nil, ErrStale
	}
	return s, nil
}

// Offer makes the service visible to Lookup and List.
func (r *Registry) Offer(id ServiceID) error {
	return r.setOffered(id, 1)
}

// StopOffer hides the service from Lookup and List. Existing ports keep
// working.
func (r *Registry) StopOffer(id ServiceID) error {
	return r.setOffered(id, 0)
}

func (r *Registry) setOffered(id ServiceID, v uint32) error {
	s, err := r.activeService(id)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&s.offered, v)
	atomic.AddUint64(&s.portGen, 1)
	return nil
}

// Deregister marks the service stale. The entry's generation changes, so
// every id naming it turns stale at once; Collect frees the slot later.
func (r *Registry) Deregister(id ServiceID) error {
	i := id.Slot()
	if i < 0 || i >= r.limits.Services {
		return ErrStale
	}
	s := r.service(i)
	for {
		w := loadState(&s.state)
		if w.State() != protocol.SlotActive || !id.Matches(w) {
			return ErrStale
		}
		atomic.StoreInt64(&s.staleSince, time.Now().UnixNano())
		if casState(&s.state, w, w.Next(protocol.SlotStale)) {
			atomic.AddUint64(&r.hdr.epoch, 1)
			return nil
		}
	}
}

// Collect frees stale entries older than grace and returns how many it
// freed.
func (r *Registry) Collect(grace time.Duration) int {
	n := 0
	cutoff := time.Now().Add(-grace).UnixNano()
	for i := range r.limits.Services {
		s := r.service(i)
		w := loadState(&s.state)
		if w.State() != protocol.SlotStale || atomic.LoadInt64(&s.staleSince) > cutoff {
			continue
		}
		if casState(&s.state, w, w.Next(protocol.SlotFree)) {
			n++
		}
	}
	return n
}

// AbandonWrites frees service entries left mid-registration by writer and
// returns how many it freed.
func (r *Registry) AbandonWrites(writer protocol.Handle) int {
	n := 0
	for i := range r.limits.Services {
		s := r.service(i)
		w := loadState(&s.state)
		if w.State() != protocol.SlotWriting || protocol.Handle(atomic.LoadUint64(&s.writer)) != writer {
			continue
		}
		if casState(&s.state, w, w.Next(protocol.SlotFree)) {
			n++
		}
	}
	return n
}

// Port is a snapshot of a port entry.
type Port struct {
	Kind       protocol.PortKind
	Slot       int
	Handle     protocol.Handle
	State      protocol.SlotState
	ID         ulid.ULID
	Owner      protocol.Handle
	Overflow   protocol.OverflowPolicy
	History    uint32
	BufferSize uint32
	Created    time.Time
}

// PortSpec is what a new port records about itself.
type PortSpec struct {
	ID         ulid.ULID
	Owner      protocol.Handle
	Overflow   protocol.OverflowPolicy
	History    uint32
	BufferSize uint32
}

// AddPort claims a free port slot of kind in service id. If prepare is not
// nil it runs on the claimed slot index before the port becomes visible.
func (r *Registry) AddPort(id ServiceID, kind protocol.PortKind, spec PortSpec, prepare func(slot int)) (Port, error) {
	s, err := r.activeService(id)
	if err != nil {
		return Port{}, err
	}
	n := int(min(s.desc.maxPorts[kind], uint32(r.limits.ports(kind))))
	for i := range n {
		p := r.port(id.Slot(), kind, i)
		w := loadState(&p.state)
		if w.State() != protocol.SlotFree {
			continue
		}
		if !casState(&p.state, w, w.With(protocol.SlotWriting)) {
			continue
		}
		atomic.StoreUint64(&p.owner, uint64(spec.Owner))
		p.id = spec.ID
		p.overflow = uint8(spec.Overflow)
		p.history = spec.History
		p.bufSize = spec.BufferSize
		atomic.StoreInt64(&p.created, time.Now().UnixNano())
		if prepare != nil {
			prepare(i)
		}
		if !casState(&p.state, w.With(protocol.SlotWriting), w.With(protocol.SlotActive)) {
			continue
		}
		atomic.AddUint64(&s.portGen, 1)

		// the service may have been deregistered while we claimed
		if _, err := r.activeService(id); err != nil {
			r.RemovePort(id, kind, protocol.MakeHandle(i, w.Generation()))
			return Port{}, err
		}
		return r.readPort(p, kind, i), nil
	}
	return Port{}, fmt.Errorf("%w: %s on service %d", ErrPortsExhausted, kind, id.Slot())
}

// ClaimPort moves an active port to Reclaiming so peers stop using it. It
// reports whether this call made the transition.
func (r *Registry) ClaimPort(id ServiceID, kind protocol.PortKind, h protocol.Handle) bool {
	if id.Slot() < 0 || id.Slot() >= r.limits.Services || h.Slot() < 0 || h.Slot() >= r.limits.ports(kind) {
		return false
	}
	p := r.port(id.Slot(), kind, h.Slot())
	w := loadState(&p.state)
	if w.State() != protocol.SlotActive || !h.Matches(w) {
		return false
	}
	if casState(&p.state, w, w.With(protocol.SlotReclaiming)) {
		r.bumpPortGen(id)
		return true
	}
	return false
}

// RemovePort frees the port slot named by h. Removing an already removed
// port is a no-op.
func (r *Registry) RemovePort(id ServiceID, kind protocol.PortKind, h protocol.Handle) bool {
	i := id.Slot()
	if i < 0 || i >= r.limits.Services || h.Slot() < 0 || h.Slot() >= r.limits.ports(kind) {
		return false
	}
	p := r.port(i, kind, h.Slot())
	for {
		w := loadState(&p.state)
		st := w.State()
		if (st != protocol.SlotActive && st != protocol.SlotReclaiming && st != protocol.SlotWriting) || !h.Matches(w) {
			return false
		}
		if casState(&p.state, w, w.Next(protocol.SlotFree)) {
			r.bumpPortGen(id)
			return true
		}
	}
}

func (r *Registry) bumpPortGen(id ServiceID) {
	// the entry may already be stale; the counter is harmless there
	atomic.AddUint64(&r.service(id.Slot()).portGen, 1)
}

// PortGeneration changes whenever a port of service id is added or removed.
func (r *Registry) PortGeneration(id ServiceID) uint64 {
	i := id.Slot()
	if i < 0 || i >= r.limits.Services {
		return 0
	}
	return atomic.LoadUint64(&r.service(i).portGen)
}

// Ports returns the occupied port slots of service id. Ports being reclaimed
// are included so callers can tell them from free slots.
func (r *Registry) Ports(id ServiceID) ([]Port, error) {
	if _, err := r.activeService(id); err != nil {
		return nil, err
	}
	var out []Port
	for k := protocol.PortPublisher; k <= protocol.PortNotifier; k++ {
		for i := range r.limits.ports(k) {
			p := r.port(id.Slot(), k, i)
			w := loadState(&p.state)
			if st := w.State(); st != protocol.SlotActive && st != protocol.SlotReclaiming {
				continue
			}
			port := r.readPort(p, k, i)
			if loadState(&p.state) != w {
				continue
			}
			out = append(out, port)
		}
	}
	return out, nil
}

// PortState returns the current state word of a port slot.
func (r *Registry) PortState(id ServiceID, kind protocol.PortKind, slot int) protocol.StateWord {
	return loadState(&r.port(id.Slot(), kind, slot).state)
}

func (r *Registry) readPort(p *portEntry, kind protocol.PortKind, i int) Port {
	w := loadState(&p.state)
	return Port{
		Kind:       kind,
		Slot:       i,
		Handle:     protocol.MakeHandle(i, w.Generation()),
		State:      w.State(),
		ID:         ulid.ULID(p.id),
		Owner:      protocol.Handle(atomic.LoadUint64(&p.owner)),
		Overflow:   protocol.OverflowPolicy(p.overflow),
		History:    p.history,
		BufferSize: p.bufSize,
		Created:    time.Unix(0, atomic.LoadInt64(&p.created)),
	}
}

// ServiceSlots calls fn for every service slot in use (active or stale),
// including ones whose state changes during the call.
func (r *Registry) ServiceSlots(fn func(slot int, w protocol.StateWord)) {
	for i := range r.limits.Services {
		w := loadState(&r.service(i).state)
		if w.State() != protocol.SlotFree {
			fn(i, w)
		}
	}
}

// OwnedPorts returns the occupied ports of the service in slot svc owned
// by node, whatever the service entry's state.
func (r *Registry) OwnedPorts(svc int, node protocol.Handle) []Port {
	var out []Port
	for k := protocol.PortPublisher; k <= protocol.PortNotifier; k++ {
		for i := range r.limits.ports(k) {
			p := r.port(svc, k, i)
			if loadState(&p.state).State() == protocol.SlotFree {
				continue
			}
			if protocol.Handle(atomic.LoadUint64(&p.owner)) != node {
				continue
			}
			out = append(out, r.readPort(p, k, i))
		}
	}
	return out
}

// NodeInfo is a snapshot of a node entry.
type NodeInfo struct {
	Handle    protocol.Handle
	State     protocol.SlotState
	ID        ulid.ULID
	Name      string
	Token     liveness.Token
	Created   time.Time
	Reclaimer protocol.Handle
}

// RegisterNode claims a node slot.
func (r *Registry) RegisterNode(id ulid.ULID, name string, tok liveness.Token) (protocol.Handle, error) {
	for i := range r.limits.Nodes {
		n := r.node(i)
		w := loadState(&n.state)
		if w.State() != protocol.SlotFree {
			continue
		}
		if !casState(&n.state, w, w.With(protocol.SlotWriting)) {
			continue
		}
		n.id = id
		n.nameLen = protocol.CopyName(n.name[:], name)
		atomic.StoreUint32(&n.pid, tok.PID)
		atomic.StoreUint64(&n.start, tok.Start)
		atomic.StoreInt64(&n.created, time.Now().UnixNano())
		atomic.StoreUint64(&n.reclaimer, 0)
		atomic.StoreUint32(&n.waiters, 0)
		if !casState(&n.state, w.With(protocol.SlotWriting), w.With(protocol.SlotActive)) {
			continue
		}
		return protocol.MakeHandle(i, w.Generation()), nil
	}
	return 0, ErrNodesExhausted
}

func (r *Registry) readNode(i int) (NodeInfo, bool) {
	n := r.node(i)
	w := loadState(&n.state)
	if st := w.State(); st != protocol.SlotActive && st != protocol.SlotReclaiming {
		return NodeInfo{}, false
	}
	id := ulid.ULID(n.id)
	info := NodeInfo{
		Handle: protocol.MakeHandle(i, w.Generation()),
		State:  w.State(),
		ID:     id,
		Name:   string(n.name[:min(atomic.LoadUint32(&n.nameLen), protocol.MaxNodeName)]),
		Token: liveness.Token{
			PID:   atomic.LoadUint32(&n.pid),
			Start: atomic.LoadUint64(&n.start),
			Node:  id,
		},
		Created:   time.Unix(0, atomic.LoadInt64(&n.created)),
		Reclaimer: protocol.Handle(atomic.LoadUint64(&n.reclaimer)),
	}
	if loadState(&n.state) != w {
		return NodeInfo{}, false
	}
	return info, true
}

// Node returns the node named by h.
func (r *Registry) Node(h protocol.Handle) (NodeInfo, bool) {
	i := h.Slot()
	if i < 0 || i >= r.limits.Nodes {
		return NodeInfo{}, false
	}
	info, ok := r.readNode(i)
	if !ok || info.Handle != h {
		return NodeInfo{}, false
	}
	return info, true
}

// Nodes returns every registered node.
func (r *Registry) Nodes() []NodeInfo {
	var out []NodeInfo
	for i := range r.limits.Nodes {
		if info, ok := r.readNode(i); ok {
			out = append(out, info)
		}
	}
	return out
}

// ClaimNode makes by the reclaimer of node h. It succeeds when nobody claimed
// h yet, when by already holds the claim, or when the current reclaimer is
// dead according to reclaimerDead.
func (r *Registry) ClaimNode(h, by protocol.Handle, reclaimerDead func(protocol.Handle) bool) bool {
	i := h.Slot()
	if i < 0 || i >= r.limits.Nodes {
		return false
	}
	n := r.node(i)
	for {
		w := loadState(&n.state)
		if st := w.State(); (st != protocol.SlotActive && st != protocol.SlotReclaiming) || !h.Matches(w) {
			return false
		}
		cur := protocol.Handle(atomic.LoadUint64(&n.reclaimer))
		if cur == by {
			return true
		}
		if cur != 0 && !reclaimerDead(cur) {
			return false
		}
		if atomic.CompareAndSwapUint64(&n.reclaimer, uint64(cur), uint64(by)) {
			casState(&n.state, w, w.With(protocol.SlotReclaiming))
			return true
		}
	}
}

// RemoveNode frees the node slot named by h.
func (r *Registry) RemoveNode(h protocol.Handle) bool {
	i := h.Slot()
	if i < 0 || i >= r.limits.Nodes {
		return false
	}
	n := r.node(i)
	for {
		w := loadState(&n.state)
		if st := w.State(); (st != protocol.SlotActive && st != protocol.SlotReclaiming) || !h.Matches(w) {
			return false
		}
		if casState(&n.state, w, w.Next(protocol.SlotFree)) {
			return true
		}
	}
}

// Doorbell returns the futex word and waiter count of node h. Whoever
// triggers an attachment of the node's wait sets rings it.
func (r *Registry) Doorbell(h protocol.Handle) (word, waiters *uint32) {
	i := h.Slot()
	if i < 0 || i >= r.limits.Nodes {
		return nil, nil
	}
	n := r.node(i)
	return &n.doorbell, &n.waiters
}
