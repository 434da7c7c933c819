package shmbus

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

// Node is one participant of a shmbus domain. It maps the domain registry,
// owns every service and port opened through it and cleans up after peers
// that died.
type Node struct {
	cfg      Config
	log      *logging.Logger
	metrics  *metrics
	gatherer prometheus.Gatherer
	probe    liveness.Probe
	shmOpts  shm.Options

	id     ulid.ULID
	name   string
	token  liveness.Token
	handle protocol.Handle

	regSeg *shm.Segment
	reg    *registry.Registry

	sweepLimit *rate.Limiter
	sweeps     singleflight.Group

	mu       sync.Mutex
	services map[*Service]struct{}
	closed   atomic.Bool
	// held shared by wait sets blocked on the doorbell
	waitMu sync.RWMutex
}

// Option configures NewNode.
type Option func(*nodeOptions)

type nodeOptions struct {
	name       string
	logger     *zap.Logger
	probe      liveness.Probe
	registerer prometheus.Registerer
}

// WithName sets the node name shown by ListNodes.
func WithName(name string) Option {
	return func(o *nodeOptions) { o.name = name }
}

// WithLogger makes the node log through l instead of a logger built from
// Config.Log.
func WithLogger(l *zap.Logger) Option {
	return func(o *nodeOptions) { o.logger = l }
}

// WithProbe replaces the process liveness probe.
func WithProbe(p LivenessProbe) Option {
	return func(o *nodeOptions) { o.probe = p }
}

// WithRegisterer registers the node's metrics on r instead of a private
// registry. Every metric carries a node label.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *nodeOptions) { o.registerer = r }
}

// NewNode joins the domain described by cfg, creating its registry if this
// is the first node.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := nodeOptions{probe: liveness.ProcessProbe{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("node-%d", os.Getpid())
	}
	if len(o.name) > protocol.MaxNodeName {
		return nil, fmt.Errorf("%w: node name longer than %d bytes", ErrInvalidConfig, protocol.MaxNodeName)
	}

	log := logging.Wrap(o.logger)
	if o.logger == nil {
		var err error
		if log, err = logging.New(cfg.logging()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	id := ulid.Make()
	n := &Node{
		cfg:   cfg,
		probe: o.probe,
		shmOpts: shm.Options{
			Dir:           cfg.SegmentDir,
			AttachSlots:   cfg.AttachSlots,
			AttachTimeout: cfg.AttachTimeout.Std(),
			Probe:         o.probe,
		},
		id:         id,
		name:       o.name,
		token:      liveness.Self().WithNode(id),
		sweepLimit: rate.NewLimiter(rate.Every(cfg.SweepInterval.Std()), cfg.SweepBurst),
		services:   make(map[*Service]struct{}),
	}
	n.log = log.With(logging.Node(id))

	reg := o.registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, n.gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		n.gatherer = g
	}
	n.metrics = newMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"node": id.String()}, reg))

	if err := n.joinRegistry(); err != nil {
		return nil, err
	}
	n.log.Info("node opened",
		zap.String("name", n.name),
		logging.Segment(n.regSeg.Name()),
		zap.Bool("created_registry", n.regSeg.Created()),
	)
	return n, nil
}

func (n *Node) joinRegistry() error {
	limits := n.cfg.limits()
	opts := n.shmOpts
	opts.Init = registry.Init(limits)

	name := shm.Name(n.cfg.Prefix, "registry", "")
	seg, err := shm.Join(name, registry.Size(limits), opts, n.token, 0)
	if err != nil {
		if errors.Is(err, shm.ErrSizeConflict) {
			return fmt.Errorf("registry %s was created with other limits: %w", name, translate(err))
		}
		return translate(err)
	}
	reg, err := registry.Attach(seg.Bytes())
	if err == nil && reg.Limits() != limits {
		err = fmt.Errorf("%w: registry %s was created with other limits", ErrAlreadyExists, name)
	}
	if err != nil {
		seg.Detach()
		return translate(err)
	}
	h, err := reg.RegisterNode(n.id, n.name, n.token)
	if err != nil {
		seg.Detach()
		return translate(err)
	}
	seg.SetOwner(h)
	n.regSeg, n.reg, n.handle = seg, reg, h
	return nil
}

// ID returns the node id.
func (n *Node) ID() ulid.ULID { return n.id }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Config returns the configuration the node was opened with.
func (n *Node) Config() Config { return n.cfg }

// Gatherer returns the registry holding the node's metrics, or nil when the
// Registerer given to WithRegisterer cannot gather.
func (n *Node) Gatherer() prometheus.Gatherer { return n.gatherer }

func (n *Node) check() error {
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Lookup returns the offered services called name.
func (n *Node) Lookup(name string) iter.Seq[ServiceInfo] {
	n.sweepMaybe()
	return n.serviceInfos(n.reg.Lookup(name, nil))
}

// LookupCompatible returns the offered services that OpenService(d) would
// join: same name and payload type, same QoS, and at least the limits d
// asks for. Unset fields of d take the node's defaults first.
func (n *Node) LookupCompatible(d ServiceDescriptor) (iter.Seq[ServiceInfo], error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	want, err := n.descriptor(d)
	if err != nil {
		return nil, err
	}
	n.sweepMaybe()
	return n.serviceInfos(n.reg.Lookup(want.Name, func(have *registry.Descriptor) bool {
		return have.Satisfies(&want)
	})), nil
}

// ListServices returns every offered service of the domain.
func (n *Node) ListServices() iter.Seq[ServiceInfo] {
	return n.serviceInfos(n.reg.List())
}

func (n *Node) serviceInfos(entries iter.Seq[registry.Entry]) iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		if n.check() != nil {
			return
		}
		for e := range entries {
			info := ServiceInfo{ID: e.ID, Descriptor: publicDescriptor(&e.Descriptor), Offered: e.Offered}
			if !yield(info) {
				return
			}
		}
	}
}

// ListNodes returns the nodes of the domain with their liveness.
func (n *Node) ListNodes() []NodeInfo {
	if n.check() != nil {
		return nil
	}
	return nodeInfos(n.reg, n.probe, n.handle)
}

// ListNodes inspects the domain described by cfg without joining it. It
// returns no nodes when the domain does not exist.
func ListNodes(cfg Config, opts ...Option) ([]NodeInfo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := nodeOptions{probe: liveness.ProcessProbe{}}
	for _, opt := range opts {
		opt(&o)
	}
	seg, err := shm.Open(shm.Name(cfg.Prefix, "registry", ""), shm.Options{
		Dir:           cfg.SegmentDir,
		AttachSlots:   cfg.AttachSlots,
		AttachTimeout: cfg.AttachTimeout.Std(),
		Probe:         o.probe,
	})
	if errors.Is(err, shm.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	defer seg.Close()

	reg, err := registry.Attach(seg.Bytes())
	if err != nil {
		return nil, translate(err)
	}
	return nodeInfos(reg, o.probe, 0), nil
}

func nodeInfos(reg *registry.Registry, probe liveness.Probe, self protocol.Handle) []NodeInfo {
	nodes := reg.Nodes()
	out := make([]NodeInfo, 0, len(nodes))
	for _, info := range nodes {
		state := liveness.Alive
		if info.Handle != self {
			state = probe.Probe(info.Token)
		}
		out = append(out, NodeInfo{
			ID:         info.ID,
			Name:       info.Name,
			PID:        info.Token.PID,
			Created:    info.Created,
			State:      state,
			Reclaiming: info.State == protocol.SlotReclaiming,
		})
	}
	return out
}

// ringDoorbell wakes the wait sets of node h.
func (n *Node) ringDoorbell(h protocol.Handle) {
	if word, waiters := n.reg.Doorbell(h); word != nil {
		ring(word, waiters)
	}
}

func (n *Node) track(s *Service) {
	n.mu.Lock()
	n.services[s] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) untrack(s *Service) {
	n.mu.Lock()
	delete(n.services, s)
	n.mu.Unlock()
}

// withView runs fn on the local view of service id if this node has it
// open, and reports whether it did. The service cannot detach meanwhile.
func (n *Node) withView(id ServiceID, fn func(*segmentView)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.services {
		if s.id == id {
			fn(s.view)
			return true
		}
	}
	return false
}

// Close closes every service and port of the node and leaves the domain.
// The registry is destroyed when this was its last node.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	services := make([]*Service, 0, len(n.services))
	for s := range n.services {
		services = append(services, s)
	}
	n.mu.Unlock()

	var errs []error
	for _, s := range services {
		errs = append(errs, s.Close())
	}
	n.ringDoorbell(n.handle)
	n.waitMu.Lock()
	n.waitMu.Unlock()

	n.reg.RemoveNode(n.handle)
	destroyed, err := n.regSeg.Detach()
	errs = append(errs, err)
	n.log.Info("node closed", zap.Bool("destroyed_registry", destroyed))
	return errors.Join(errs...)
}
