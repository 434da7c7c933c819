package shmbus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

// SweepReport counts what one sweep cleaned up.
type SweepReport struct {
	DeadNodes            int
	ReclaimedPorts       int
	ReleasedChunks       int
	DetachedSegments     int
	DestroyedSegments    int
	DeregisteredServices int
	CollectedEntries     int
}

// Sweep reclaims the resources of dead nodes: their ports, the chunk
// references those ports held, their segment attachments and their registry
// entries. Concurrent calls within a process share one sweep; sweeps in
// different processes are safe to overlap.
func (n *Node) Sweep(ctx context.Context) (SweepReport, error) {
	if err := n.check(); err != nil {
		return SweepReport{}, err
	}
	v, err, _ := n.sweeps.Do("sweep", func() (any, error) {
		return n.sweep(ctx)
	})
	rep, _ := v.(SweepReport)
	return rep, err
}

// sweepMaybe runs an opportunistic sweep when the rate limit allows one.
func (n *Node) sweepMaybe() {
	if n.check() != nil || !n.sweepLimit.Allow() {
		return
	}
	if _, err := n.Sweep(context.Background()); err != nil {
		n.log.Debug("opportunistic sweep failed", zap.Error(err))
	}
}

func (n *Node) sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	n.metrics.Sweeps.Inc()
	for _, info := range n.reg.Nodes() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if info.Handle == n.handle || n.probe.Probe(info.Token) != liveness.Dead {
			continue
		}
		if !n.reg.ClaimNode(info.Handle, n.handle, n.nodeDead) {
			// someone alive is on it
			continue
		}
		n.reclaimNode(info, &rep)
	}
	rep.CollectedEntries = n.reg.Collect(n.cfg.StaleGrace.Std())
	return rep, nil
}

// nodeDead reports whether node h is dead or gone. Unknown counts as alive.
func (n *Node) nodeDead(h protocol.Handle) bool {
	if h == n.handle {
		return false
	}
	info, ok := n.reg.Node(h)
	if !ok {
		return true
	}
	return n.probe.Probe(info.Token) == liveness.Dead
}

func (n *Node) reclaimNode(info registry.NodeInfo, rep *SweepReport) {
	log := n.log.With(zap.Stringer("dead_node", info.ID), zap.Uint32("pid", info.Token.PID))
	before := *rep
	rep.DeadNodes++

	abandoned := n.reg.AbandonWrites(info.Handle)
	n.reg.ServiceSlots(func(slot int, w protocol.StateWord) {
		n.reclaimService(protocol.MakeHandle(slot, w.Generation()), info.Handle, rep, log)
	})
	detached, _ := n.regSeg.ReclaimOwner(info.Handle)
	rep.DetachedSegments += detached
	n.reg.RemoveNode(info.Handle)

	n.metrics.ReclaimedNodes.Inc()
	log.Warn("reclaimed dead node",
		zap.String("name", info.Name),
		zap.Int("ports", rep.ReclaimedPorts-before.ReclaimedPorts),
		zap.Int("chunks", rep.ReleasedChunks-before.ReleasedChunks),
		zap.Int("segments", rep.DetachedSegments-before.DetachedSegments),
		zap.Int("abandoned_registrations", abandoned),
	)
}

// reclaimService drops everything node dead holds in service id.
func (n *Node) reclaimService(id ServiceID, dead protocol.Handle, rep *SweepReport, log *logging.Logger) {
	ports := n.reg.OwnedPorts(id.Slot(), dead)
	e, err := n.reg.Service(id)
	if err != nil {
		// deregistered: the segment went with it
		n.removePorts(id, ports, rep)
		return
	}

	reclaim := func(view *segmentView) {
		for _, p := range ports {
			if p.State == protocol.SlotWriting {
				// never became visible; the next claimant resets the slot
				if n.reg.RemovePort(id, p.Kind, p.Handle) {
					rep.ReclaimedPorts++
				}
				continue
			}
			if released, ok := n.reclaimPort(id, view, p); ok {
				rep.ReleasedChunks += released
				rep.ReclaimedPorts++
			}
		}
		detached, destroyed := view.seg.ReclaimOwner(dead)
		rep.DetachedSegments += detached
		if destroyed {
			// destroying the segment deregistered the service
			rep.DestroyedSegments++
			rep.DeregisteredServices++
		}
	}
	if n.withView(id, reclaim) {
		return
	}

	seg, err := shm.Open(n.segmentName(e.Descriptor.Name), n.serviceSegmentOptions())
	if errors.Is(err, shm.ErrNotFound) {
		n.removePorts(id, ports, rep)
		if rest, err := n.reg.Ports(id); err == nil && len(rest) == 0 {
			n.deregister(id, rep)
		}
		return
	}
	if err != nil {
		log.Warn("cannot open service segment", logging.Service(e.Descriptor.Name), zap.Error(err))
		return
	}
	defer seg.Close()
	view, err := attachView(seg, newLayout(&e.Descriptor))
	if err != nil {
		log.Error("service segment corrupted, leaving it alone", logging.Service(e.Descriptor.Name), zap.Error(err))
		return
	}
	reclaim(view)
}

// reclaimPort claims, resets and frees port p. It returns how many chunk
// references it released.
func (n *Node) reclaimPort(id ServiceID, view *segmentView, p registry.Port) (int, bool) {
	// a port left Reclaiming by a dead closer or sweeper is finished here
	if !n.reg.ClaimPort(id, p.Kind, p.Handle) && p.State != protocol.SlotReclaiming {
		return 0, false
	}
	released := 0
	switch p.Kind {
	case protocol.PortPublisher:
		released = view.resetPublisher(p.Slot)
	case protocol.PortSubscriber:
		released = view.resetSubscriber(p.Slot)
	case protocol.PortListener:
		view.resetListener(p.Slot)
	}
	n.reg.RemovePort(id, p.Kind, p.Handle)

	n.metrics.ReclaimedPorts.WithLabelValues(p.Kind.String()).Inc()
	n.metrics.ReleasedChunks.Add(float64(released))
	return released, true
}

func (n *Node) removePorts(id ServiceID, ports []registry.Port, rep *SweepReport) {
	for _, p := range ports {
		if n.reg.RemovePort(id, p.Kind, p.Handle) {
			rep.ReclaimedPorts++
			n.metrics.ReclaimedPorts.WithLabelValues(p.Kind.String()).Inc()
		}
	}
}

func (n *Node) deregister(id ServiceID, rep *SweepReport) {
	if n.reg.Deregister(id) == nil {
		rep.DeregisteredServices++
	}
}
