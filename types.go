package shmbus

import (
	"time"

	"github.com/oklog/ulid/v2"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/pool"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
)

// OverflowPolicy selects how a subscriber copes with a faster publisher.
type OverflowPolicy = protocol.OverflowPolicy

const (
	// Lossless subscribers get every sample through a bounded queue.
	Lossless = protocol.OverflowLossless
	// Lossy subscribers read the publisher's history ring and may skip.
	Lossy = protocol.OverflowLossy
)

// FullQueueAction is what a publisher does when a lossless subscriber's
// queue is full.
type FullQueueAction = protocol.FullQueueAction

const (
	DiscardNewest = protocol.FullQueueDiscardNewest
	DiscardOldest = protocol.FullQueueDiscardOldest
	Block         = protocol.FullQueueBlock
)

// PortKind is the closed set of port variants.
type PortKind = protocol.PortKind

const (
	PublisherPort  = protocol.PortPublisher
	SubscriberPort = protocol.PortSubscriber
	ListenerPort   = protocol.PortListener
	NotifierPort   = protocol.PortNotifier
)

// Liveness probing, injectable with WithProbe.
type (
	LivenessProbe = liveness.Probe
	LivenessToken = liveness.Token
	LivenessState = liveness.State
	ProbeFunc     = liveness.ProbeFunc
)

const (
	LivenessUnknown = liveness.Unknown
	LivenessAlive   = liveness.Alive
	LivenessDead    = liveness.Dead
)

// ServiceID names a registered service at a given registry generation.
type ServiceID = registry.ServiceID

// PoolStats reports the occupancy of one chunk size class.
type PoolStats = pool.ClassStats

// EventID identifies an event within a service. Ids are below the service's
// EventIDMax.
type EventID uint32

// AllocPolicy decides what a loan does when the pool is empty.
type AllocPolicy uint8

const (
	// AllocFail returns ErrResourceExhausted at once.
	AllocFail AllocPolicy = iota
	// AllocWait retries, sweeping dead peers, until the alloc timeout.
	AllocWait
)

// NodeInfo describes a node of the domain.
type NodeInfo struct {
	ID      ulid.ULID
	Name    string
	PID     uint32
	Created time.Time
	State   LivenessState
	// Reclaiming is set while a sweeper is cleaning up after the node.
	Reclaiming bool
}

// PortInfo describes a port of a service.
type PortInfo struct {
	Kind       PortKind
	ID         ulid.ULID
	Node       ulid.ULID
	Overflow   OverflowPolicy
	History    int
	BufferSize int
	Created    time.Time
}

// ServiceInfo is a discovery result.
type ServiceInfo struct {
	ID         ServiceID
	Descriptor ServiceDescriptor
	Offered    bool
}

// SampleHeader is the metadata a publisher stamps on every sample.
type SampleHeader struct {
	Sequence  uint64
	Timestamp time.Time
	Publisher ulid.ULID
	Size      int
}
