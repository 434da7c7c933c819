package registry

import (
	"unsafe"

	"gosuda.org/shmbus/internal/protocol"
)

// Limits sizes the fixed tables of a registry segment. Every participant of
// a domain must use the same limits.
type Limits struct {
	Nodes       int
	Services    int
	Publishers  int // per service
	Subscribers int // per service
	Listeners   int // per service
	Notifiers   int // per service
}

func (l Limits) ports(kind protocol.PortKind) int {
	switch kind {
	case protocol.PortPublisher:
		return l.Publishers
	case protocol.PortSubscriber:
		return l.Subscribers
	case protocol.PortListener:
		return l.Listeners
	case protocol.PortNotifier:
		return l.Notifiers
	}
	return 0
}

func (l Limits) portBase(kind protocol.PortKind) int {
	n := 0
	for k := protocol.PortPublisher; k < kind; k++ {
		n += l.ports(k)
	}
	return n
}

func (l Limits) totalPorts() int {
	return l.Publishers + l.Subscribers + l.Listeners + l.Notifiers
}

type regHeader struct {
	magic     uint64
	version   uint32
	nodes     uint32
	services  uint32
	ports     [4]uint32
	_         uint32
	epoch     uint64 // bumped on every service table change
	_         [protocol.CacheLine - 48]byte
}

type nodeEntry struct {
	state     uint64
	id        [16]byte
	pid       uint32
	nameLen   uint32
	start     uint64
	created   int64
	doorbell  uint32
	waiters   uint32
	reclaimer uint64
	name      [protocol.MaxNodeName]byte
	_         [192 - 128]byte
}

type descABI struct {
	payloadSize  uint32
	payloadAlign uint32
	classes      [protocol.MaxSizeClasses]uint32
	maxPorts     [4]uint32
	history      uint32
	bufSize      uint32
	eventIDMax   uint32
	maxBorrowed  uint32
	maxLoaned    uint32
	overflow     uint8
	fullQueue    uint8
	_            [2]uint8
}

type serviceEntry struct {
	state      uint64
	writer     uint64
	staleSince int64
	portGen    uint64
	nameHash   uint64
	typeHash   uint64
	offered    uint32
	nameLen    uint32
	typeLen    uint32
	nclass     uint32
	desc       descABI
	name       [protocol.MaxServiceName]byte
	typeName   [protocol.MaxTypeName]byte
}

type portEntry struct {
	state    uint64
	owner    uint64
	id       [16]byte
	history  uint32
	bufSize  uint32
	overflow uint8
	_        [3]uint8
	_        uint32
	created  int64
	_        [8]byte
}

var (
	headerSize       = protocol.Align(unsafe.Sizeof(regHeader{}), protocol.CacheLine)
	nodeSize         = unsafe.Sizeof(nodeEntry{})
	serviceFixedSize = protocol.Align(unsafe.Sizeof(serviceEntry{}), protocol.CacheLine)
	portSize         = unsafe.Sizeof(portEntry{})
)

func (l Limits) serviceStride() uintptr {
	return serviceFixedSize + uintptr(l.totalPorts())*portSize
}

func (l Limits) servicesOffset() uintptr {
	return headerSize + uintptr(l.Nodes)*nodeSize
}

// Size returns the user-area bytes of a registry segment with limits l.
func Size(l Limits) uintptr {
	return l.servicesOffset() + uintptr(l.Services)*l.serviceStride()
}
