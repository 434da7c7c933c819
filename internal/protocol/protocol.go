// Package protocol defines the shared-memory ABI used by every shmbus
// participant: slot states, port kinds, QoS codes and the packed words that
// processes exchange through mapped segments.
//
// Everything in this package must stay layout-stable. Two processes built
// from different versions of the module rendezvous on the same segment files,
// so values here are only ever appended to, never renumbered.
package protocol

import (
	"fmt"
	"strings"
)

// Version of the on-segment layout. Bumped on incompatible layout changes.
const Version uint32 = 1

// Magic numbers identifying initialized segment kinds.
const (
	MagicSegment  uint64 = 0x53484d4255535347 // "SHMBUSSG"
	MagicRegistry uint64 = 0x53484d4255535247 // "SHMBUSRG"
	MagicService  uint64 = 0x53484d4255535356 // "SHMBUSSV"
	MagicPool     uint64 = 0x53484d425553504c // "SHMBUSPL"
)

// Size limits for fixed-width fields stored in shared memory.
const (
	MaxServiceName = 128
	MaxTypeName    = 64
	MaxNodeName    = 64
	MaxEventIDs    = 256 // listener bitset width
	MaxHolders     = 64  // publisher + subscriber slots per service
	MaxSizeClasses = 8
	CacheLine      = 64
)

// SlotState is the lifecycle state of any shared-memory slot (node, service
// entry, port entry, attachment).
//
//go:generate go tool stringer -type=SlotState -linecomment
type SlotState uint8

const (
	SlotFree       SlotState = iota // free
	SlotWriting                     // writing
	SlotActive                      // active
	SlotReclaiming                  // reclaiming
	SlotStale                       // stale
)

// PortKind is the closed set of port variants.
//
//go:generate go tool stringer -type=PortKind -linecomment
type PortKind uint8

const (
	PortPublisher  PortKind = iota // publisher
	PortSubscriber                 // subscriber
	PortListener                   // listener
	PortNotifier                   // notifier
)

// OverflowPolicy selects how a subscriber copes with a producer that is
// faster than it.
//
//go:generate go tool stringer -type=OverflowPolicy -linecomment
type OverflowPolicy uint8

const (
	OverflowUnset    OverflowPolicy = iota // unset
	OverflowLossless                       // lossless
	OverflowLossy                          // lossy
)

// FullQueueAction is what a publisher does when a lossless subscriber queue
// is full.
//
//go:generate go tool stringer -type=FullQueueAction -linecomment
type FullQueueAction uint8

const (
	FullQueueUnset         FullQueueAction = iota // unset
	FullQueueDiscardNewest                        // discard-newest
	FullQueueDiscardOldest                        // discard-oldest
	FullQueueBlock                                // block
)

// MarshalText implements encoding.TextMarshaler.
func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OverflowPolicy) UnmarshalText(b []byte) error {
	v, err := parseEnum("overflow policy", string(b), OverflowLossy)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a FullQueueAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *FullQueueAction) UnmarshalText(b []byte) error {
	v, err := parseEnum("full queue action", string(b), FullQueueBlock)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func parseEnum[E interface {
	~uint8
	String() string
}](what, s string, last E) (E, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for v := E(0); v <= last; v++ {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown %s %q", what, s)
}

// StateWord packs a 56 bit generation and a SlotState into one uint64 so a
// slot transition and its generation bump are a single CAS.
type StateWord uint64

// MakeState builds a state word.
func MakeState(gen uint64, s SlotState) StateWord {
	return StateWord(gen<<8 | uint64(s))
}

// State returns the slot state.
func (w StateWord) State() SlotState {
	return SlotState(w & 0xff)
}

// Generation returns the slot generation.
func (w StateWord) Generation() uint64 {
	return uint64(w) >> 8
}

// Next returns the word for state s at the following generation.
func (w StateWord) Next(s SlotState) StateWord {
	return MakeState(w.Generation()+1, s)
}

// With returns the word for state s at the same generation.
func (w StateWord) With(s SlotState) StateWord {
	return MakeState(w.Generation(), s)
}

const handleGenMask = 1<<48 - 1

// Handle names a slot together with the generation at which it was acquired.
// The zero Handle is invalid, which lets shared memory use 0 as "nobody".
type Handle uint64

// MakeHandle packs a slot index and generation.
func MakeHandle(slot int, gen uint64) Handle {
	return Handle((gen&handleGenMask)<<16 | uint64(slot+1)&0xffff)
}

// Slot returns the slot index, or -1 for the zero Handle.
func (h Handle) Slot() int {
	return int(h&0xffff) - 1
}

// Generation returns the generation the slot had when the handle was made.
func (h Handle) Generation() uint64 {
	return uint64(h) >> 16
}

// Valid reports whether h names a slot.
func (h Handle) Valid() bool {
	return h&0xffff != 0
}

// Matches reports whether h still names the slot whose current state word
// is w.
func (h Handle) Matches(w StateWord) bool {
	return h.Valid() && w.Generation()&handleGenMask == h.Generation()
}

// Align rounds v up to a multiple of a (a must be a power of two).
func Align(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// CopyName copies s into a fixed-width field and returns the stored length.
func CopyName(dst []byte, s string) uint32 {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return uint32(n)
}
