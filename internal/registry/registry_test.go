package registry

import (
	"slices"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/protocol"
)

var testLimits = Limits{
	Nodes:       4,
	Services:    4,
	Publishers:  2,
	Subscribers: 3,
	Listeners:   2,
	Notifiers:   2,
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	buf := make([]uint64, Size(testLimits)/8+1)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*8)
	require.NoError(t, Init(testLimits)(mem))
	r, err := Attach(mem)
	require.NoError(t, err)
	return r
}

func descriptor(name string) Descriptor {
	return Descriptor{
		Name:                 name,
		TypeName:             "telemetry.Frame",
		PayloadSize:          256,
		PayloadAlign:         8,
		Classes:              []uint32{256},
		Overflow:             protocol.OverflowLossless,
		FullQueue:            protocol.FullQueueDiscardNewest,
		MaxPublishers:        2,
		MaxSubscribers:       3,
		MaxListeners:         2,
		MaxNotifiers:         2,
		HistoryCapacity:      4,
		SubscriberBufferSize: 8,
		EventIDMax:           32,
	}
}

func TestRegisterLookupDeregister(t *testing.T) {
	r := newRegistry(t)
	writer := protocol.MakeHandle(0, 1)

	id, created, err := r.RegisterService(descriptor("camera/front"), writer)
	require.NoError(t, err)
	assert.True(t, created)

	found := slices.Collect(r.Lookup("camera/front", nil))
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	assert.Equal(t, "telemetry.Frame", found[0].Descriptor.TypeName)
	assert.NotZero(t, found[0].Descriptor.TypeHash)
	assert.Equal(t, writer, found[0].Writer)

	require.NoError(t, r.Deregister(id))
	assert.Empty(t, slices.Collect(r.Lookup("camera/front", nil)))
	assert.ErrorIs(t, r.Deregister(id), ErrStale)

	_, err = r.Service(id)
	assert.ErrorIs(t, err, ErrStale)
}

func TestLookupIsRestartable(t *testing.T) {
	r := newRegistry(t)
	seq := r.Lookup("a", nil)
	assert.Empty(t, slices.Collect(seq))

	_, _, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(seq), 1, "ranging again must rescan")
}

func TestLookupMatcher(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)

	big := func(d *Descriptor) bool { return d.PayloadSize > 1024 }
	assert.Empty(t, slices.Collect(r.Lookup("a", big)))
}

func TestRegisterExisting(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)

	again, created, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	other := descriptor("a")
	other.TypeName = "telemetry.Other"
	_, _, err = r.RegisterService(other, 0)
	assert.ErrorIs(t, err, ErrIncompatible)

	lossy := descriptor("a")
	lossy.Overflow = protocol.OverflowLossy
	_, _, err = r.RegisterService(lossy, 0)
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestRegisterValidates(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.RegisterService(descriptor(""), 0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestServiceTableFull(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		_, _, err := r.RegisterService(descriptor(name), 0)
		require.NoError(t, err)
	}
	_, _, err := r.RegisterService(descriptor("e"), 0)
	assert.ErrorIs(t, err, ErrServicesExhausted)
}

func TestConcurrentRegisterSameName(t *testing.T) {
	r := newRegistry(t)

	const n = 4
	ids := make([]ServiceID, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.RegisterService(descriptor("race"), 0)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, slices.Collect(r.List()), 1)
}

func TestCollect(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)
	require.NoError(t, r.Deregister(id))

	assert.Zero(t, r.Collect(time.Hour))
	assert.Equal(t, 1, r.Collect(0))

	// the freed slot is reused under a new generation
	next, created, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id.Slot(), next.Slot())
	assert.NotEqual(t, id, next)
}

func TestOffer(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.RegisterService(descriptor("a"), 0)
	require.NoError(t, err)

	require.NoError(t, r.StopOffer(id))
	assert.Empty(t, slices.Collect(r.Lookup("a", nil)))
	_, ok := r.Find("a")
	assert.True(t, ok)

	require.NoError(t, r.Offer(id))
	assert.Len(t, slices.Collect(r.Lookup("a", nil)), 1)
}

func TestPorts(t *testing.T) {
	r := newRegistry(t)
	d := descriptor("a")
	d.MaxPublishers = 1
	id, _, err := r.RegisterService(d, 0)
	require.NoError(t, err)

	owner := protocol.MakeHandle(1, 1)
	gen := r.PortGeneration(id)
	pub, err := r.AddPort(id, protocol.PortPublisher, PortSpec{ID: ulid.Make(), Owner: owner}, nil)
	require.NoError(t, err)
	assert.Greater(t, r.PortGeneration(id), gen)

	_, err = r.AddPort(id, protocol.PortPublisher, PortSpec{ID: ulid.Make(), Owner: owner}, nil)
	assert.ErrorIs(t, err, ErrPortsExhausted, "descriptor caps publishers at one")

	prepared := -1
	sub, err := r.AddPort(id, protocol.PortSubscriber, PortSpec{
		ID:         ulid.Make(),
		Owner:      owner,
		Overflow:   protocol.OverflowLossy,
		History:    3,
		BufferSize: 8,
	}, func(slot int) {
		prepared = slot
		assert.Equal(t, protocol.SlotWriting, r.PortState(id, protocol.PortSubscriber, slot).State())
	})
	require.NoError(t, err)
	assert.Equal(t, sub.Slot, prepared)

	ports, err := r.Ports(id)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, protocol.PortSubscriber, ports[1].Kind)
	assert.Equal(t, uint32(3), ports[1].History)
	assert.Equal(t, sub.ID, ports[1].ID)

	assert.True(t, r.ClaimPort(id, protocol.PortPublisher, pub.Handle))
	assert.False(t, r.ClaimPort(id, protocol.PortPublisher, pub.Handle))
	assert.True(t, r.RemovePort(id, protocol.PortPublisher, pub.Handle))
	assert.False(t, r.RemovePort(id, protocol.PortPublisher, pub.Handle))

	assert.Len(t, r.OwnedPorts(id.Slot(), owner), 1)
}

func TestNodes(t *testing.T) {
	r := newRegistry(t)
	id := ulid.Make()
	tok := liveness.Self()

	h, err := r.RegisterNode(id, "sensor", tok)
	require.NoError(t, err)

	info, ok := r.Node(h)
	require.True(t, ok)
	assert.Equal(t, "sensor", info.Name)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, id, info.Token.Node)
	assert.Equal(t, tok.PID, info.Token.PID)

	other, err := r.RegisterNode(ulid.Make(), "other", tok)
	require.NoError(t, err)
	assert.Len(t, r.Nodes(), 2)

	alwaysDead := func(protocol.Handle) bool { return true }
	neverDead := func(protocol.Handle) bool { return false }
	assert.True(t, r.ClaimNode(h, other, neverDead))
	assert.True(t, r.ClaimNode(h, other, neverDead), "claim is reentrant")

	third := protocol.MakeHandle(3, 1)
	assert.False(t, r.ClaimNode(h, third, neverDead))
	assert.True(t, r.ClaimNode(h, third, alwaysDead), "dead reclaimer is taken over")

	info, _ = r.Node(h)
	assert.Equal(t, protocol.SlotReclaiming, info.State)

	assert.True(t, r.RemoveNode(h))
	assert.False(t, r.RemoveNode(h))
	_, ok = r.Node(h)
	assert.False(t, ok)

	word, waiters := r.Doorbell(other)
	assert.NotNil(t, word)
	assert.NotNil(t, waiters)
}

func TestNodeTableFull(t *testing.T) {
	r := newRegistry(t)
	for range testLimits.Nodes {
		_, err := r.RegisterNode(ulid.Make(), "n", liveness.Self())
		require.NoError(t, err)
	}
	_, err := r.RegisterNode(ulid.Make(), "n", liveness.Self())
	assert.ErrorIs(t, err, ErrNodesExhausted)
}

func TestAttachRejectsGarbage(t *testing.T) {
	_, err := Attach(make([]byte, 4096))
	assert.ErrorIs(t, err, ErrCorrupted)
}
