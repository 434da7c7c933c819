package shmbus

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gosuda.org/shmbus/internal/registry"
	"gosuda.org/shmbus/internal/shm"
)

func TestServiceDiscovery(t *testing.T) {
	n := newTestNode(t, testConfig(t), "discovery")
	svc := openService(t, n, testDescriptor("lidar"))
	assert.Equal(t, "lidar", svc.Name())

	found := slices.Collect(n.Lookup("lidar"))
	require.Len(t, found, 1)
	assert.Equal(t, svc.ID(), found[0].ID)
	assert.True(t, found[0].Offered)
	assert.Equal(t, svc.Descriptor(), found[0].Descriptor)
	assert.Empty(t, slices.Collect(n.Lookup("radar")))

	require.NoError(t, svc.StopOffer())
	assert.Empty(t, slices.Collect(n.Lookup("lidar")))
	assert.Empty(t, slices.Collect(n.ListServices()))
	// hidden, not gone
	again, err := n.OpenExistingService("lidar", "")
	require.NoError(t, err)
	require.NoError(t, again.Close())

	require.NoError(t, svc.Offer())
	assert.Len(t, slices.Collect(n.ListServices()), 1)

	name := n.segmentName("lidar")
	require.True(t, shm.Exists(name, n.shmOpts))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.Empty(t, slices.Collect(n.Lookup("lidar")))
	assert.False(t, shm.Exists(name, n.shmOpts))

	_, err = svc.Publisher(PublisherConfig{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, svc.Offer(), ErrClosed)
}

func TestDescriptorDefaults(t *testing.T) {
	n := newTestNode(t, testConfig(t), "defaults")
	d := testDescriptor("defaults")
	d.MaxPublishers = 5
	svc := openService(t, n, d)

	assert.Equal(t, ServiceDescriptor{
		Name:                 "defaults",
		TypeName:             "test.Frame",
		PayloadSize:          64,
		PayloadAlign:         8,
		Overflow:             Lossless,
		FullQueueAction:      DiscardNewest,
		MaxPublishers:        2,
		MaxSubscribers:       4,
		MaxListeners:         4,
		MaxNotifiers:         2,
		HistoryCapacity:      4,
		SubscriberBufferSize: 4,
		EventIDMax:           64,
		MaxBorrowedSamples:   4,
		MaxLoanedSamples:     2,
	}, svc.Descriptor())
}

func TestDescriptorValidation(t *testing.T) {
	n := newTestNode(t, testConfig(t), "validation")

	tests := []struct {
		name   string
		modify func(*ServiceDescriptor)
	}{
		{"empty name", func(d *ServiceDescriptor) { d.Name = "" }},
		{"long name", func(d *ServiceDescriptor) { d.Name = strings.Repeat("n", 129) }},
		{"long type", func(d *ServiceDescriptor) { d.TypeName = strings.Repeat("t", 65) }},
		{"zero payload", func(d *ServiceDescriptor) { d.PayloadSize = 0 }},
		{"odd alignment", func(d *ServiceDescriptor) { d.PayloadAlign = 3 }},
		{"huge alignment", func(d *ServiceDescriptor) { d.PayloadAlign = 128 }},
		{"negative class", func(d *ServiceDescriptor) { d.ExtraSizeClasses = []int{-1} }},
		{"too many classes", func(d *ServiceDescriptor) {
			d.ExtraSizeClasses = []int{128, 256, 512, 1024, 2048, 4096, 8192, 16384}
		}},
		{"negative publishers", func(d *ServiceDescriptor) { d.MaxPublishers = -1 }},
		{"negative buffer", func(d *ServiceDescriptor) { d.SubscriberBufferSize = -1 }},
		{"event ids", func(d *ServiceDescriptor) { d.EventIDMax = 300 }},
		{"unknown overflow", func(d *ServiceDescriptor) { d.Overflow = 9 }},
		{"unknown action", func(d *ServiceDescriptor) { d.FullQueueAction = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor("invalid")
			tt.modify(&d)
			_, err := n.OpenService(d)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, CodeInvalidConfig, CodeOf(err))
		})
	}
	assert.Empty(t, slices.Collect(n.ListServices()))
}

func TestCreateService(t *testing.T) {
	n := newTestNode(t, testConfig(t), "create")
	first, err := n.CreateService(testDescriptor("unique"))
	require.NoError(t, err)

	_, err = n.CreateService(testDescriptor("unique"))
	assert.ErrorIs(t, err, ErrServiceAlreadyExists)

	second, err := n.OpenService(testDescriptor("unique"))
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())

	// the segment outlives the first handle
	require.NoError(t, first.Close())
	assert.Len(t, slices.Collect(n.Lookup("unique")), 1)
	require.NoError(t, second.Close())
	assert.Empty(t, slices.Collect(n.Lookup("unique")))
}

func TestIncompatibleService(t *testing.T) {
	n := newTestNode(t, testConfig(t), "incompatible")
	openService(t, n, testDescriptor("typed"))

	tests := []struct {
		name   string
		modify func(*ServiceDescriptor)
	}{
		{"type", func(d *ServiceDescriptor) { d.TypeName = "test.Other" }},
		{"size", func(d *ServiceDescriptor) { d.PayloadSize = 128 }},
		{"overflow", func(d *ServiceDescriptor) { d.Overflow = Lossy }},
		{"full queue", func(d *ServiceDescriptor) { d.FullQueueAction = Block }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor("typed")
			tt.modify(&d)
			_, err := n.OpenService(d)
			assert.ErrorIs(t, err, ErrServiceAlreadyExists)
			assert.ErrorIs(t, err, ErrIncompatibleServiceType)
		})
	}
}

func TestOpenExistingService(t *testing.T) {
	n := newTestNode(t, testConfig(t), "existing")

	_, err := n.OpenExistingService("missing", "")
	assert.ErrorIs(t, err, ErrConnectionRefused)

	d := testDescriptor("present")
	d.MaxPublishers = 1
	svc := openService(t, n, d)

	_, err = n.OpenExistingService("present", "test.Other")
	assert.ErrorIs(t, err, ErrIncompatibleServiceType)

	other, err := n.OpenExistingService("present", "test.Frame")
	require.NoError(t, err)
	assert.Equal(t, svc.Descriptor(), other.Descriptor())
	assert.Equal(t, 1, other.Descriptor().MaxPublishers)
}

func TestServiceTableFull(t *testing.T) {
	cfg := testConfig(t)
	n := newTestNode(t, cfg, "full")
	for i := range cfg.MaxServices {
		openService(t, n, testDescriptor(fmt.Sprintf("svc-%d", i)))
	}
	_, err := n.OpenService(testDescriptor("one-too-many"))
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestServiceAcrossNodes(t *testing.T) {
	cfg := testConfig(t)
	a := newTestNode(t, cfg, "a")
	b := newTestNode(t, cfg, "b")
	svcA := openService(t, a, testDescriptor("shared"))
	svcB := openService(t, b, testDescriptor("shared"))
	assert.Equal(t, svcA.ID(), svcB.ID())

	pub, err := svcA.Publisher(PublisherConfig{})
	require.NoError(t, err)
	sub, err := svcB.Subscriber(SubscriberConfig{History: 2, BufferSize: 3})
	require.NoError(t, err)

	ports, err := svcB.Ports()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	byKind := make(map[PortKind]PortInfo)
	for _, p := range ports {
		byKind[p.Kind] = p
	}
	assert.Equal(t, pub.ID(), byKind[PublisherPort].ID)
	assert.Equal(t, a.ID(), byKind[PublisherPort].Node)
	assert.Equal(t, 4, byKind[PublisherPort].History)
	assert.Equal(t, sub.ID(), byKind[SubscriberPort].ID)
	assert.Equal(t, b.ID(), byKind[SubscriberPort].Node)
	assert.Equal(t, Lossless, byKind[SubscriberPort].Overflow)
	assert.Equal(t, 2, byKind[SubscriberPort].History)
	assert.Equal(t, 3, byKind[SubscriberPort].BufferSize)
	assert.False(t, byKind[SubscriberPort].Created.IsZero())

	require.NoError(t, pub.Send([]byte("across")))
	got, err := sub.Receive()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("across"), got.Payload())
	assert.Equal(t, pub.ID(), got.Header().Publisher)
	require.NoError(t, got.Release())

	// closing one node keeps the service alive for the other
	require.NoError(t, b.Close())
	assert.Len(t, slices.Collect(a.Lookup("shared")), 1)
	ports, err = svcA.Ports()
	require.NoError(t, err)
	assert.Len(t, ports, 1)
	assert.Equal(t, 0, pub.SubscriberCount())
}

func TestStaleServiceNeverSharesSegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.AttachTimeout = Duration(50 * time.Millisecond)
	y := newTestNode(t, cfg, "y")
	z := newTestNode(t, cfg, "z")

	old := openService(t, y, testDescriptor("contested"))
	assert.Equal(t, uint64(old.ID()), old.view.seg.Tag())
	// the entry goes stale while y still maps the segment
	require.NoError(t, y.reg.Deregister(old.ID()))

	_, err := z.OpenService(testDescriptor("contested"))
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, old.Close())
	fresh := openService(t, z, testDescriptor("contested"))
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.True(t, fresh.view.seg.Created())
	assert.Equal(t, uint64(fresh.ID()), fresh.view.seg.Tag())

	pub, err := fresh.Publisher(PublisherConfig{})
	require.NoError(t, err)
	sub, err := fresh.Subscriber(SubscriberConfig{})
	require.NoError(t, err)
	publish(t, pub, 1)
	assert.Equal(t, []uint64{1}, drain(t, sub))
}

func TestLastCloseDeregistersBeforeUnlink(t *testing.T) {
	cfg := testConfig(t)
	a := newTestNode(t, cfg, "a")
	b := newTestNode(t, cfg, "b")

	svc := openService(t, a, testDescriptor("handover"))
	id := svc.ID()
	require.NoError(t, svc.Close())
	_, err := a.reg.Service(id)
	assert.ErrorIs(t, err, registry.ErrStale)

	// a late opener gets a new registration and its own segment
	again := openService(t, b, testDescriptor("handover"))
	assert.NotEqual(t, id, again.ID())
	assert.Equal(t, uint64(again.ID()), again.view.seg.Tag())
}

func TestCloseRacesPortOpens(t *testing.T) {
	cfg := testConfig(t)
	a := newTestNode(t, cfg, "a")
	b := newTestNode(t, cfg, "b")
	svc := openService(t, a, testDescriptor("racy"))
	watcher := openService(t, b, testDescriptor("racy"))

	opened := make(chan struct{}, 1)
	var g errgroup.Group
	for range cfg.MaxListeners {
		g.Go(func() error {
			for {
				_, err := svc.Listener()
				switch {
				case err == nil:
					select {
					case opened <- struct{}{}:
					default:
					}
				case errors.Is(err, ErrClosed):
					return nil
				case errors.Is(err, ErrResourceExhausted):
				default:
					return err
				}
			}
		})
	}
	<-opened
	require.NoError(t, svc.Close())
	require.NoError(t, g.Wait())

	// every listener that got through was closed with the service
	ports, err := watcher.Ports()
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestLookupCompatible(t *testing.T) {
	n := newTestNode(t, testConfig(t), "matcher")
	svc := openService(t, n, testDescriptor("camera"))

	found, err := n.LookupCompatible(testDescriptor("camera"))
	require.NoError(t, err)
	infos := slices.Collect(found)
	require.Len(t, infos, 1)
	assert.Equal(t, svc.ID(), infos[0].ID)

	tests := []struct {
		name   string
		modify func(*ServiceDescriptor)
	}{
		{"other name", func(d *ServiceDescriptor) { d.Name = "radar" }},
		{"other type", func(d *ServiceDescriptor) { d.TypeName = "test.Other" }},
		{"other size", func(d *ServiceDescriptor) { d.PayloadSize = 32 }},
		{"other overflow", func(d *ServiceDescriptor) { d.Overflow = Lossy }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor("camera")
			tt.modify(&d)
			found, err := n.LookupCompatible(d)
			require.NoError(t, err)
			assert.Empty(t, slices.Collect(found))
		})
	}

	// a service with fewer ports than asked for does not match
	small := testDescriptor("small")
	small.MaxSubscribers = 1
	openService(t, n, small)
	found, err = n.LookupCompatible(testDescriptor("small"))
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(found))
	found, err = n.LookupCompatible(small)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(found), 1)

	bad := testDescriptor("camera")
	bad.PayloadSize = 0
	_, err = n.LookupCompatible(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
