package shmbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waitFixture struct {
	node     *Node
	svc      *Service
	pub      *Publisher
	sub      *Subscriber
	listener *Listener
	notifier *Notifier
	ws       *WaitSet
	subID    AttachmentID
	lisID    AttachmentID
}

func newWaitFixture(t *testing.T) *waitFixture {
	t.Helper()
	f := &waitFixture{node: newTestNode(t, testConfig(t), "waitset")}
	f.svc = openService(t, f.node, testDescriptor("waitset"))

	var err error
	f.pub, err = f.svc.Publisher(PublisherConfig{})
	require.NoError(t, err)
	f.sub, err = f.svc.Subscriber(SubscriberConfig{})
	require.NoError(t, err)
	f.listener, err = f.svc.Listener()
	require.NoError(t, err)
	f.notifier, err = f.svc.Notifier(NotifierConfig{})
	require.NoError(t, err)

	f.ws, err = f.node.NewWaitSet()
	require.NoError(t, err)
	f.lisID, err = f.ws.AttachListener(f.listener)
	require.NoError(t, err)
	f.subID, err = f.ws.AttachSubscriber(f.sub)
	require.NoError(t, err)
	return f
}

// waitBlocked waits until someone sleeps on the node's doorbell.
func (f *waitFixture) waitBlocked(t *testing.T) {
	t.Helper()
	_, waiters := f.node.reg.Doorbell(f.node.handle)
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(waiters) > 0
	}, 5*time.Second, time.Millisecond)
}

func TestWaitSetReportsEverySource(t *testing.T) {
	f := newWaitFixture(t)
	assert.Equal(t, 2, f.ws.Len())

	_, err := f.ws.Wait(Poll)
	assert.ErrorIs(t, err, ErrTimeout)

	publish(t, f.pub, 1)
	require.NoError(t, f.notifier.Notify(4))

	events, err := f.ws.Wait(After(time.Second))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, f.lisID, events[0].Attachment)
	assert.Same(t, f.listener, events[0].Listener)
	assert.Equal(t, []EventID{4}, events[0].Events)
	assert.Equal(t, f.subID, events[1].Attachment)
	assert.Same(t, f.sub, events[1].Subscriber)
	assert.Nil(t, events[1].Events)

	// samples stay with the subscriber, events are consumed
	events, err = f.ws.Wait(Poll)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, f.subID, events[0].Attachment)
	assert.Equal(t, []uint64{1}, drain(t, f.sub))

	_, err = f.ws.Wait(Poll)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitSetBlocks(t *testing.T) {
	f := newWaitFixture(t)

	type result struct {
		events []WaitEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := f.ws.Wait(After(5 * time.Second))
		done <- result{events, err}
	}()
	f.waitBlocked(t)
	publish(t, f.pub, 1)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.events, 1)
		assert.Same(t, f.sub, r.events[0].Subscriber)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitSet did not wake")
	}
	assert.Equal(t, 1.0, metricValue(t, f.node, "shmbus_wait_wakeups_total",
		map[string]string{"waiter": "waitset", "outcome": "ready"}))
}

func TestWaitSetDetachInterrupts(t *testing.T) {
	f := newWaitFixture(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.ws.Wait(Infinite)
		done <- err
	}()
	f.waitBlocked(t)
	require.NoError(t, f.ws.Detach(f.subID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWaitInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Detach did not interrupt Wait")
	}
	assert.Equal(t, 1, f.ws.Len())
	assert.ErrorIs(t, f.ws.Detach(f.subID), ErrStaleReference)

	// a detached subscriber no longer triggers
	publish(t, f.pub, 1)
	_, err := f.ws.Wait(After(10 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitSetWokenByNodeClose(t *testing.T) {
	f := newWaitFixture(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.ws.Wait(Infinite)
		done <- err
	}()
	f.waitBlocked(t)
	require.NoError(t, f.node.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake WaitSet")
	}
	_, err := f.ws.Wait(Poll)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitSetRejectsForeignSources(t *testing.T) {
	f := newWaitFixture(t)
	cfg := f.node.Config()
	other := newTestNode(t, cfg, "other")
	svc := openService(t, other, testDescriptor("waitset"))
	sub, err := svc.Subscriber(SubscriberConfig{})
	require.NoError(t, err)
	l, err := svc.Listener()
	require.NoError(t, err)

	_, err = f.ws.AttachSubscriber(sub)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = f.ws.AttachListener(l)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// ports of another node still ring their own node's doorbell
	ws, err := other.NewWaitSet()
	require.NoError(t, err)
	_, err = ws.AttachSubscriber(sub)
	require.NoError(t, err)
	publish(t, f.pub, 1)
	events, err := ws.Wait(After(time.Second))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Same(t, sub, events[0].Subscriber)
}
