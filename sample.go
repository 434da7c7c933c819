package shmbus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"gosuda.org/shmbus/internal/pool"
)

// SampleMut is a loaned chunk being written by a publisher. Its payload lives
// in shared memory; exactly one of Send or Discard consumes it.
type SampleMut struct {
	pub     *Publisher
	ref     pool.Ref
	payload []byte
	done    atomic.Bool
}

// Payload returns the writable payload.
func (s *SampleMut) Payload() []byte { return s.payload }

// Send publishes the sample.
func (s *SampleMut) Send() error {
	if !s.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: sample already consumed", ErrStaleReference)
	}
	return s.pub.send(s.ref, len(s.payload))
}

// Discard returns the loan without publishing it.
func (s *SampleMut) Discard() error {
	if !s.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: sample already consumed", ErrStaleReference)
	}
	p := s.pub
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaned.Add(-1)
	if p.closed {
		return nil
	}
	return translate(p.svc.view.pool.Release(s.ref, p.holder))
}

// Sample is a received sample. It pins its chunk until Release.
type Sample struct {
	sub      *Subscriber
	ref      pool.Ref
	payload  []byte
	header   SampleHeader
	released atomic.Bool
}

// Payload returns the sample payload. It must not be modified or used after
// Release.
func (s *Sample) Payload() []byte { return s.payload }

// Header returns the publisher's metadata.
func (s *Sample) Header() SampleHeader { return s.header }

// Release hands the chunk back. Releasing twice returns ErrStaleReference.
func (s *Sample) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: sample already released", ErrStaleReference)
	}
	return s.sub.release(s.ref)
}

func newSample(sub *Subscriber, ref pool.Ref) *Sample {
	pl := sub.svc.view.pool
	h := pl.Header(ref)
	payload := pl.Payload(ref)
	size := min(int(h.Size), len(payload))
	return &Sample{
		sub:     sub,
		ref:     ref,
		payload: payload[:size:size],
		header: SampleHeader{
			Sequence:  h.Seq,
			Timestamp: time.Unix(0, h.Time),
			Publisher: ulid.ULID(h.PubID),
			Size:      size,
		},
	}
}
