package pool

import (
	"math/bits"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, classes ...Class) *Pool {
	t.Helper()
	buf := make([]uint64, Size(classes)/8+1)
	mem := unsafeBytes(buf)
	p, err := Init(mem, classes)
	require.NoError(t, err)

	// a second view of the same memory behaves like another process
	again, err := Attach(mem)
	require.NoError(t, err)
	require.Equal(t, p.Capacity(), again.Capacity())
	return again
}

// refsMatchHolders checks that every live chunk's count equals its holder
// bits.
func refsMatchHolders(t *testing.T, p *Pool) {
	t.Helper()
	for idx := range p.hdr.total {
		h := p.header(idx)
		assert.Equal(t, uint32(bits.OnesCount64(h.holders)), h.refs, "chunk %d", idx)
	}
}

func TestAllocateRelease(t *testing.T) {
	p := newPool(t, Class{Size: 64, Count: 2})

	a, err := p.Allocate(10, 0)
	require.NoError(t, err)
	b, err := p.Allocate(64, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
	assert.Equal(t, uint32(0), p.Stats()[0].Free)

	_, err = p.Allocate(1, 0)
	assert.ErrorIs(t, err, ErrOutOfChunks)

	require.NoError(t, p.Release(a, 0))
	assert.Equal(t, uint32(1), p.Stats()[0].Free)
	assert.ErrorIs(t, p.Release(a, 0), ErrStale)

	c, err := p.Allocate(1, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Index(), c.Index())
	assert.NotEqual(t, a.Generation(), c.Generation())
	refsMatchHolders(t, p)
}

func TestSizeClasses(t *testing.T) {
	p := newPool(t, Class{Size: 1024, Count: 1}, Class{Size: 32, Count: 1})
	assert.Equal(t, uint32(1024), p.MaxSize())

	small, err := p.Allocate(16, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), p.Header(small).Class)
	assert.Len(t, p.Payload(small), 32)

	large, err := p.Allocate(33, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Header(large).Class)

	_, err = p.Allocate(2048, 0)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestBorrow(t *testing.T) {
	p := newPool(t, Class{Size: 8, Count: 4})

	r, err := p.Allocate(8, 0)
	require.NoError(t, err)
	require.NoError(t, p.Borrow(r, 3))
	require.NoError(t, p.Borrow(r, 5))
	assert.Equal(t, uint32(3), p.RefCount(r))
	assert.Equal(t, uint64(1|1<<3|1<<5), p.Holders(r))

	assert.ErrorIs(t, p.Borrow(r, 3), ErrAlreadyHeld)
	assert.Equal(t, uint32(3), p.RefCount(r))

	assert.ErrorIs(t, p.Release(r, 7), ErrNotHeld)
	require.NoError(t, p.Release(r, 0))
	require.NoError(t, p.Release(r, 3))
	require.NoError(t, p.Release(r, 5))
	assert.Zero(t, p.RefCount(r))

	assert.ErrorIs(t, p.Borrow(r, 1), ErrStale)
	refsMatchHolders(t, p)
}

func TestBorrowAfterReuse(t *testing.T) {
	p := newPool(t, Class{Size: 8, Count: 1})

	old, err := p.Allocate(8, 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(old, 0))

	cur, err := p.Allocate(8, 1)
	require.NoError(t, err)
	require.Equal(t, old.Index(), cur.Index())

	assert.ErrorIs(t, p.Borrow(old, 2), ErrStale)
	assert.Equal(t, uint32(1), p.RefCount(cur))
	refsMatchHolders(t, p)
}

func TestReleaseHolderIdempotent(t *testing.T) {
	p := newPool(t, Class{Size: 8, Count: 8})

	var refs []Ref
	for range 4 {
		r, err := p.Allocate(8, 0)
		require.NoError(t, err)
		require.NoError(t, p.Borrow(r, 9))
		refs = append(refs, r)
	}
	// holder 9 also owns one chunk alone
	solo, err := p.Allocate(8, 9)
	require.NoError(t, err)

	assert.Equal(t, 5, p.ReleaseHolder(9))
	assert.Zero(t, p.ReleaseHolder(9))

	for _, r := range refs {
		assert.Equal(t, uint32(1), p.RefCount(r))
		assert.Equal(t, uint64(1), p.Holders(r))
	}
	assert.Zero(t, p.RefCount(solo))
	assert.Equal(t, uint32(4), p.Stats()[0].Free)
	refsMatchHolders(t, p)
}

func TestConcurrentBorrowRelease(t *testing.T) {
	const holders = 16
	p := newPool(t, Class{Size: 8, Count: 32})

	for round := 0; round < 200; round++ {
		r, err := p.Allocate(8, 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for h := 1; h < holders; h++ {
			wg.Add(1)
			go func(h int) {
				defer wg.Done()
				if err := p.Borrow(r, h); err != nil {
					t.Error(err)
					return
				}
				if err := p.Release(r, h); err != nil {
					t.Error(err)
				}
			}(h)
		}
		// a concurrent sweep of a holder that never borrowed is a no-op
		p.ReleaseHolder(holders + 1)
		wg.Wait()

		assert.Equal(t, uint32(1), p.RefCount(r))
		require.NoError(t, p.Release(r, 0))
	}
	assert.Equal(t, uint32(32), p.Stats()[0].Free)
	refsMatchHolders(t, p)
}

func TestAttachRejectsGarbage(t *testing.T) {
	_, err := Attach(make([]byte, 4096))
	assert.ErrorIs(t, err, ErrCorrupted)
}
