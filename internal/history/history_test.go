package history

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRing(t *testing.T, depth int) *Ring {
	t.Helper()
	buf := make([]uint64, Size(depth)/8)
	mem := unsafe.Pointer(&buf[0])
	Init(mem, depth)
	r, err := Attach(mem)
	require.NoError(t, err)
	return r
}

func TestPushLoad(t *testing.T) {
	r := newRing(t, 3)
	assert.Zero(t, r.Head())
	assert.Zero(t, r.Oldest())

	for seq := uint64(1); seq <= 3; seq++ {
		assert.Zero(t, r.Push(seq, seq*100))
	}
	assert.Equal(t, uint64(3), r.Head())
	assert.Equal(t, uint64(1), r.Oldest())

	assert.Equal(t, uint64(100), r.Push(4, 400))
	assert.Equal(t, uint64(2), r.Oldest())

	_, ok := r.Load(1)
	assert.False(t, ok, "lapped entry must not load")

	ref, ok := r.Load(4)
	assert.True(t, ok)
	assert.Equal(t, uint64(400), ref)
}

func TestEntriesOldestFirst(t *testing.T) {
	r := newRing(t, 4)
	for seq := uint64(1); seq <= 10; seq++ {
		r.Push(seq, seq)
	}

	var got []uint64
	r.Entries(func(seq, ref uint64) bool {
		assert.Equal(t, seq, ref)
		got = append(got, seq)
		return true
	})
	assert.Equal(t, []uint64{7, 8, 9, 10}, got)
}

func TestZeroDepthKeepsOne(t *testing.T) {
	r := newRing(t, 0)
	assert.Equal(t, 1, r.Capacity())
	r.Push(1, 11)
	assert.Equal(t, uint64(11), r.Push(2, 22))
}

func TestReset(t *testing.T) {
	r := newRing(t, 2)
	r.Push(1, 1)
	r.Reset()
	assert.Zero(t, r.Head())
	_, ok := r.Load(1)
	assert.False(t, ok)
}

func TestConcurrentReaders(t *testing.T) {
	const n = 20000
	r := newRing(t, 8)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r.Head() < n {
				head := r.Head()
				for seq := r.Oldest(); seq != 0 && seq <= head; seq++ {
					// a successful load always pairs seq with its own ref
					if ref, ok := r.Load(seq); ok && ref != seq*2 {
						t.Errorf("seq %d loaded ref %d", seq, ref)
						return
					}
				}
			}
		}()
	}
	for seq := uint64(1); seq <= n; seq++ {
		r.Push(seq, seq*2)
	}
	wg.Wait()
}
