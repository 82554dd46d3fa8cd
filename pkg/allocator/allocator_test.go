package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	cfg := Config{PageSizeBits: 12, MemorySizeBits: 16, SegmentSizeBits: 20, SectorSize: 512}
	a, err := New(cfg, NewMemoryDevice(), log.Logger)
	require.NoError(t, err)
	return a
}

func TestMonotoneAllocate(t *testing.T) {
	a := newTestAllocator(t)
	prev, err := a.Allocate(32)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		next, err := a.Allocate(32)
		require.NoError(t, err)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestAllocateConcurrentUnique(t *testing.T) {
	a := newTestAllocator(t)
	const n = 500
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			la, err := a.Allocate(16)
			require.NoError(t, err)
			seen <- int64(la)
		}()
	}
	wg.Wait()
	close(seen)

	set := make(map[int64]bool)
	for la := range seen {
		require.False(t, set[la], "duplicate logical address allocated")
		set[la] = true
	}
	require.Len(t, set, n)
}

func TestPhysicalResident(t *testing.T) {
	a := newTestAllocator(t)
	la, err := a.Allocate(64)
	require.NoError(t, err)

	data, fut, err := a.Physical(la)
	require.NoError(t, err)
	require.Nil(t, fut)
	require.NotNil(t, data)
	copy(data, []byte("hello"))
}

func TestShiftBeginAddressRejectsPastTail(t *testing.T) {
	a := newTestAllocator(t)
	err := a.ShiftBeginAddress(a.Tail()+1<<20, false)
	require.Error(t, err)
}

func TestFlushThenReadBackAfterEviction(t *testing.T) {
	a := newTestAllocator(t)
	la, err := a.Allocate(64)
	require.NoError(t, err)
	data, _, err := a.Physical(la)
	require.NoError(t, err)
	copy(data, []byte("durable-value"))

	require.NoError(t, a.FlushTo(a.Tail()))

	// Force eviction of the page holding la with EvictBelow. Allocate more
	// pages first so the page index advances.
	pageSize := int64(1) << 12
	for int64(a.Tail())-int64(la) < pageSize*4 {
		_, err := a.Allocate(64)
		require.NoError(t, err)
		require.NoError(t, a.FlushTo(a.Tail()))
	}
	a.EvictBelow(a.pageIndex(la) + 1)

	_, fut, err := a.Physical(la)
	require.NoError(t, err)
	require.NotNil(t, fut, "expected page to have been evicted")
	page, err := fut.Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("durable-value"), page[:len("durable-value")])
}

func TestRecoverResumesAtFlushedTail(t *testing.T) {
	cfg := Config{PageSizeBits: 12, MemorySizeBits: 16, SegmentSizeBits: 20, SectorSize: 512}
	device := NewMemoryDevice()

	a, err := New(cfg, device, log.Logger)
	require.NoError(t, err)
	la, err := a.Allocate(64)
	require.NoError(t, err)
	data, _, err := a.Physical(la)
	require.NoError(t, err)
	copy(data, []byte("durable-value"))
	require.NoError(t, a.FlushTo(a.Tail()))
	tail := a.Tail()

	size, err := device.Size()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	r, err := Recover(cfg, device, tail, log.Logger)
	require.NoError(t, err)
	require.Equal(t, tail, r.Tail())

	data, fut, err := r.Physical(la)
	require.NoError(t, err)
	require.Nil(t, fut, "tail page must be hydrated eagerly by Recover")
	require.Equal(t, []byte("durable-value"), data[:len("durable-value")])

	// A fresh append must land after the recovered tail, not overwrite it.
	next, err := r.Allocate(32)
	require.NoError(t, err)
	require.GreaterOrEqual(t, next, tail)
}
