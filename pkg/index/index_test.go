package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	cfg := allocator.Config{PageSizeBits: 12, MemorySizeBits: 18, SegmentSizeBits: 20, SectorSize: 512}
	alloc, err := allocator.New(cfg, allocator.NewMemoryDevice(), log.Logger)
	require.NoError(t, err)
	return New(types.MainStore, 10, alloc, log.Logger)
}

func upsert(s *Session, key, val []byte) (RMWStatus, error) {
	return s.RMW(key, func(old []byte, exists bool) ([]byte, bool) { return val, true })
}

func TestReadMissing(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()
	res, err := s.Read([]byte("missing"))
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestUpsertThenRead(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()

	status, err := upsert(s, []byte("foo"), []byte("bar"))
	require.NoError(t, err)
	require.Equal(t, RMWCreated, status)

	res, err := s.Read([]byte("foo"))
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, []byte("bar"), res.Value)
}

func TestRMWCopyUpdate(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()

	_, err := upsert(s, []byte("k"), []byte("v1"))
	require.NoError(t, err)

	status, err := upsert(s, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, RMWCopyUpdated, status)

	res, err := s.Read([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), res.Value)
}

func TestDeleteThenReadNotFound(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()

	_, err := upsert(s, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("k")))

	res, err := s.Read([]byte("k"))
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestManyDistinctKeys(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		val := []byte(fmt.Sprintf("val-%d", i))
		_, err := upsert(s, key, val)
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		res, err := s.Read(key)
		require.NoError(t, err)
		require.True(t, res.Found)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(res.Value))
	}
}

func TestRMWAbortReturnsUnchanged(t *testing.T) {
	idx := newTestIndex(t)
	s := idx.NewSession()

	_, err := upsert(s, []byte("k"), []byte("v"))
	require.NoError(t, err)

	status, err := s.RMW([]byte("k"), func(old []byte, exists bool) ([]byte, bool) {
		return nil, false
	})
	require.NoError(t, err)
	require.Equal(t, RMWUnchanged, status)

	res, err := s.Read([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), res.Value)
}

func TestRecoverRebuildsFromLog(t *testing.T) {
	cfg := allocator.Config{PageSizeBits: 12, MemorySizeBits: 18, SegmentSizeBits: 20, SectorSize: 512}
	alloc, err := allocator.New(cfg, allocator.NewMemoryDevice(), log.Logger)
	require.NoError(t, err)
	idx := New(types.MainStore, 10, alloc, log.Logger)
	s := idx.NewSession()

	_, err = upsert(s, []byte("foo"), []byte("bar"))
	require.NoError(t, err)
	_, err = upsert(s, []byte("foo"), []byte("bar2"))
	require.NoError(t, err)
	_, err = upsert(s, []byte("baz"), []byte("qux"))
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("baz")))
	tail := alloc.Tail()
	require.NoError(t, alloc.FlushTo(tail))

	fresh := New(types.MainStore, 10, alloc, log.Logger)
	n, err := fresh.Recover(types.FirstValidAddress, tail)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	fs := fresh.NewSession()
	res, err := fs.Read([]byte("foo"))
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, []byte("bar2"), res.Value)

	res, err = fs.Read([]byte("baz"))
	require.NoError(t, err)
	require.False(t, res.Found)
}
