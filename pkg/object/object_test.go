package object

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := allocator.Config{PageSizeBits: 12, MemorySizeBits: 18, SegmentSizeBits: 20, SectorSize: 512}
	alloc, err := allocator.New(cfg, allocator.NewMemoryDevice(), log.Logger)
	require.NoError(t, err)
	return NewStore(10, alloc, log.Logger)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ss := NewSortedSet()
	ss.Scores["a"] = 1.5
	ss.Scores["b"] = 2.5

	enc, err := Envelope(ss)
	require.NoError(t, err)

	kind, payload, err := Unenvelope(enc)
	require.NoError(t, err)
	require.Equal(t, KindSortedSet, kind)

	val, err := Deserialize(kind, payload)
	require.NoError(t, err)
	got, err := AsSortedSet(val)
	require.NoError(t, err)
	require.Equal(t, 1.5, got.Scores["a"])
	require.Equal(t, 2.5, got.Scores["b"])
}

func TestSortedSetRank(t *testing.T) {
	ss := NewSortedSet()
	ss.Scores["low"] = 1
	ss.Scores["mid"] = 5
	ss.Scores["high"] = 10

	require.Equal(t, 0, ss.Rank("low"))
	require.Equal(t, 1, ss.Rank("mid"))
	require.Equal(t, 2, ss.Rank("high"))
	require.Equal(t, -1, ss.Rank("missing"))
}

func TestStoreUpdateCreatesAndReads(t *testing.T) {
	store := newTestStore(t)
	s := store.NewSession()

	_, err := s.Update([]byte("myset"), func() Serializer { return NewSet() }, func(cur Serializer) (Serializer, bool) {
		set, err := AsSet(cur)
		require.NoError(t, err)
		set.Members["x"] = struct{}{}
		return set, true
	})
	require.NoError(t, err)

	val, found, pending, err := s.Get([]byte("myset"))
	require.NoError(t, err)
	require.False(t, pending)
	require.True(t, found)

	set, err := AsSet(val)
	require.NoError(t, err)
	_, ok := set.Members["x"]
	require.True(t, ok)
}

func TestStoreWrongKind(t *testing.T) {
	store := newTestStore(t)
	s := store.NewSession()

	_, err := s.Update([]byte("k"), func() Serializer { return NewHash() }, func(cur Serializer) (Serializer, bool) {
		return cur, true
	})
	require.NoError(t, err)

	val, found, _, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	_, err = AsList(val)
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestHyperLogLogAddCount(t *testing.T) {
	hll := NewHyperLogLog()
	for i := 0; i < 1000; i++ {
		hll.Add(uint64(i) * 0x9E3779B97F4A7C15)
	}
	count := hll.Count()
	require.Greater(t, count, uint64(500))
	require.Less(t, count, uint64(2000))
}

func TestGeohashInterleave(t *testing.T) {
	a := InterleaveGeohash(1, 0)
	b := InterleaveGeohash(0, 1)
	require.NotEqual(t, a, b)
}
