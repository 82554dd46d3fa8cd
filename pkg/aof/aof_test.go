package aof

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

func newTestAOF(t *testing.T) *AOF {
	t.Helper()
	cfg := allocator.Config{PageSizeBits: 12, MemorySizeBits: 18, SegmentSizeBits: 20, SectorSize: 512}
	alloc, err := allocator.New(cfg, allocator.NewMemoryDevice(), log.Logger)
	require.NoError(t, err)
	return New(alloc, log.Logger)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	header := types.AofHeader{OpType: types.OpStoreUpsert, SubType: 1, Version: 1, SessionID: 42}
	payload := []byte("hello world")
	buf := make([]byte, EncodedSize(len(payload)))
	Encode(buf, header, payload)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, header, decoded.Header)
	require.Equal(t, payload, decoded.Payload)
	require.True(t, decoded.FastCommit)
}

func TestEncodeLargePayloadNotFastCommit(t *testing.T) {
	header := types.AofHeader{OpType: types.OpObjectRMW}
	payload := make([]byte, fastCommitThreshold+1)
	buf := make([]byte, EncodedSize(len(payload)))
	Encode(buf, header, payload)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, decoded.FastCommit)
}

func TestEnqueueCommitWaitForCommit(t *testing.T) {
	a := newTestAOF(t)

	la, err := a.Enqueue(types.AofHeader{OpType: types.OpStoreUpsert, SessionID: 1}, []byte("payload-1"))
	require.NoError(t, err)

	require.NoError(t, a.Commit(true))
	a.WaitForCommit(la)
	require.GreaterOrEqual(t, a.CommittedUpTo(), la)
}

func TestIterateReplaysFrames(t *testing.T) {
	a := newTestAOF(t)

	var addrs []types.LogicalAddress
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		la, err := a.Enqueue(types.AofHeader{OpType: types.OpStoreUpsert}, p)
		require.NoError(t, err)
		addrs = append(addrs, la)
	}
	require.NoError(t, a.Commit(true))

	it, err := a.Iterate(addrs[0], a.CommittedUpTo())
	require.NoError(t, err)

	var got [][]byte
	for {
		frame, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, append([]byte(nil), frame.Payload...))
	}
	require.Equal(t, payloads, got)
}

func TestIterateRejectsPastCommitted(t *testing.T) {
	a := newTestAOF(t)
	la, err := a.Enqueue(types.AofHeader{OpType: types.OpStoreUpsert}, []byte("x"))
	require.NoError(t, err)

	_, err = a.Iterate(a.BeginAddr(), la+1)
	require.Error(t, err)
}

func TestSafeTruncateClampsToReplicaAck(t *testing.T) {
	a := newTestAOF(t)

	for i := 0; i < 5; i++ {
		_, err := a.Enqueue(types.AofHeader{OpType: types.OpStoreUpsert}, []byte("record"))
		require.NoError(t, err)
	}
	require.NoError(t, a.Commit(true))

	covered := a.CommittedUpTo()
	ackedBehindCovered := a.BeginAddr() + 8

	err := a.SafeTruncate(covered, ackedBehindCovered, false)
	require.NoError(t, err)
	require.Equal(t, ackedBehindCovered, a.alloc.BeginAddress())
}

func TestSafeTruncateOverrideIgnoresReplicaAck(t *testing.T) {
	a := newTestAOF(t)

	for i := 0; i < 5; i++ {
		_, err := a.Enqueue(types.AofHeader{OpType: types.OpStoreUpsert}, []byte("record"))
		require.NoError(t, err)
	}
	require.NoError(t, a.Commit(true))

	covered := a.CommittedUpTo()
	err := a.SafeTruncate(covered, a.BeginAddr(), true)
	require.NoError(t, err)
	require.Equal(t, covered, a.alloc.BeginAddress())
}
