// Package e2e drives the storage and replication core end-to-end the way an
// external RESP layer would, exercising the concrete scenarios from
// spec.md §8 directly against pkg/store, pkg/cluster, and pkg/replication.
package e2e

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
	"github.com/PaulusParssinen/garnet-sub001/pkg/replication"
	"github.com/PaulusParssinen/garnet-sub001/pkg/store"
	"github.com/PaulusParssinen/garnet-sub001/pkg/txn"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

func newConfig(t *testing.T, nodeID string) store.Config {
	t.Helper()
	return store.Config{
		NodeID:            nodeID,
		CheckpointDir:     t.TempDir(),
		MemorySizeBits:    20,
		PageSizeBits:      12,
		SegmentSizeBits:   22,
		SectorSize:        512,
		IndexSizeBits:     10,
		EnableAof:         true,
		AofMemorySizeBits: 18,
		SendThrottleMax:   8,
		LockTimeoutMs:     200,
	}
}

func openAt(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	s, err := store.Open(cfg)
	require.NoError(t, err)
	return s
}

// S1 — Single-key RMW durability: a write survives a close/reopen cycle
// against the same checkpoint directory.
func TestS1_SingleKeyDurabilityAcrossRestart(t *testing.T) {
	cfg := newConfig(t, "node-1")

	s := openAt(t, cfg)
	require.NoError(t, s.Set([]byte("foo"), []byte("bar")))
	require.NoError(t, s.Close())

	s2 := openAt(t, cfg)
	defer s2.Close()
	val, found, err := s2.Get([]byte("foo"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("bar"), val)
}

// S2 — a later write after the last durable point is still recovered from
// the AOF after the process restarts.
func TestS2_AofReplayAcrossRestart(t *testing.T) {
	cfg := newConfig(t, "node-1")

	s := openAt(t, cfg)
	require.NoError(t, s.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, s.Set([]byte("k2"), []byte("v2")))
	require.NoError(t, s.Set([]byte("k1"), []byte("v1b")))
	require.NoError(t, s.Close())

	s2 := openAt(t, cfg)
	defer s2.Close()

	v1, found, err := s2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1b"), v1)

	v2, found, err := s2.Get([]byte("k2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v2)
}

// S5 — a transaction watching a key that another session mutates before
// EXEC aborts with a nil result, and no part of the queued write applies.
func TestS5_TransactionUnderWatchAborts(t *testing.T) {
	s := openAt(t, newConfig(t, "node-1"))
	defer s.Close()

	mgr := s.TxnManager()
	sess1 := mgr.NewSession(1)
	require.NoError(t, sess1.Watch([]byte("x"), types.MainStore))
	require.NoError(t, sess1.Multi())

	setSpec := txn.CommandSpec{Name: "SET", Arity: -2, Keys: func(args [][]byte) [][]byte { return args[:1] }}
	require.NoError(t, sess1.Queue(setSpec, [][]byte{[]byte("x"), []byte("1")}))

	// Session2 mutates x before EXEC, invalidating session1's watch.
	require.NoError(t, s.Set([]byte("x"), []byte("42")))

	results, err := sess1.Exec(context.Background(), func(ctx context.Context, cmd txn.QueuedCommand) (any, error) {
		return nil, s.Set(cmd.Args[0], cmd.Args[1])
	})
	require.NoError(t, err)
	require.Nil(t, results)

	val, found, err := s.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("42"), val, "session1's queued write must not have applied")
}

// S6 — a replica catches up on a primary's full AOF history over an
// in-process sync connection, then matches the primary on every key.
func TestS6_ReplicationCatchUp(t *testing.T) {
	primaryCfg := newConfig(t, "primary")
	primaryCfg.CommitFrequencyMs = 5
	primary := openAt(t, primaryCfg)
	defer primary.Close()

	ts := primary.StartPrimary(&staticEndpoints{"replica": "in-process"})
	require.NotNil(t, ts)

	start := primary.AofTailAddress()
	const keyCount = 200
	for i := 0; i < keyCount; i++ {
		key := []byte(strconv.Itoa(i))
		require.NoError(t, primary.Set(key, key))
	}

	p := newPipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ts.TryConnect(ctx, replication.SyncRequest{NodeID: "replica", StartLA: types.LogicalAddress(start)}, &pipeSender{p: p}, false)
	require.NoError(t, err)

	replica := openAt(t, newConfig(t, "replica"))
	defer replica.Close()

	backoff := replication.ReconnectPolicy{Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond}
	r := replica.StartReplica("replica", "", &pipeConn{p: p}, backoff)
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		for i := 0; i < keyCount; i++ {
			key := []byte(strconv.Itoa(i))
			val, found, err := replica.Get(key)
			if err != nil || !found || string(val) != string(key) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "replica never caught up to primary")

	truncatedUntil, ok := ts.TruncatedUntil()
	require.True(t, ok)
	require.GreaterOrEqual(t, int64(truncatedUntil), start)
}

// S7 — a replica caught up to the former primary's tail promotes itself,
// rotates its replication identity, and claims the former primary's slots.
func TestS7_Failover(t *testing.T) {
	slots := cluster.New("replica", zerolog.Nop())
	for _, slot := range []int{0, 1, 2, 5460} {
		require.NoError(t, slots.SetSlotNode(slot, "primary"))
	}

	state := &fakeReplState{caughtUp: true, tail: 5000, replid: "replid-orig"}
	notifier := &recordingNotifier{}

	coord := cluster.NewCoordinator(slots, state, notifier, zerolog.Nop())
	status, err := coord.Promote(context.Background(), "primary")
	require.NoError(t, err)
	require.Equal(t, cluster.FailoverSucceeded, status)

	require.NotEmpty(t, state.newReplID)
	require.NotEqual(t, "replid-orig", state.newReplID)
	require.Equal(t, "replid-orig", state.replid2)
	require.Equal(t, int64(5000), state.offset2)
	require.True(t, notifier.called)

	for _, slot := range []int{0, 1, 2, 5460} {
		require.Equal(t, "replica", slots.Slot(slot).Owner)
	}
}

// --- in-process replication transport, standing in for the gRPC stream in
// pkg/replication/wiring.go.

type pipe struct {
	batches chan replication.Batch
	acks    chan replication.Ack
	closed  chan struct{}
}

func newPipe() *pipe {
	return &pipe{batches: make(chan replication.Batch, 16), acks: make(chan replication.Ack, 16), closed: make(chan struct{})}
}

type pipeSender struct{ p *pipe }

func (s *pipeSender) Send(ctx context.Context, b replication.Batch) error {
	select {
	case s.p.batches <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pipeSender) RecvAck(ctx context.Context) (replication.Ack, error) {
	select {
	case a := <-s.p.acks:
		return a, nil
	case <-ctx.Done():
		return replication.Ack{}, ctx.Err()
	case <-s.p.closed:
		return replication.Ack{}, context.Canceled
	}
}

func (s *pipeSender) Close() error {
	close(s.p.closed)
	return nil
}

type pipeConn struct{ p *pipe }

func (c *pipeConn) Open(ctx context.Context, req replication.SyncRequest) error { return nil }

func (c *pipeConn) RecvBatch(ctx context.Context) (replication.Batch, error) {
	select {
	case b := <-c.p.batches:
		return b, nil
	case <-ctx.Done():
		return replication.Batch{}, ctx.Err()
	}
}

func (c *pipeConn) SendAck(ctx context.Context, ack replication.Ack) error {
	select {
	case c.p.acks <- ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error { return nil }

type staticEndpoints map[string]string

func (s staticEndpoints) ResolveNode(nodeID string) (string, bool) { addr, ok := s[nodeID]; return addr, ok }

// --- fakes for the Failover Coordinator's collaborator interfaces.

type fakeReplState struct {
	caughtUp bool
	tail     int64
	replid   string
	replid2  string

	newReplID string
	offset2   int64
}

func (f *fakeReplState) CaughtUpToPrimaryTail() bool  { return f.caughtUp }
func (f *fakeReplState) CommittedAofTail() int64      { return f.tail }
func (f *fakeReplState) CurrentReplID() (string, string) { return f.replid, f.replid2 }
func (f *fakeReplState) Rotate(newReplID string, offset2 int64) error {
	f.replid2 = f.replid
	f.replid = newReplID
	f.newReplID = newReplID
	f.offset2 = offset2
	return nil
}

type recordingNotifier struct {
	called bool
	nodeID string
	epoch  uint64
}

func (r *recordingNotifier) NotifyNewPrimary(ctx context.Context, nodeID string, epoch uint64) error {
	r.called = true
	r.nodeID = nodeID
	r.epoch = epoch
	return nil
}
