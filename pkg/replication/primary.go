package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// ClusterEndpoints resolves a node_id to a reachable replica, the
// "known endpoint via the cluster map" check in try_connect (spec.md §4.6).
type ClusterEndpoints interface {
	ResolveNode(nodeID string) (addr string, ok bool)
}

// ReplicaSender ships a framed batch to one connected replica and waits for
// its ack; implementations wrap the wire transport (gRPC stream, in-process
// channel for tests).
type ReplicaSender interface {
	Send(ctx context.Context, b Batch) error
	RecvAck(ctx context.Context) (Ack, error)
	Close() error
}

// ReplicaSyncTask is exclusively owned by the TaskStore: it is the only
// writer of its own cursor, and removal from the store is ordered with its
// own cancellation (spec.md §4.3 "exclusively owned").
type ReplicaSyncTask struct {
	NodeID string
	cursor int64 // atomic types.LogicalAddress

	sender ReplicaSender
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *ReplicaSyncTask) Cursor() types.LogicalAddress {
	return types.LogicalAddress(loadInt64(&t.cursor))
}

// TaskStore is the primary-side AOF Task Store (spec.md §4.6): the set of
// ReplicaSyncTasks currently streaming the AOF tail to connected replicas.
type TaskStore struct {
	src    Source
	log    zerolog.Logger
	cl     ClusterEndpoints
	disposed bool

	sendThrottleMax int // network_send_throttle_max

	mu    sync.Mutex
	tasks map[string]*ReplicaSyncTask
}

// NewTaskStore creates a task store reading from src and resolving replica
// node ids via cl. sendThrottleMax bounds in-flight unacked batches per task
// before the task suspends (backpressure, spec.md §4.6).
func NewTaskStore(src Source, cl ClusterEndpoints, sendThrottleMax int, log zerolog.Logger) *TaskStore {
	return &TaskStore{
		src:             src,
		cl:              cl,
		sendThrottleMax: sendThrottleMax,
		log:             log,
		tasks:           make(map[string]*ReplicaSyncTask),
	}
}

// TryConnect validates a replica's sync request and, on success, starts its
// ReplicaSyncTask (spec.md §4.6 try_connect). mainMemoryReplication relaxes
// the start_la <= tail check to best-effort.
func (s *TaskStore) TryConnect(ctx context.Context, req SyncRequest, sender ReplicaSender, mainMemoryReplication bool) (*ReplicaSyncTask, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, gerr.ErrReplicationManagerDisposed
	}
	if _, exists := s.tasks[req.NodeID]; exists {
		s.mu.Unlock()
		return nil, &SyncReject{Reason: fmt.Sprintf("replica %s already has an active sync task", req.NodeID)}
	}
	s.mu.Unlock()

	if _, ok := s.cl.ResolveNode(req.NodeID); !ok {
		return nil, &SyncReject{Reason: fmt.Sprintf("unknown node %q", req.NodeID)}
	}

	tail := s.src.CommittedUpTo()
	if req.StartLA > tail && !mainMemoryReplication {
		return nil, &SyncReject{Reason: fmt.Sprintf("start_la %s exceeds aof tail %s", req.StartLA, tail)}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &ReplicaSyncTask{
		NodeID: req.NodeID,
		cursor: int64(req.StartLA),
		sender: sender,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[req.NodeID] = task
	s.mu.Unlock()

	metrics.ReplicaCount.Set(float64(s.CountConnectedReplicas()))
	go s.run(taskCtx, task)
	return task, nil
}

// run is the per-replica loop: read from aof at cursor, send framed batch,
// wait for ack, advance cursor (spec.md §4.6).
func (s *TaskStore) run(ctx context.Context, t *ReplicaSyncTask) {
	defer close(t.done)
	defer s.remove(t.NodeID)

	const batchBytes = 1 << 16
	inFlight := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if inFlight >= s.sendThrottleMax {
			// Backpressure: suspend until the outstanding batch drains.
			ack, err := t.sender.RecvAck(ctx)
			if err != nil {
				s.log.Warn().Str("node", t.NodeID).Err(err).Msg("replication: replica ack failed, dropping task")
				return
			}
			storeInt64(&t.cursor, int64(ack.AckedLA))
			inFlight--
			continue
		}

		from := t.Cursor()
		to := s.src.CommittedUpTo()
		if to <= from {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if to-from > batchBytes {
			to = from + batchBytes
		}

		data, err := readRange(s.src, from, to)
		if err != nil {
			s.log.Warn().Str("node", t.NodeID).Err(err).Msg("replication: read range failed, dropping task")
			return
		}

		if err := t.sender.Send(ctx, Batch{FromLA: from, ToLA: to, Data: data}); err != nil {
			s.log.Warn().Str("node", t.NodeID).Err(err).Msg("replication: send failed, dropping task")
			return
		}
		inFlight++
		storeInt64(&t.cursor, int64(to))
	}
}

func readRange(src Source, from, to types.LogicalAddress) ([]byte, error) {
	it, err := src.Iterate(from, to)
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		frame, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		buf := make([]byte, aof.EncodedSize(len(frame.Payload)))
		// Re-encode rather than carrying the raw page bytes: payload and
		// header are already decoded, and the fast-commit flag is
		// recomputed the same way on the far side.
		Encode(buf, frame)
		out = append(out, buf...)
	}
	return out, nil
}

func (s *TaskStore) remove(nodeID string) {
	s.mu.Lock()
	t, ok := s.tasks[nodeID]
	if ok {
		delete(s.tasks, nodeID)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
		_ = t.sender.Close()
	}
	metrics.ReplicaCount.Set(float64(s.CountConnectedReplicas()))
}

// Disconnect forcibly removes a replica's task, e.g. on explicit shutdown.
func (s *TaskStore) Disconnect(nodeID string) {
	s.remove(nodeID)
}

// TruncatedUntil aggregates min(cursor over tasks); the AOF's SafeTruncate
// consults it (spec.md §4.6).
func (s *TaskStore) TruncatedUntil() (types.LogicalAddress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return 0, false
	}
	min := types.LogicalAddress(-1)
	for _, t := range s.tasks {
		c := t.Cursor()
		if min == -1 || c < min {
			min = c
		}
	}
	return min, true
}

// CountConnectedReplicas exposes replica count to INFO (spec.md §4.6).
func (s *TaskStore) CountConnectedReplicas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ReplicaInfo summarizes one connected replica for INFO output.
type ReplicaInfo struct {
	NodeID  string
	AckedLA types.LogicalAddress
	LagLA   int64
}

// GetReplicaInfo reports each replica's acked LA and lag behind currentOffset
// (spec.md §4.6 get_replica_info).
func (s *TaskStore) GetReplicaInfo(currentOffset types.LogicalAddress) []ReplicaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReplicaInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		acked := t.Cursor()
		out = append(out, ReplicaInfo{
			NodeID:  t.NodeID,
			AckedLA: acked,
			LagLA:   int64(currentOffset) - int64(acked),
		})
	}
	return out
}

// Dispose cancels every running task; shutdown calls this before disposing
// the allocator (spec.md §4.3).
func (s *TaskStore) Dispose() {
	s.mu.Lock()
	s.disposed = true
	tasks := make([]*ReplicaSyncTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}
