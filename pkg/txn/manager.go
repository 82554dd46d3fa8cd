package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// State is a session's transaction state machine position (spec.md §4.11
// "None -> Started -> Running -> {Commit|Abort} -> None").
type State int

const (
	StateNone State = iota
	StateStarted
	StateRunning
	StateCommit
	StateAbort
)

// CommandSpec is the arity/key-extraction metadata the manager needs to
// validate and route a queued command, independent of the RESP command
// dispatch layer.
type CommandSpec struct {
	Name          string
	Arity         int // positive = exact arg count, negative = minimum (-n means >= n)
	ForbiddenInMulti bool
	Keys          func(args [][]byte) [][]byte
}

// QueuedCommand is one command accepted by MULTI, awaiting EXEC.
type QueuedCommand struct {
	Spec CommandSpec
	Args [][]byte
}

// Executor runs one queued command against locked storage, returning its
// RESP-agnostic result.
type Executor func(ctx context.Context, cmd QueuedCommand) (any, error)

// ClusterValidator revalidates a key's ownership just before EXEC runs, when
// cluster mode is enabled (spec.md §4.11).
type ClusterValidator interface {
	ValidateKey(key []byte) error
}

// AofSink writes the TxnStart/TxnCommit/StoredProcedure records backing a
// transaction (spec.md §4.11).
type AofSink interface {
	WriteTxnStart(sessionID int64) error
	WriteTxnCommit(sessionID int64, records [][]byte) error
	WriteStoredProcedure(sessionID int64, name string, payload []byte) error
}

// Manager owns the shared lock table, version map, and AOF sink for all
// sessions (spec.md §4.11 "owned by a top-level Store struct").
type Manager struct {
	locks    *LockTable
	vmap     *VersionMap
	aof      AofSink
	cluster  ClusterValidator // nil when cluster mode is off
	clusterOn bool
	log      zerolog.Logger

	failFastOnLock bool
	lockTimeout    time.Duration
}

// NewManager builds a transaction manager. cluster may be nil; set
// clusterOn to enable per-key revalidation against it at EXEC time.
func NewManager(vmap *VersionMap, aof AofSink, cluster ClusterValidator, clusterOn bool, failFastOnLock bool, lockTimeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		locks:          NewLockTable(),
		vmap:           vmap,
		aof:            aof,
		cluster:        cluster,
		clusterOn:      clusterOn,
		failFastOnLock: failFastOnLock,
		lockTimeout:    lockTimeout,
		log:            log,
	}
}

// Session is one client connection's transaction state.
type Session struct {
	id      int64
	mgr     *Manager
	watch   *WatchSet
	state   State
	queue   []QueuedCommand
	aborted bool // set when a queued command fails validation; forces EXECABORT
}

// NewSession creates a fresh transaction session for sessionID.
func (m *Manager) NewSession(sessionID int64) *Session {
	return &Session{id: sessionID, mgr: m, watch: NewWatchSet(m.vmap), state: StateNone}
}

// Watch records a WATCH on key (spec.md §4.12). It's an error to WATCH
// after MULTI (spec.md §4.11).
func (s *Session) Watch(key []byte, store types.StoreKind) error {
	if s.state != StateNone {
		return gerr.ErrWatchInMulti
	}
	s.watch.Watch(key, store)
	return nil
}

// Unwatch clears all watched keys, allowed only outside a transaction.
func (s *Session) Unwatch() {
	s.watch.Unwatch()
}

// Multi transitions None -> Started.
func (s *Session) Multi() error {
	if s.state != StateNone {
		return gerr.ErrNestedMulti
	}
	s.state = StateStarted
	s.queue = nil
	s.aborted = false
	return nil
}

// Queue validates and appends cmd to the pending transaction (spec.md
// §4.11 "arity checked, WATCH forbidden, unsupported commands abort").
func (s *Session) Queue(spec CommandSpec, args [][]byte) error {
	if s.state != StateStarted {
		return fmt.Errorf("txn: QUEUE called outside MULTI")
	}
	if spec.ForbiddenInMulti {
		s.aborted = true
		return gerr.ErrWatchInMulti
	}
	if !arityOK(spec.Arity, len(args)) {
		s.aborted = true
		return fmt.Errorf("%w: wrong number of arguments for %q", gerr.ErrSyntaxError, spec.Name)
	}
	s.queue = append(s.queue, QueuedCommand{Spec: spec, Args: args})
	return nil
}

func arityOK(arity, got int) bool {
	if arity >= 0 {
		return got == arity
	}
	return got >= -arity
}

// Discard returns Started -> None, dropping the queue (spec.md §4.11).
func (s *Session) Discard() error {
	if s.state == StateNone {
		return gerr.ErrDiscardWithoutMulti
	}
	s.state = StateNone
	s.queue = nil
	s.aborted = false
	return nil
}

// Exec runs EXEC (spec.md §4.11): revalidates watched keys, collects queued
// commands' keys, acquires locks sorted by hash, optionally revalidates
// cluster ownership, executes each command via run, and commits an AOF
// record. Returns (nil, nil) for a watch failure (EXEC replies nil, per
// RESP convention) and ErrExecAbort if a queued command failed validation.
func (s *Session) Exec(ctx context.Context, run Executor) ([]any, error) {
	if s.state != StateStarted {
		return nil, gerr.ErrExecWithoutMulti
	}
	defer func() {
		s.state = StateNone
		s.queue = nil
		s.watch.Unwatch()
	}()

	if s.aborted {
		return nil, gerr.ErrExecAbort
	}

	s.state = StateRunning

	var keys [][]byte
	for _, qc := range s.queue {
		if qc.Spec.Keys != nil {
			keys = append(keys, qc.Spec.Keys(qc.Args)...)
		}
	}

	held, err := s.mgr.locks.AcquireSortedByHash(ctx, keys, s.mgr.failFastOnLock, s.mgr.lockTimeout)
	if err != nil {
		s.state = StateAbort
		return nil, err
	}
	defer held.Release()

	if !s.watch.Validate() {
		s.state = StateAbort
		return nil, nil
	}

	if s.mgr.clusterOn && s.mgr.cluster != nil {
		for _, k := range keys {
			if err := s.mgr.cluster.ValidateKey(k); err != nil {
				s.state = StateAbort
				return nil, err
			}
		}
	}

	if err := s.mgr.aof.WriteTxnStart(s.id); err != nil {
		s.state = StateAbort
		return nil, fmt.Errorf("txn: write txn start: %w", err)
	}

	results := make([]any, 0, len(s.queue))
	for _, qc := range s.queue {
		res, err := run(ctx, qc)
		if err != nil {
			s.state = StateAbort
			metrics.TxnAbortsTotal.Inc()
			return nil, err
		}
		results = append(results, res)
	}

	if err := s.mgr.aof.WriteTxnCommit(s.id, nil); err != nil {
		s.state = StateAbort
		return nil, fmt.Errorf("txn: write txn commit: %w", err)
	}

	s.state = StateCommit
	metrics.TxnCommitsTotal.Inc()
	return results, nil
}

// Procedure is a registered stored procedure (spec.md §4.11 "Stored
// procedure"): Prepare returns the key set the manager should lock (it may
// itself record watches), Main runs under the lock, and Finalize is always
// called, even if Main or the commit fails.
type Procedure interface {
	Name() string
	Prepare(ctx context.Context, watch *WatchSet) (keys [][]byte, err error)
	Main(ctx context.Context) (result any, err error)
	Finalize(ctx context.Context, result any, mainErr error)
}

// RunProcedure executes a stored procedure outside of MULTI/EXEC: it locks
// Prepare's key set, runs Main, logs a StoredProcedure AOF record, commits,
// and unconditionally calls Finalize (spec.md §4.11).
func (s *Session) RunProcedure(ctx context.Context, proc Procedure) (result any, err error) {
	keys, err := proc.Prepare(ctx, s.watch)
	if err != nil {
		proc.Finalize(ctx, nil, err)
		return nil, err
	}

	held, err := s.mgr.locks.AcquireSortedByHash(ctx, keys, s.mgr.failFastOnLock, s.mgr.lockTimeout)
	if err != nil {
		proc.Finalize(ctx, nil, err)
		return nil, err
	}
	defer held.Release()

	result, mainErr := proc.Main(ctx)
	defer func() { proc.Finalize(ctx, result, mainErr) }()
	if mainErr != nil {
		metrics.TxnAbortsTotal.Inc()
		return nil, mainErr
	}

	if err := s.mgr.aof.WriteStoredProcedure(s.id, proc.Name(), nil); err != nil {
		return nil, fmt.Errorf("txn: write stored procedure record: %w", err)
	}
	metrics.TxnCommitsTotal.Inc()
	return result, nil
}
