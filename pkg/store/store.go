// Package store wires the storage and replication core's components
// (spec.md §2) into one top-level Store: the Main and Object hybrid KV
// indexes, their allocators, the AOF, checkpointing, replication, the
// cluster slot map, and the transaction manager. It owns the logger handle
// and every shared resource explicitly — no process-wide statics beyond
// that (spec.md REDESIGN FLAGS "Global mutable state").
package store

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
	"github.com/PaulusParssinen/garnet-sub001/pkg/buffer"
	"github.com/PaulusParssinen/garnet-sub001/pkg/checkpoint"
	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
	"github.com/PaulusParssinen/garnet-sub001/pkg/index"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/object"
	"github.com/PaulusParssinen/garnet-sub001/pkg/replication"
	"github.com/PaulusParssinen/garnet-sub001/pkg/txn"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Config configures a Store's resource sizing and durability behavior. It
// mirrors the flag surface in spec.md §6.
type Config struct {
	NodeID        string
	CheckpointDir string

	MemorySizeBits  uint
	PageSizeBits    uint
	SegmentSizeBits uint
	SectorSize      int
	IndexSizeBits   uint

	EnableAof             bool
	AofMemorySizeBits     uint
	MainMemoryReplication bool
	FastCommit            bool
	CommitFrequencyMs     int

	ClusterEnabled  bool
	SendThrottleMax int

	FailFastOnLock bool
	LockTimeoutMs  int
}

// Store is the node-local storage and replication engine.
type Store struct {
	cfg Config
	log zerolog.Logger

	mainAlloc *allocator.Allocator
	objAlloc  *allocator.Allocator
	aofAlloc  *allocator.Allocator

	mainIdx *index.Index
	objects *object.Store
	aofLog  *aof.AOF

	bufPool *buffer.Pool
	ckpt    *checkpoint.Manager
	snap    *checkpoint.Snapshotter

	vmap   *txn.VersionMap
	txnMgr *txn.Manager

	slots       *cluster.SlotMap
	slotKeysIdx *slotKeys
	migEng      *cluster.Engine
	coord       *cluster.Coordinator
	primary     *replication.TaskStore
	replica     *replication.Replica

	commitStop chan struct{}
	commitDone chan struct{}
}

// openAllocator picks between a fresh allocator.New and a recovering
// allocator.Recover depending on whether device already holds durable bytes
// from a prior run (spec.md §4.4 "recovery").
func openAllocator(cfg allocator.Config, device allocator.Device, log zerolog.Logger) (*allocator.Allocator, int64, error) {
	size, err := device.Size()
	if err != nil {
		return nil, 0, fmt.Errorf("stat log device: %w", err)
	}
	if size == 0 {
		a, err := allocator.New(cfg, device, log)
		return a, 0, err
	}
	a, err := allocator.Recover(cfg, device, types.LogicalAddress(size), log)
	return a, size, err
}

// Open creates (or reopens) a Store per cfg. The caller is responsible for
// starting replication (StartPrimary/StartReplica) once the node's cluster
// role is known. When main.log/object.log/garnet.aof already hold data from
// a prior run, Open rebuilds the Main/Object indexes from the persisted log
// and replays any AOF records past the last checkpoint, so a close-then-
// reopen cycle sees the same data (spec.md §4.4 "recovery").
func Open(cfg Config) (*Store, error) {
	l := log.WithComponent("store").With().Str("node_id", cfg.NodeID).Logger()

	mainDevice, err := allocator.NewFileDevice(filepath.Join(cfg.CheckpointDir, "main.log"))
	if err != nil {
		return nil, fmt.Errorf("store: open main log device: %w", err)
	}
	objDevice, err := allocator.NewFileDevice(filepath.Join(cfg.CheckpointDir, "object.log"))
	if err != nil {
		return nil, fmt.Errorf("store: open object log device: %w", err)
	}

	allocCfg := allocator.Config{
		PageSizeBits:    cfg.PageSizeBits,
		MemorySizeBits:  cfg.MemorySizeBits,
		SegmentSizeBits: cfg.SegmentSizeBits,
		SectorSize:      cfg.SectorSize,
	}
	mainAlloc, mainSize, err := openAllocator(allocCfg, mainDevice, log.WithStore("main"))
	if err != nil {
		return nil, fmt.Errorf("store: create main allocator: %w", err)
	}
	objAlloc, objSize, err := openAllocator(allocCfg, objDevice, log.WithStore("object"))
	if err != nil {
		return nil, fmt.Errorf("store: create object allocator: %w", err)
	}

	bufPool, err := buffer.NewPool(cfg.SectorSize, false)
	if err != nil {
		return nil, fmt.Errorf("store: create buffer pool: %w", err)
	}

	ckptMgr, err := checkpoint.Open(filepath.Join(cfg.CheckpointDir, "checkpoints.db"), log.WithComponent("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("store: open checkpoint manager: %w", err)
	}

	mainIdx := index.New(types.MainStore, cfg.IndexSizeBits, mainAlloc, log.WithStore("main"))
	objects := object.NewStore(cfg.IndexSizeBits, objAlloc, log.WithStore("object"))
	if mainSize > 0 {
		if _, err := mainIdx.Recover(types.FirstValidAddress, types.LogicalAddress(mainSize)); err != nil {
			return nil, fmt.Errorf("store: recover main index: %w", err)
		}
	}
	if objSize > 0 {
		if _, err := objects.Index().Recover(types.FirstValidAddress, types.LogicalAddress(objSize)); err != nil {
			return nil, fmt.Errorf("store: recover object index: %w", err)
		}
	}

	s := &Store{
		cfg:         cfg,
		log:         l,
		mainAlloc:   mainAlloc,
		objAlloc:    objAlloc,
		mainIdx:     mainIdx,
		objects:     objects,
		bufPool:     bufPool,
		ckpt:        ckptMgr,
		snap:        checkpoint.NewSnapshotter(bufPool, 256, log.WithComponent("checkpoint")),
		vmap:        txn.NewVersionMap(),
		slots:       cluster.New(cfg.NodeID, log.WithComponent("cluster")),
		slotKeysIdx: newSlotKeys(),
	}

	if cfg.EnableAof {
		aofCfg := allocCfg
		aofCfg.MemorySizeBits = cfg.AofMemorySizeBits
		aofDevice, err := allocator.NewFileDevice(filepath.Join(cfg.CheckpointDir, "garnet.aof"))
		if err != nil {
			return nil, fmt.Errorf("store: open aof device: %w", err)
		}
		aofAlloc, aofSize, err := openAllocator(aofCfg, aofDevice, log.WithComponent("aof"))
		if err != nil {
			return nil, fmt.Errorf("store: create aof allocator: %w", err)
		}
		s.aofAlloc = aofAlloc
		if aofSize > 0 {
			s.aofLog = aof.NewRecovered(aofAlloc, log.WithComponent("aof"))
		} else {
			s.aofLog = aof.New(aofAlloc, log.WithComponent("aof"))
		}

		if aofSize > 0 {
			coveredFrom := types.FirstValidAddress
			if cookie, err := ckptMgr.Recover(types.MainStore, ""); err == nil {
				coveredFrom = types.LogicalAddress(cookie.CoveredAofAddress)
			}
			if err := s.replayAof(coveredFrom, s.aofLog.CommittedUpTo()); err != nil {
				return nil, fmt.Errorf("store: replay aof: %w", err)
			}
		}

		if !cfg.FastCommit && cfg.CommitFrequencyMs > 0 {
			s.startCommitTicker(time.Duration(cfg.CommitFrequencyMs) * time.Millisecond)
		}
	}

	s.migEng = cluster.NewEngine(s.slots, &migrationSource{s: s}, log.WithComponent("migration"))

	lockTimeout := time.Duration(cfg.LockTimeoutMs) * time.Millisecond
	s.txnMgr = txn.NewManager(s.vmap, &aofSink{s: s}, &clusterValidator{s: s}, cfg.ClusterEnabled,
		cfg.FailFastOnLock, lockTimeout, log.WithComponent("txn"))

	s.log.Info().Bool("aof", cfg.EnableAof).Bool("cluster", cfg.ClusterEnabled).Msg("store: opened")
	return s, nil
}

// startCommitTicker runs a background goroutine that commits the AOF every
// interval, so replica streaming (gated on AOF.CommittedUpTo()) keeps
// progressing for nodes that don't run with --fast-commit (spec.md §6
// "--commit-frequency-ms").
func (s *Store) startCommitTicker(interval time.Duration) {
	s.commitStop = make(chan struct{})
	s.commitDone = make(chan struct{})
	go func() {
		defer close(s.commitDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.aofLog.Commit(false); err != nil {
					s.log.Warn().Err(err).Msg("store: periodic aof commit failed")
				}
			case <-s.commitStop:
				return
			}
		}
	}()
}

// Close disposes the primary's replication tasks (if StartPrimary was
// called), stops the commit ticker, then flushes and closes every owned
// allocator and the checkpoint catalog. A replica started with StartReplica
// is not stopped here.
func (s *Store) Close() error {
	if s.primary != nil {
		s.primary.Dispose()
	}
	if s.commitStop != nil {
		close(s.commitStop)
		<-s.commitDone
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.aofAlloc != nil {
		record(s.aofAlloc.Close())
	}
	record(s.mainAlloc.Close())
	record(s.objAlloc.Close())
	record(s.ckpt.Close())
	return firstErr
}

// Slots exposes the cluster slot map for the RESP layer's redirection logic.
func (s *Store) Slots() *cluster.SlotMap { return s.slots }

// MigrationEngine exposes the migration engine for CLUSTER SETSLOT/MIGRATE
// handling.
func (s *Store) MigrationEngine() *cluster.Engine { return s.migEng }

// TxnManager exposes the transaction manager for the RESP layer's
// MULTI/EXEC/WATCH handling.
func (s *Store) TxnManager() *txn.Manager { return s.txnMgr }

// VersionMap exposes the shared version map so command handlers can bump it
// on every mutation outside of a MULTI/EXEC block too.
func (s *Store) VersionMap() *txn.VersionMap { return s.vmap }

// SnapshotMainLog streams the Main store's committed on-disk log region to
// dst, for bootstrapping a replica too far behind to catch up from the AOF
// alone (spec.md §4.4, §4.6).
func (s *Store) SnapshotMainLog(dst io.Writer) (int64, error) {
	return s.snap.Stream(s.mainAlloc.Device(), dst, int64(types.FirstValidAddress), int64(s.mainAlloc.Tail()))
}

// StartPrimary begins serving replicas from this node's AOF (spec.md §4.6
// component C6). No-op if the AOF is disabled.
func (s *Store) StartPrimary(cl replication.ClusterEndpoints) *replication.TaskStore {
	if s.aofLog == nil {
		return nil
	}
	s.primary = replication.NewTaskStore(s.aofLog, cl, s.cfg.SendThrottleMax, log.WithComponent("replication"))
	return s.primary
}

// StartReplica begins streaming from a primary into this node's Main store
// (spec.md §4.7 component C7).
func (s *Store) StartReplica(nodeID, replicationID string, conn replication.PrimaryConn, backoff replication.ReconnectPolicy) *replication.Replica {
	s.replica = replication.NewReplica(nodeID, replicationID, conn, &replicationSink{s: s}, &replicaCheckpointer{s: s}, backoff, log.WithComponent("replication"))
	return s.replica
}

// FailoverCoordinator lazily builds the failover coordinator once this
// node's replication role and peer notifier are known (spec.md §4.10
// component C9).
func (s *Store) FailoverCoordinator(repl cluster.ReplicationState, notifier cluster.PeerNotifier) *cluster.Coordinator {
	if s.coord == nil {
		s.coord = cluster.NewCoordinator(s.slots, repl, notifier, log.WithComponent("failover"))
	}
	return s.coord
}
