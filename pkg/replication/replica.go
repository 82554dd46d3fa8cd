package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// PrimaryConn is the replica's view of its sync connection to the primary;
// implementations wrap the wire transport.
type PrimaryConn interface {
	Open(ctx context.Context, req SyncRequest) error
	RecvBatch(ctx context.Context) (Batch, error)
	SendAck(ctx context.Context, ack Ack) error
	Close() error
}

// Checkpointer lets the replica discard local state and recover from the
// primary's latest checkpoint after a replication-id mismatch (spec.md §4.7).
type Checkpointer interface {
	RecoverLatest() (fromLA types.LogicalAddress, err error)
}

// ReconnectPolicy controls the replica's backoff after a primary disconnect
// (spec.md §4.7 "exponential backoff up to a configured cap").
type ReconnectPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ReconnectPolicy) next(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > p.Max {
			return p.Max
		}
	}
	return d
}

// Replica drives the replica-side sync loop: connect, optionally recover
// from a checkpoint, tail the primary's AOF, apply records, ack progress.
type Replica struct {
	nodeID        string
	replicationID string

	conn   PrimaryConn
	sink   Sink
	ckpt   Checkpointer
	backoff ReconnectPolicy
	log    zerolog.Logger

	offset int64 // atomic types.LogicalAddress: replication_offset
}

// NewReplica constructs a replica sync driver. replicationID is this node's
// current replication identity, used to detect a primary that has rotated
// (failed over) since the last sync.
func NewReplica(nodeID, replicationID string, conn PrimaryConn, sink Sink, ckpt Checkpointer, backoff ReconnectPolicy, log zerolog.Logger) *Replica {
	return &Replica{
		nodeID:        nodeID,
		replicationID: replicationID,
		conn:          conn,
		sink:          sink,
		ckpt:          ckpt,
		backoff:       backoff,
		log:           log,
	}
}

// Offset returns the replica's current replication_offset.
func (r *Replica) Offset() types.LogicalAddress {
	return types.LogicalAddress(loadInt64(&r.offset))
}

// Run drives the sync loop until ctx is cancelled, reconnecting with
// exponential backoff on failure (spec.md §4.7).
func (r *Replica) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := r.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var resync *ResyncRequired
			if errors.As(err, &resync) {
				r.log.Warn().Str("primary_replid", resync.PrimaryReplicationID).Msg("replication: replid mismatch, recovering from checkpoint")
				from, rerr := r.ckpt.RecoverLatest()
				if rerr != nil {
					r.log.Error().Err(rerr).Msg("replication: checkpoint recovery failed")
				} else {
					storeInt64(&r.offset, int64(from))
				}
				attempt = 0
				continue
			}

			delay := r.backoff.next(attempt)
			attempt++
			r.log.Warn().Err(err).Dur("backoff", delay).Msg("replication: primary connection lost, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

// syncOnce opens one sync connection and tails it until it errors.
func (r *Replica) syncOnce(ctx context.Context) error {
	req := SyncRequest{NodeID: r.nodeID, ReplicationID: r.replicationID, StartLA: r.Offset()}
	if err := r.conn.Open(ctx, req); err != nil {
		return fmt.Errorf("replication: open sync connection: %w", err)
	}
	defer r.conn.Close()

	for {
		batch, err := r.conn.RecvBatch(ctx)
		if err != nil {
			return err
		}
		if err := r.applyBatch(batch); err != nil {
			return err
		}
		if err := r.conn.SendAck(ctx, Ack{AckedLA: batch.ToLA}); err != nil {
			return err
		}
	}
}

func (r *Replica) applyBatch(b Batch) error {
	pos := 0
	for pos < len(b.Data) {
		frame, err := aof.Decode(b.Data[pos:])
		if err != nil {
			return err
		}
		if err := r.sink.Apply(frame); err != nil {
			return fmt.Errorf("replication: apply record: %w", err)
		}
		pos += int(frame.EncodedSize)
	}
	storeInt64(&r.offset, int64(b.ToLA))
	metrics.ReplicationOffset.Set(float64(b.ToLA))
	return nil
}
