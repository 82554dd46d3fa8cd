// Package replication implements the Replication Manager (spec.md §4.6-4.7,
// components C6/C7): the primary-side AOF task store that streams committed
// frames to connected replicas, and the replica-side sync loop that applies
// them and advances its own replication offset.
package replication

import (
	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// SyncRequest is what a replica sends when opening a sync connection
// (spec.md §4.7 "declaring (my_replication_id, my_offset)").
type SyncRequest struct {
	NodeID        string
	ReplicationID string
	StartLA       types.LogicalAddress
}

// SyncReject is returned by try_connect on failure (spec.md §4.6).
type SyncReject struct {
	Reason string
}

func (e *SyncReject) Error() string { return e.Reason }

// Batch is a framed run of AOF bytes shipped to a replica in one send.
type Batch struct {
	FromLA types.LogicalAddress
	ToLA   types.LogicalAddress
	Data   []byte
}

// Ack is sent by a replica after applying a Batch, advancing the primary's
// view of that replica's acknowledged LA.
type Ack struct {
	AckedLA types.LogicalAddress
}

// ResyncRequired signals a replication-id mismatch (spec.md §4.7): the
// replica must discard local state and recover from the primary's latest
// checkpoint before resuming tailing.
type ResyncRequired struct {
	PrimaryReplicationID string
}

func (e *ResyncRequired) Error() string {
	return "replication id mismatch, full resync required from " + e.PrimaryReplicationID
}

// Source is the minimal view of an AOF log the primary side needs: reading
// a committed range and learning the current committed tail.
type Source interface {
	Iterate(from, to types.LogicalAddress) (*aof.Iterator, error)
	CommittedUpTo() types.LogicalAddress
}

// Sink is the minimal view of local storage the replica side needs to apply
// an incoming frame (spec.md §4.7 "applies each incoming AOF record via the
// KV Index").
type Sink interface {
	Apply(frame aof.DecodedFrame) error
}
