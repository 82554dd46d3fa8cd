package store

import "github.com/PaulusParssinen/garnet-sub001/pkg/types"

// MainLogTailBytes reports the Main store log's current tail address, used
// by the metrics poller (satisfies metrics.StatsSource).
func (s *Store) MainLogTailBytes() int64 { return int64(s.mainAlloc.Tail()) }

// AofTailAddress reports the AOF's current tail address.
func (s *Store) AofTailAddress() int64 {
	if s.aofLog == nil {
		return 0
	}
	return int64(s.aofLog.Tail())
}

// ReplicaCount reports the number of replicas currently streaming from this
// node, when it is acting as a primary.
func (s *Store) ReplicaCount() int {
	if s.primary == nil {
		return 0
	}
	return s.primary.CountConnectedReplicas()
}

// ReplicaLag reports each connected replica's lag behind this node's AOF
// tail, keyed by node ID.
func (s *Store) ReplicaLag() map[string]int64 {
	out := make(map[string]int64)
	if s.primary == nil {
		return out
	}
	for _, info := range s.primary.GetReplicaInfo(s.aofLog.Tail()) {
		out[info.NodeID] = int64(info.LagLA)
	}
	return out
}

// ReplicationOffset reports this node's current replication offset: its own
// AOF tail when acting as a primary, or the last applied offset when acting
// as a replica.
func (s *Store) ReplicationOffset() int64 {
	if s.replica != nil {
		return int64(s.replica.Offset())
	}
	return s.AofTailAddress()
}

// SlotsOwned reports the number of cluster slots this node currently owns.
func (s *Store) SlotsOwned() int {
	owned := 0
	for i := 0; i < types.SlotCount; i++ {
		if slot := s.slots.Slot(i); slot.Owner == s.slots.SelfID() {
			owned++
		}
	}
	return owned
}

// SlotsMigrating reports the number of slots currently MIGRATING or
// IMPORTING on this node.
func (s *Store) SlotsMigrating() int {
	migrating := 0
	for i := 0; i < types.SlotCount; i++ {
		switch s.slots.Slot(i).Status {
		case types.SlotMigrating, types.SlotImporting:
			migrating++
		}
	}
	return migrating
}
