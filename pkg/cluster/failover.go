package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// FailoverStatus is the Failover Coordinator session's lifecycle state.
type FailoverStatus int

const (
	FailoverPending FailoverStatus = iota
	FailoverSucceeded
	FailoverFailed
)

// ReplicationState is the subset of C6/C7 replica state the coordinator
// inspects and mutates around a failover (spec.md §4.10).
type ReplicationState interface {
	CaughtUpToPrimaryTail() bool
	CommittedAofTail() int64
	CurrentReplID() (replid, replid2 string)
	Rotate(newReplID string, offset2 int64) error
}

// PeerNotifier announces the new primary to the rest of the cluster.
type PeerNotifier interface {
	NotifyNewPrimary(ctx context.Context, nodeID string, epoch uint64) error
}

// Coordinator drives failover for one node (C9): replica-initiated by
// default, it promotes the local replica to primary, rotating its
// replication identity and claiming the former primary's slots.
type Coordinator struct {
	slots    *SlotMap
	repl     ReplicationState
	notifier PeerNotifier
	log      zerolog.Logger
	deadline time.Duration
}

// NewCoordinator builds a failover coordinator with the default 600s
// deadline (spec.md §4.10).
func NewCoordinator(slots *SlotMap, repl ReplicationState, notifier PeerNotifier, log zerolog.Logger) *Coordinator {
	return &Coordinator{slots: slots, repl: repl, notifier: notifier, log: log, deadline: 600 * time.Second}
}

// WithDeadline overrides the default failover deadline.
func (c *Coordinator) WithDeadline(d time.Duration) *Coordinator {
	c.deadline = d
	return c
}

// Promote runs the replica-initiated failover sequence (spec.md §4.10):
// verify caught-up, rotate replication identity, claim slots at a higher
// epoch, notify peers. It does not change the node's replication role; the
// replica stays a replica as far as pkg/replication is concerned. If the
// deadline elapses at any
// stage, the session transitions to FAILED and no ownership change is
// published.
func (c *Coordinator) Promote(ctx context.Context, formerPrimaryID string) (FailoverStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	if !c.repl.CaughtUpToPrimaryTail() {
		return FailoverFailed, fmt.Errorf("cluster: failover: replica not caught up to primary tail")
	}

	replid, _ := c.repl.CurrentReplID()
	newReplID, err := randomReplID()
	if err != nil {
		return FailoverFailed, fmt.Errorf("cluster: failover: generate replid: %w", err)
	}
	offset2 := c.repl.CommittedAofTail()

	// Rotate is responsible for replid2 := replid; replid := newReplID;
	// replication_offset2 := offset2 (spec.md §4.10 step 2).
	if err := c.repl.Rotate(newReplID, offset2); err != nil {
		return FailoverFailed, fmt.Errorf("cluster: failover: rotate replication id: %w", err)
	}

	epoch := c.slots.BumpEpoch(c.slots.ConfigEpoch() + 1)
	claimed := 0
	for slot := 0; slot < types.SlotCount; slot++ {
		if c.slots.Slot(slot).Owner == formerPrimaryID {
			if err := c.slots.SetSlotNode(slot, c.slots.SelfID()); err != nil {
				return FailoverFailed, fmt.Errorf("cluster: failover: claim slot %d: %w", slot, err)
			}
			claimed++
		}
		if ctx.Err() != nil {
			return FailoverFailed, fmt.Errorf("cluster: failover: deadline exceeded while claiming slots")
		}
	}

	if err := c.notifier.NotifyNewPrimary(ctx, c.slots.SelfID(), epoch); err != nil {
		return FailoverFailed, fmt.Errorf("cluster: failover: notify peers: %w", err)
	}

	metrics.FailoversTotal.Inc()
	c.log.Info().Str("former_primary", formerPrimaryID).Int("slots_claimed", claimed).
		Str("replid", replid).Str("new_replid", newReplID).Uint64("epoch", epoch).
		Msg("cluster: failover complete, self promoted to primary")
	return FailoverSucceeded, nil
}

// randomReplID generates a new 40-hex-character replication id (spec.md
// §GLOSSARY "Replication ID").
func randomReplID() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
