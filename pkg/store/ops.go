package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/object"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// mutationRecord is the AOF payload shape for a Main store upsert or
// delete: the key, so a replica (or recovery replay) can apply it directly
// against its own index without any side-channel.
type mutationRecord struct {
	Key   []byte
	Value []byte
}

func encodeMutation(key, value []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mutationRecord{Key: key, Value: value}); err != nil {
		return nil, fmt.Errorf("store: encode aof mutation record: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeMutation reverses encodeMutation, used by a replica's AOF apply path.
func decodeMutation(payload []byte) (mutationRecord, error) {
	var rec mutationRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return mutationRecord{}, fmt.Errorf("store: decode aof mutation record: %w", err)
	}
	return rec, nil
}

// Get reads a Main store value (spec.md §4.2).
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	sess := s.mainIdx.NewSession()
	for {
		res, err := sess.Read(key)
		if err != nil {
			return nil, false, err
		}
		if res.Pending {
			if err := sess.CompletePending(true); err != nil {
				return nil, false, err
			}
			continue
		}
		return res.Value, res.Found, nil
	}
}

// Set upserts a Main store key, records the mutation to the AOF (when
// enabled), bumps its watch version, and tracks its cluster slot membership
// for later migration (spec.md §4.2, §4.9, §4.12).
func (s *Store) Set(key, value []byte) error {
	if err := s.appendMutation(types.OpStoreUpsert, key, value); err != nil {
		return err
	}
	sess := s.mainIdx.NewSession()
	if _, err := sess.RMW(key, func(old []byte, exists bool) ([]byte, bool) { return value, true }); err != nil {
		return err
	}
	s.trackSlotKey(key)
	s.vmap.Bump(key)
	return nil
}

// Delete removes a Main store key.
func (s *Store) Delete(key []byte) error {
	if err := s.appendMutation(types.OpStoreDelete, key, nil); err != nil {
		return err
	}
	sess := s.mainIdx.NewSession()
	if err := sess.Delete(key); err != nil {
		return err
	}
	s.untrackSlotKey(key)
	s.vmap.Bump(key)
	return nil
}

func (s *Store) appendMutation(op types.AofOpType, key, value []byte) error {
	if s.aofLog == nil {
		return nil
	}
	payload, err := encodeMutation(key, value)
	if err != nil {
		return err
	}
	header := types.AofHeader{OpType: op}
	if _, err := s.aofLog.Enqueue(header, payload); err != nil {
		return fmt.Errorf("store: enqueue aof record: %w", err)
	}
	if s.cfg.FastCommit {
		return s.aofLog.Commit(false)
	}
	return nil
}

// applyReplicatedMutation applies one decoded AOF frame received from a primary
// (spec.md §4.6 "replica Hybrid KV Index"), used by the replication sink
// adapter below.
func (s *Store) applyReplicatedMutation(op types.AofOpType, payload []byte) error {
	rec, err := decodeMutation(payload)
	if err != nil {
		return err
	}
	sess := s.mainIdx.NewSession()
	switch op {
	case types.OpStoreUpsert:
		_, err = sess.RMW(rec.Key, func(old []byte, exists bool) ([]byte, bool) { return rec.Value, true })
	case types.OpStoreDelete:
		err = sess.Delete(rec.Key)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	s.vmap.Bump(rec.Key)
	return nil
}

// replayAof reapplies AOF records in [from, to) against the in-memory Main
// store index, used once at Open to catch up whatever mutations landed
// after the last checkpoint's covered AOF address (spec.md §4.4
// "recovery").
func (s *Store) replayAof(from, to types.LogicalAddress) error {
	if begin := s.aofLog.BeginAddr(); from < begin {
		from = begin
	}
	if from >= to {
		return nil
	}
	it, err := s.aofLog.Iterate(from, to)
	if err != nil {
		return fmt.Errorf("store: replay aof: %w", err)
	}
	replayed := 0
	for {
		frame, _, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("store: replay aof: %w", err)
		}
		if !ok {
			break
		}
		switch frame.Header.OpType {
		case types.OpStoreUpsert, types.OpStoreDelete:
			if err := s.applyReplicatedMutation(frame.Header.OpType, frame.Payload); err != nil {
				return fmt.Errorf("store: replay aof: %w", err)
			}
			replayed++
		}
	}
	s.log.Info().Int("records", replayed).Str("from", from.String()).Str("to", to.String()).Msg("store: replayed aof")
	return nil
}

// Object exposes a session onto the Object store for collection commands
// (lists, sets, hashes, sorted sets, HyperLogLog, geo).
func (s *Store) Object() *object.Session { return s.objects.NewSession() }

// --- cluster.Source adapter: migration engine reads/deletes Main store
// keys belonging to a slot via the slot key index tracked in keyslots.go.

type migrationSource struct{ s *Store }

func (m *migrationSource) CountKeysInSlot(slot int) (int, error) {
	return m.s.countSlotKeys(slot), nil
}

func (m *migrationSource) GetKeysInSlot(slot int, limit int) ([]cluster.KeyValue, error) {
	keys := m.s.listSlotKeys(slot, limit)
	out := make([]cluster.KeyValue, 0, len(keys))
	for _, k := range keys {
		val, found, err := m.s.Get(k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, cluster.KeyValue{Key: k, Value: val})
	}
	return out, nil
}

func (m *migrationSource) DeleteKey(key []byte) error {
	return m.s.Delete(key)
}

// TargetClient implements cluster.TargetClient directly: this node is the
// import side of a slot migration, so applying an incoming key is just a
// local Main store upsert (spec.md §4.9 "Import path").
func (s *Store) SetKey(ctx context.Context, kv cluster.KeyValue) error {
	return s.Set(kv.Key, kv.Value)
}

// --- txn.AofSink adapter

type aofSink struct{ s *Store }

func (a *aofSink) WriteTxnStart(sessionID int64) error {
	return a.write(types.OpTxnStart, sessionID, nil)
}

func (a *aofSink) WriteTxnCommit(sessionID int64, records [][]byte) error {
	return a.write(types.OpTxnCommit, sessionID, nil)
}

func (a *aofSink) WriteStoredProcedure(sessionID int64, name string, payload []byte) error {
	return a.write(types.OpStoredProcedure, sessionID, []byte(name))
}

func (a *aofSink) write(op types.AofOpType, sessionID int64, payload []byte) error {
	if a.s.aofLog == nil {
		return nil
	}
	header := types.AofHeader{OpType: op, SessionID: sessionID}
	_, err := a.s.aofLog.Enqueue(header, payload)
	return err
}

// --- txn.ClusterValidator adapter

type clusterValidator struct{ s *Store }

func (c *clusterValidator) ValidateKey(key []byte) error {
	slot := cluster.SlotOf(key)
	redirect, _, err := c.s.slots.Route(slot, true, false)
	if err != nil {
		return err
	}
	if redirect != cluster.RedirectLocal {
		return gerr.ErrClusterDown
	}
	return nil
}

// --- replication.Sink adapter: applies a frame received from a primary
// directly against this node's Main store index (spec.md §4.7).

type replicationSink struct{ s *Store }

func (r *replicationSink) Apply(frame aof.DecodedFrame) error {
	switch frame.Header.OpType {
	case types.OpStoreUpsert, types.OpStoreDelete:
		return r.s.applyReplicatedMutation(frame.Header.OpType, frame.Payload)
	default:
		return nil
	}
}

// --- replication.Checkpointer adapter: recovers this node to its latest
// Main store checkpoint, used when a replica's replication ID no longer
// matches its primary's (spec.md §4.7 "ResyncRequired").

type replicaCheckpointer struct{ s *Store }

func (c *replicaCheckpointer) RecoverLatest() (types.LogicalAddress, error) {
	cookie, err := c.s.ckpt.Recover(types.MainStore, "")
	if err != nil {
		return 0, err
	}
	return types.LogicalAddress(cookie.CoveredAofAddress), nil
}
