package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

func TestAddSlotsValidation(t *testing.T) {
	m := New("self", log.Logger)

	require.NoError(t, m.AddSlots([]int{0, 1, 2}))
	require.ErrorIs(t, m.AddSlots([]int{1, 5}), gerr.ErrSlotAlreadyBusy)
	require.ErrorIs(t, m.AddSlots([]int{-1}), gerr.ErrSlotOutOfRange)
	require.ErrorIs(t, m.AddSlots([]int{3, 3}), gerr.ErrSlotSpecifiedMultiple)
}

func TestDelSlotsRequiresOwnership(t *testing.T) {
	m := New("self", log.Logger)
	require.NoError(t, m.AddSlots([]int{10}))
	require.ErrorIs(t, m.DelSlots([]int{11}), gerr.ErrNotSlotOwner)
	require.NoError(t, m.DelSlots([]int{10}))
	require.Equal(t, types.SlotUnassigned, m.Slot(10).Status)
}

func TestSetSlotImportingTransitions(t *testing.T) {
	m := New("self", log.Logger)
	m.UpsertNode(types.ClusterConfig{NodeID: "other", Addr: "1.1.1.1:7000"})

	require.NoError(t, m.AddSlots([]int{5})) // STABLE owned by self
	require.ErrorIs(t, m.SetSlotImporting(5, "other"), gerr.ErrLocalSlotAlreadyImported)

	m2 := New("self", log.Logger)
	m2.UpsertNode(types.ClusterConfig{NodeID: "other"})
	m2.slots[7] = types.Slot{Status: types.SlotStable, Owner: "other"}
	require.NoError(t, m2.SetSlotImporting(7, "other"))
	require.Equal(t, types.SlotImporting, m2.Slot(7).Status)

	require.ErrorIs(t, m2.SetSlotImporting(7, "other"), gerr.ErrAlreadyScheduledImport)
}

func TestSetSlotMigratingRequiresOwnerAndKnownTarget(t *testing.T) {
	m := New("self", log.Logger)
	require.NoError(t, m.AddSlots([]int{9}))

	require.ErrorIs(t, m.SetSlotMigrating(9, "ghost"), gerr.ErrUnknownNode)

	m.UpsertNode(types.ClusterConfig{NodeID: "other"})
	require.NoError(t, m.SetSlotMigrating(9, "other"))
	require.Equal(t, types.SlotMigrating, m.Slot(9).Status)

	require.ErrorIs(t, m.SetSlotMigrating(9, "self"), gerr.ErrCantMigrateToSelf)
}

func TestSetSlotNodeBumpsEpoch(t *testing.T) {
	m := New("self", log.Logger)
	before := m.ConfigEpoch()
	require.NoError(t, m.SetSlotNode(3, "other"))
	require.Greater(t, m.ConfigEpoch(), before)
	require.Equal(t, "other", m.Slot(3).Owner)
}

func TestRouteLocalVsMoved(t *testing.T) {
	m := New("self", log.Logger)
	m.UpsertNode(types.ClusterConfig{NodeID: "other", Addr: "2.2.2.2:7000"})
	require.NoError(t, m.AddSlots([]int{1}))

	r, _, err := m.Route(1, false, false)
	require.NoError(t, err)
	require.Equal(t, RedirectLocal, r)

	require.NoError(t, m.SetSlotNode(2, "other"))
	r, addr, err := m.Route(2, false, false)
	require.NoError(t, err)
	require.Equal(t, RedirectMoved, r)
	require.Equal(t, "2.2.2.2:7000", addr)
}

func TestRouteMigratingSlot(t *testing.T) {
	m := New("self", log.Logger)
	m.UpsertNode(types.ClusterConfig{NodeID: "other", Addr: "3.3.3.3:7000"})
	require.NoError(t, m.AddSlots([]int{1}))
	require.NoError(t, m.SetSlotMigrating(1, "other"))

	r, _, err := m.Route(1, true, false)
	require.NoError(t, err)
	require.Equal(t, RedirectLocal, r)

	r, addr, err := m.Route(1, false, false)
	require.NoError(t, err)
	require.Equal(t, RedirectAsk, r)
	require.Equal(t, "3.3.3.3:7000", addr)
}

func TestResolveKeysCrossSlot(t *testing.T) {
	_, err := ResolveKeys([][]byte{[]byte("a"), []byte("totally-different-key")})
	require.ErrorIs(t, err, gerr.ErrCrossSlot)
}

func TestResolveKeysHashtag(t *testing.T) {
	s1, err := ResolveKeys([][]byte{[]byte("{user:1}.name"), []byte("{user:1}.age")})
	require.NoError(t, err)
	require.Equal(t, SlotOf([]byte("user:1")), s1)
}

type fakeSource struct {
	data map[string][]byte
}

func (s *fakeSource) CountKeysInSlot(slot int) (int, error) { return len(s.data), nil }

func (s *fakeSource) GetKeysInSlot(slot int, limit int) ([]KeyValue, error) {
	var out []KeyValue
	for k, v := range s.data {
		out = append(out, KeyValue{Key: []byte(k), Value: v})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) DeleteKey(key []byte) error {
	delete(s.data, string(key))
	return nil
}

type fakeTarget struct {
	received map[string][]byte
}

func (c *fakeTarget) SetKey(_ context.Context, kv KeyValue) error {
	c.received[string(kv.Key)] = kv.Value
	return nil
}

func TestMigrateSlotTransfersAllKeysAndBumpsOwnership(t *testing.T) {
	m := New("self", log.Logger)
	m.UpsertNode(types.ClusterConfig{NodeID: "other", Addr: "4.4.4.4:7000"})
	require.NoError(t, m.AddSlots([]int{1}))

	src := &fakeSource{data: map[string][]byte{"a": []byte("1"), "b": []byte("2")}}
	eng := NewEngine(m, src, log.Logger)
	tgt := &fakeTarget{received: map[string][]byte{}}

	require.NoError(t, eng.MigrateSlot(context.Background(), 1, "other", tgt))
	require.Equal(t, "other", m.Slot(1).Owner)
	require.Equal(t, types.SlotStable, m.Slot(1).Status)
	require.Len(t, tgt.received, 2)
	require.Empty(t, src.data)
}

func TestMigrateSlotIdempotentWhenAlreadyComplete(t *testing.T) {
	m := New("self", log.Logger)
	m.UpsertNode(types.ClusterConfig{NodeID: "other"})
	require.NoError(t, m.SetSlotNode(1, "other"))

	src := &fakeSource{data: map[string][]byte{}}
	eng := NewEngine(m, src, log.Logger)
	tgt := &fakeTarget{received: map[string][]byte{}}

	require.NoError(t, eng.MigrateSlot(context.Background(), 1, "other", tgt))
	require.Empty(t, tgt.received)
}
