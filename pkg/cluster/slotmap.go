// Package cluster implements the Cluster Slot Map, Migration Engine, and
// Failover Coordinator (spec.md §4.8-4.10, components C7/C8/C9): ownership
// of the 16384 hash slots, per-slot MIGRATING/IMPORTING state, client
// redirection, and primary/replica failover.
package cluster

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Redirect describes how a keyed command targeting a given slot should be
// handled (spec.md §4.8 "Redirection").
type Redirect int

const (
	// RedirectLocal means execute the command against this node's store.
	RedirectLocal Redirect = iota
	// RedirectAsk means reply ASK <slot> <addr>; the key is mid-migration
	// and hasn't landed on the importing node under ASKING yet.
	RedirectAsk
	// RedirectMoved means reply MOVED <slot> <addr>; this node doesn't own
	// the slot.
	RedirectMoved
	// RedirectTryAgain means the key is mid-migration on this (owning)
	// node; retry shortly.
	RedirectTryAgain
)

// SlotMap is the per-node view of slot ownership (spec.md §4.8).
type SlotMap struct {
	log zerolog.Logger

	mu          sync.RWMutex
	selfID      string
	nodes       map[string]types.ClusterConfig
	slots       [types.SlotCount]types.Slot
	slotMu      [types.SlotCount]sync.Mutex // per-slot serialization for the migration engine
	configEpoch uint64
}

// New creates an empty slot map for node selfID.
func New(selfID string, log zerolog.Logger) *SlotMap {
	return &SlotMap{
		log:    log,
		selfID: selfID,
		nodes:  map[string]types.ClusterConfig{selfID: {NodeID: selfID, Role: types.RolePrimary}},
	}
}

// SelfID returns this node's id.
func (m *SlotMap) SelfID() string { return m.selfID }

// UpsertNode records or replaces a peer's ClusterConfig, applying the
// "higher epoch wins on gossip conflict" rule (spec.md §4.8).
func (m *SlotMap) UpsertNode(cfg types.ClusterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.nodes[cfg.NodeID]; ok && existing.ConfigEpoch > cfg.ConfigEpoch {
		return
	}
	m.nodes[cfg.NodeID] = cfg
}

func (m *SlotMap) knownLocked(nodeID string) bool {
	_, ok := m.nodes[nodeID]
	return ok
}

// AddSlots assigns slots to this node as STABLE. Duplicate or out-of-range
// entries, or slots already owned elsewhere, are rejected (spec.md §4.8).
func (m *SlotMap) AddSlots(slots []int) error {
	if err := validateSlotSet(slots); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		if m.slots[s].Status != types.SlotUnassigned {
			return fmt.Errorf("%w: slot %d", gerr.ErrSlotAlreadyBusy, s)
		}
	}
	for _, s := range slots {
		m.slots[s] = types.Slot{Status: types.SlotStable, Owner: m.selfID}
	}
	m.updateOwnedLocked()
	return nil
}

// DelSlots releases ownership of slots, returning them to UNASSIGNED.
func (m *SlotMap) DelSlots(slots []int) error {
	if err := validateSlotSet(slots); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		if m.slots[s].Owner != m.selfID {
			return fmt.Errorf("%w: slot %d", gerr.ErrNotSlotOwner, s)
		}
	}
	for _, s := range slots {
		m.slots[s] = types.Slot{}
	}
	m.updateOwnedLocked()
	return nil
}

func validateSlotSet(slots []int) error {
	seen := make(map[int]struct{}, len(slots))
	for _, s := range slots {
		if s < 0 || s >= types.SlotCount {
			return fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: %d", gerr.ErrSlotSpecifiedMultiple, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// SetSlotImporting transitions slot into IMPORTING(from->self), per Table A
// row "STABLE owned by O | IMPORTING T=O".
func (m *SlotMap) SetSlotImporting(slot int, from string) error {
	if slot < 0 || slot >= types.SlotCount {
		return fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.slots[slot]
	switch cur.Status {
	case types.SlotStable:
		if cur.Owner == m.selfID {
			return gerr.ErrLocalSlotAlreadyImported
		}
		if !m.knownLocked(from) {
			return fmt.Errorf("%w: %s", gerr.ErrUnknownNode, from)
		}
		m.slots[slot] = types.Slot{Status: types.SlotImporting, Owner: cur.Owner, ImportingFrom: from}
		return nil
	case types.SlotImporting:
		if cur.ImportingFrom == from {
			return gerr.ErrAlreadyScheduledImport
		}
		m.slots[slot] = types.Slot{Status: types.SlotImporting, Owner: cur.Owner, ImportingFrom: from}
		return nil
	default:
		m.slots[slot] = types.Slot{Status: types.SlotImporting, Owner: cur.Owner, ImportingFrom: from}
		return nil
	}
}

// SetSlotMigrating transitions slot into MIGRATING(self->to), per Table A
// row "STABLE owned by S | MIGRATING T".
func (m *SlotMap) SetSlotMigrating(slot int, to string) error {
	if slot < 0 || slot >= types.SlotCount {
		return fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, slot)
	}
	if to == m.selfID {
		return gerr.ErrCantMigrateToSelf
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.slots[slot]
	if cur.Owner != m.selfID {
		return gerr.ErrNotSlotOwner
	}
	if !m.knownLocked(to) {
		return fmt.Errorf("%w: %s", gerr.ErrUnknownNode, to)
	}
	m.slots[slot] = types.Slot{Status: types.SlotMigrating, Owner: m.selfID, MigratingTo: to}
	return nil
}

// SetSlotStable ends a MIGRATING/IMPORTING transition, leaving the owner
// unchanged (Table A row "MIGRATING/IMPORTING | STABLE").
func (m *SlotMap) SetSlotStable(slot int) error {
	if slot < 0 || slot >= types.SlotCount {
		return fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.slots[slot]
	m.slots[slot] = types.Slot{Status: types.SlotStable, Owner: cur.Owner}
	return nil
}

// SetSlotNode assigns slot to node as the new STABLE owner unconditionally
// and bumps config_epoch (Table A row "any | NODE T").
func (m *SlotMap) SetSlotNode(slot int, node string) error {
	if slot < 0 || slot >= types.SlotCount {
		return fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot] = types.Slot{Status: types.SlotStable, Owner: node}
	m.configEpoch++
	m.updateOwnedLocked()
	return nil
}

func (m *SlotMap) updateOwnedLocked() {
	owned, migrating := 0, 0
	for i := range m.slots {
		if m.slots[i].Owner == m.selfID {
			owned++
			if m.slots[i].Status == types.SlotMigrating {
				migrating++
			}
		}
	}
	metrics.SlotsOwned.Set(float64(owned))
	metrics.SlotsMigrating.Set(float64(migrating))
}

// SlotOf computes the slot for a key (CRC16 mod SlotCount, Redis-style, with
// the "{hashtag}" exception so multi-key commands can be co-located).
func SlotOf(key []byte) int {
	if s, e := hashtagRange(key); s >= 0 {
		key = key[s:e]
	}
	return int(crc16(key)) % types.SlotCount
}

// hashtagRange takes the first '{' in key and the first '}' after it, per
// Redis cluster's hash tag convention, returning the body's [start,end)
// within key, or (-1,-1) if there is no such pair or its body is empty.
func hashtagRange(key []byte) (int, int) {
	start := -1
	for i, b := range key {
		if b == '{' && start == -1 {
			start = i
		} else if b == '}' && start != -1 {
			if i > start+1 {
				return start + 1, i
			}
			return -1, -1
		}
	}
	return -1, -1
}

// ResolveKeys returns the common slot for keys, or an error if they don't
// all hash to the same slot (spec.md §4.8 CROSSSLOT).
func ResolveKeys(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return -1, fmt.Errorf("%w: no keys", gerr.ErrCrossSlot)
	}
	slot := SlotOf(keys[0])
	for _, k := range keys[1:] {
		if SlotOf(k) != slot {
			return -1, gerr.ErrCrossSlot
		}
	}
	return slot, nil
}

// Route decides how a command touching slot (with a set of already-present
// keys among its arguments, for the MIGRATING existing-key case) should be
// handled (spec.md §4.8 "Redirection"), along with the address to redirect
// to when applicable.
func (m *SlotMap) Route(slot int, keyExists bool, asking bool) (Redirect, string, error) {
	if slot < 0 || slot >= types.SlotCount {
		return RedirectLocal, "", fmt.Errorf("%w: %d", gerr.ErrSlotOutOfRange, slot)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.slots[slot]
	switch {
	case s.Owner == m.selfID && s.Status != types.SlotMigrating:
		return RedirectLocal, "", nil
	case s.Owner == m.selfID && s.Status == types.SlotMigrating:
		// An existing key hasn't migrated yet: execute locally (spec.md §4.8
		// rule 2, scenario S4's GET on the still-local key). Only a key that
		// has already moved needs the ASK redirect; TRYAGAIN is reserved for
		// a write racing that specific key's migration, not handled here.
		if keyExists {
			return RedirectLocal, "", nil
		}
		return RedirectAsk, m.nodes[s.MigratingTo].Addr, nil
	case s.Status == types.SlotImporting && s.ImportingFrom != "":
		if asking {
			return RedirectLocal, "", nil
		}
		return RedirectMoved, m.nodes[s.Owner].Addr, nil
	default:
		return RedirectMoved, m.nodes[s.Owner].Addr, nil
	}
}

// Slot returns a copy of slot i's current state.
func (m *SlotMap) Slot(i int) types.Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[i]
}

// ConfigEpoch returns the locally observed config epoch.
func (m *SlotMap) ConfigEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configEpoch
}

// BumpEpoch atomically increments and returns the new config epoch, used by
// the Failover Coordinator to claim slots at a higher epoch (spec.md §4.10).
func (m *SlotMap) BumpEpoch(atLeast uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if atLeast > m.configEpoch {
		m.configEpoch = atLeast
	} else {
		m.configEpoch++
	}
	return m.configEpoch
}

// lockSlot serializes migration-engine access to a single slot (spec.md
// §4.9 "serialized by the source's per-slot mutex").
func (m *SlotMap) lockSlot(slot int) func() {
	m.slotMu[slot].Lock()
	return m.slotMu[slot].Unlock
}
