package store

import (
	"sync"

	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
)

// slotKeys is a supplementary per-slot key membership index. The Hybrid KV
// Index is a pure hash table with no key enumeration, but the Migration
// Engine (spec.md §4.9) needs to iterate "every key in slot N" to stream it
// to a target node. This tracks that membership separately, updated
// alongside every Main store mutation.
type slotKeys struct {
	mu   sync.Mutex
	byID map[int]map[string]struct{}
}

func newSlotKeys() *slotKeys {
	return &slotKeys{byID: make(map[int]map[string]struct{})}
}

func (sk *slotKeys) add(key []byte) {
	slot := cluster.SlotOf(key)
	sk.mu.Lock()
	defer sk.mu.Unlock()
	set, ok := sk.byID[slot]
	if !ok {
		set = make(map[string]struct{})
		sk.byID[slot] = set
	}
	set[string(key)] = struct{}{}
}

func (sk *slotKeys) remove(key []byte) {
	slot := cluster.SlotOf(key)
	sk.mu.Lock()
	defer sk.mu.Unlock()
	set, ok := sk.byID[slot]
	if !ok {
		return
	}
	delete(set, string(key))
	if len(set) == 0 {
		delete(sk.byID, slot)
	}
}

func (sk *slotKeys) count(slot int) int {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return len(sk.byID[slot])
}

func (sk *slotKeys) list(slot int, limit int) [][]byte {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	set := sk.byID[slot]
	out := make([][]byte, 0, minInt(limit, len(set)))
	for k := range set {
		if len(out) >= limit {
			break
		}
		out = append(out, []byte(k))
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Store) trackSlotKey(key []byte)   { s.slotKeysIdx.add(key) }
func (s *Store) untrackSlotKey(key []byte) { s.slotKeysIdx.remove(key) }
func (s *Store) countSlotKeys(slot int) int { return s.slotKeysIdx.count(slot) }
func (s *Store) listSlotKeys(slot int, limit int) [][]byte {
	return s.slotKeysIdx.list(slot, limit)
}
