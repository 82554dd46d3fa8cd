// Package txn implements the Transaction Manager and Watch Registry
// (spec.md §4.11-4.12, components C10/C11): MULTI/EXEC queuing, sorted-by-
// hash lock acquisition, stored-procedure execution, and per-session
// optimistic-concurrency tracking.
package txn

import (
	"hash/maphash"
	"sync/atomic"

	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// versionMapSize is the direct-mapped version_map's fixed slot count
// (spec.md §4.12): hash(key) mod versionMapSize selects a slot, so distinct
// keys colliding on the same slot share a version counter and can cause a
// false-positive abort, never a false negative.
const versionMapSize = 1 << 16

// VersionMap is the process-wide mutation counter array consulted by WATCH
// and bumped on every store mutation.
type VersionMap struct {
	seed   maphash.Seed
	counts [versionMapSize]uint64
}

// NewVersionMap creates an empty version map.
func NewVersionMap() *VersionMap {
	return &VersionMap{seed: maphash.MakeSeed()}
}

func (v *VersionMap) slot(key []byte) int {
	return int(maphash.Bytes(v.seed, key) % versionMapSize)
}

// Bump increments the version associated with key's hash slot. Called by
// the store on every mutation (spec.md §4.12).
func (v *VersionMap) Bump(key []byte) {
	atomic.AddUint64(&v.counts[v.slot(key)], 1)
}

// Version returns the current version at key's hash slot.
func (v *VersionMap) Version(key []byte) uint64 {
	return atomic.LoadUint64(&v.counts[v.slot(key)])
}

// watchedKey records a session's watch on one key at the version observed
// when WATCH was issued (spec.md §3 "Watched key").
type watchedKey struct {
	key           []byte
	store         types.StoreKind
	versionAtWatch uint64
}

// WatchSet is a single session's optimistic-concurrency tracker.
type WatchSet struct {
	vmap    *VersionMap
	watched []watchedKey
}

// NewWatchSet creates an empty watch set backed by vmap.
func NewWatchSet(vmap *VersionMap) *WatchSet {
	return &WatchSet{vmap: vmap}
}

// Watch records (key, version_at_watch) for key in store (spec.md §4.12).
func (w *WatchSet) Watch(key []byte, store types.StoreKind) {
	w.watched = append(w.watched, watchedKey{
		key:            append([]byte(nil), key...),
		store:          store,
		versionAtWatch: w.vmap.Version(key),
	})
}

// Validate re-reads each watched key's version; it returns false if any
// differs from the version recorded at WATCH time (spec.md §4.12).
func (w *WatchSet) Validate() bool {
	for _, wk := range w.watched {
		if w.vmap.Version(wk.key) != wk.versionAtWatch {
			return false
		}
	}
	return true
}

// Unwatch clears the watch set (spec.md §4.12).
func (w *WatchSet) Unwatch() {
	w.watched = nil
}

// Empty reports whether anything is currently watched.
func (w *WatchSet) Empty() bool { return len(w.watched) == 0 }
