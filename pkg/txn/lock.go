package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
)

// LockTable hands out per-key mutexes, lazily created and reference-counted
// so an idle key doesn't pin memory forever.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu  sync.Mutex
	ref int
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*keyLock)}
}

func (t *LockTable) acquireRef(key string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	kl, ok := t.locks[key]
	if !ok {
		kl = &keyLock{}
		t.locks[key] = kl
	}
	kl.ref++
	return kl
}

func (t *LockTable) releaseRef(key string, kl *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kl.ref--
	if kl.ref == 0 {
		delete(t.locks, key)
	}
}

// Held represents the locks acquired for one transaction's key set, to be
// released together once the transaction completes.
type Held struct {
	table *LockTable
	keys  []string
	locks []*keyLock
}

// Release unlocks every key in reverse acquisition order.
func (h *Held) Release() {
	for i := len(h.locks) - 1; i >= 0; i-- {
		h.locks[i].mu.Unlock()
		h.table.releaseRef(h.keys[i], h.locks[i])
	}
}

// AcquireSortedByHash locks every key in keys, sorted by a hash of the key
// bytes rather than by key content (spec.md §4.11 "sorted-by-hash to
// prevent deadlock"): every transaction touching an overlapping key set
// acquires locks in the same global order, so no two transactions can hold
// a lock the other is waiting on.
//
// When failFast is true, acquisition gives up (releasing whatever it
// already holds) if any lock isn't available within lockTimeout, returning
// ErrLockTimeout. Otherwise it blocks until acquired or ctx is cancelled.
func (t *LockTable) AcquireSortedByHash(ctx context.Context, keys [][]byte, failFast bool, lockTimeout time.Duration) (*Held, error) {
	dedup := dedupeKeys(keys)
	sort.Slice(dedup, func(i, j int) bool { return lockHash(dedup[i]) < lockHash(dedup[j]) })

	h := &Held{table: t, keys: dedup}
	for _, k := range dedup {
		kl := t.acquireRef(k)
		if failFast {
			if !tryLockWithin(&kl.mu, lockTimeout) {
				t.releaseRef(k, kl)
				h.Release()
				return nil, gerr.ErrLockTimeout
			}
		} else {
			if !lockOrCancel(ctx, &kl.mu) {
				t.releaseRef(k, kl)
				h.Release()
				return nil, ctx.Err()
			}
		}
		h.locks = append(h.locks, kl)
	}
	return h, nil
}

func dedupeKeys(keys [][]byte) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s := string(k)
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func lockHash(key string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return h
}

func tryLockWithin(mu *sync.Mutex, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func lockOrCancel(ctx context.Context, mu *sync.Mutex) bool {
	for {
		if mu.TryLock() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
