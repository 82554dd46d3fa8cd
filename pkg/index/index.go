// Package index implements the Hybrid KV Index (spec.md §4.3, component C3):
// a concurrent hash index over logical addresses, instantiated once for the
// Main store (byte-string values) and once for the Object store (boxed
// collection values, see pkg/object).
package index

import (
	"bytes"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// RMWStatus reports which case an RMW resolved to (spec.md §4.3).
type RMWStatus uint8

const (
	RMWCreated RMWStatus = iota
	RMWCopyUpdated
	RMWInPlaceUpdated
	RMWNotFound
	RMWUnchanged
)

func (s RMWStatus) String() string {
	switch s {
	case RMWCreated:
		return "Created"
	case RMWCopyUpdated:
		return "CopyUpdated"
	case RMWInPlaceUpdated:
		return "InPlaceUpdated"
	case RMWUnchanged:
		return "Unchanged"
	default:
		return "NotFound"
	}
}

// Modifier computes a new value from the current one. exists is false when
// the key was absent. Returning ok=false aborts the RMW with no mutation.
type Modifier func(old []byte, exists bool) (newVal []byte, ok bool)

var seed = maphash.MakeSeed()

func hashKey(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.Write(key)
	return h.Sum64()
}

type bucketEntry struct {
	tag  uint32 // upper bits of the key hash, to disambiguate within a bucket
	head int64  // atomic LogicalAddress of the most recent record for this key
}

type bucket struct {
	mu      sync.Mutex
	entries []*bucketEntry
}

// Index is a single Hybrid KV Index instance (Main or Object).
type Index struct {
	kind    types.StoreKind
	alloc   *allocator.Allocator
	log     zerolog.Logger
	buckets []*bucket
	mask    uint64
}

// New creates an index with 2^indexSizeBits buckets.
func New(kind types.StoreKind, indexSizeBits uint, alloc *allocator.Allocator, log zerolog.Logger) *Index {
	n := uint64(1) << indexSizeBits
	buckets := make([]*bucket, n)
	for i := range buckets {
		buckets[i] = &bucket{}
	}
	return &Index{kind: kind, alloc: alloc, log: log, buckets: buckets, mask: n - 1}
}

func (idx *Index) bucketFor(h uint64) *bucket {
	return idx.buckets[h&idx.mask]
}

// Recover rebuilds the index by scanning every record physically present
// in [from, to) of the backing log and pointing each key's bucket entry at
// its most recent address (spec.md §4.4 "recovery": the index itself isn't
// checkpointed, it's rebuilt from the persisted log). Callers are expected
// to pass the log's own flushed tail as to, and types.FirstValidAddress as
// from for a full rebuild.
func (idx *Index) Recover(from, to types.LogicalAddress) (int, error) {
	pageSize := idx.alloc.PageSize()
	latest := make(map[string]types.LogicalAddress)

	cur := from
	for cur < to {
		data, fut, err := idx.alloc.Physical(cur)
		if err != nil {
			return 0, fmt.Errorf("index: recover: %w", err)
		}
		if fut != nil {
			if data, err = fut.Wait(); err != nil {
				return 0, fmt.Errorf("index: recover: %w", err)
			}
		}

		if isZeroHeader(data) {
			// Allocate skipped the rest of this page rather than straddle the
			// boundary; resume scanning at the next page.
			cur = types.LogicalAddress(((int64(cur) / pageSize) + 1) * pageSize)
			continue
		}

		rec, err := Decode(data)
		if err != nil {
			return 0, fmt.Errorf("index: recover: decode at %s: %w", cur, err)
		}
		latest[string(rec.Key)] = cur
		cur += types.LogicalAddress(types.AlignUp(EncodedSize(len(rec.Key), len(rec.Value))))
	}

	for key, la := range latest {
		h := hashKey([]byte(key))
		b := idx.bucketFor(h)
		b.entries = append(b.entries, &bucketEntry{tag: tagFor(h), head: int64(la)})
	}
	idx.log.Info().Int("keys", len(latest)).Str("from", from.String()).Str("to", to.String()).Msg("index: recovered from log")
	return len(latest), nil
}

func isZeroHeader(data []byte) bool {
	if len(data) < recordHeaderSize {
		return true
	}
	for _, b := range data[:recordHeaderSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

func tagFor(h uint64) uint32 {
	return uint32(h >> 40)
}

// entriesForTag returns every bucket entry sharing key's tag, in insertion
// order. A tag only narrows a key down to 2^24 candidates per bucket; two
// distinct keys landing on the same bucket and tag both get their own
// bucketEntry here, and the caller must resolve each candidate's record and
// check KeyEqual to find the one that's actually key's (spec.md §3
// "overflow chains resolve collisions").
func (idx *Index) entriesForTag(key []byte) (*bucket, uint32, []*bucketEntry) {
	h := hashKey(key)
	b := idx.bucketFor(h)
	tag := tagFor(h)

	b.mu.Lock()
	defer b.mu.Unlock()
	var candidates []*bucketEntry
	for _, e := range b.entries {
		if e.tag == tag {
			candidates = append(candidates, e)
		}
	}
	return b, tag, candidates
}

// Future resolves an allocator-level pending read.
type Future interface {
	Wait() ([]byte, error)
}

// Session is a per-caller handle tracking issued-but-not-yet-completed
// operations, preserving issue order (spec.md §4.3 "pending completion
// contract").
type Session struct {
	idx     *Index
	mu      sync.Mutex
	pending []pendingOp
}

type pendingOp struct {
	kind string
	key  []byte
	fut  *allocator.Future
}

// NewSession opens a session against this index.
func (idx *Index) NewSession() *Session {
	return &Session{idx: idx}
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	Found   bool
	Value   []byte
	Pending bool
}

// Read locates key via the hash index and, if the backing page is resident,
// returns its value immediately. If the page has been evicted, Read returns
// Pending=true and parks a continuation on the session; the caller must call
// CompletePending and then retry Read, which will now resolve synchronously
// — the same retry-after-complete-pending pattern FASTER/Tsavorite use.
func (s *Session) Read(key []byte) (ReadResult, error) {
	_, _, candidates := s.idx.entriesForTag(key)

	for _, entry := range candidates {
		head := types.LogicalAddress(atomic.LoadInt64(&entry.head))
		data, fut, err := s.idx.alloc.Physical(head)
		if err != nil {
			return ReadResult{}, err
		}
		if fut != nil {
			s.mu.Lock()
			s.pending = append(s.pending, pendingOp{kind: "read", key: key, fut: fut})
			s.mu.Unlock()
			return ReadResult{Pending: true}, nil
		}

		rec, err := Decode(data)
		if err != nil {
			return ReadResult{}, err
		}
		if !KeyEqual(rec, key) {
			continue
		}
		if rec.Info.Tombstone {
			return ReadResult{Found: false}, nil
		}
		return ReadResult{Found: true, Value: append([]byte(nil), rec.Value...)}, nil
	}
	return ReadResult{Found: false}, nil
}

// CompletePending drains the session's pending queue in issue order. When
// wait is true it blocks until every pending op's backing page is resident;
// when false it only drains ops that are already resolved.
func (s *Session) CompletePending(wait bool) error {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	var remaining []pendingOp
	for _, op := range ops {
		if !wait {
			select {
			case <-opDone(op.fut):
			default:
				remaining = append(remaining, op)
				continue
			}
		}
		if _, err := op.fut.Wait(); err != nil {
			return fmt.Errorf("index: complete_pending: %w", err)
		}
	}

	if len(remaining) > 0 {
		s.mu.Lock()
		s.pending = append(remaining, s.pending...)
		s.mu.Unlock()
	}
	return nil
}

func opDone(fut *allocator.Future) <-chan struct{} {
	// The Future's Done channel lets the select statement above poll for
	// completion without blocking.
	return fut.Done()
}

// RMW performs an atomic read-modify-write: it reads the current value (or
// NotFound), computes the new value via modifier, and appends a new record,
// CASing the index head from the old LA to the new one (spec.md §4.3).
func (s *Session) RMW(key []byte, modifier Modifier) (RMWStatus, error) {
	b, tag, candidates := s.idx.entriesForTag(key)

	var head types.LogicalAddress
	var entry *bucketEntry
	var old []byte
	var oldInfo types.RecordInfo
	found := false

	for _, e := range candidates {
		h := types.LogicalAddress(atomic.LoadInt64(&e.head))
		data, fut, err := s.idx.alloc.Physical(h)
		if err != nil {
			return RMWNotFound, err
		}
		if fut != nil {
			if _, err := fut.Wait(); err != nil {
				return RMWNotFound, err
			}
			data, _, err = s.idx.alloc.Physical(h)
			if err != nil {
				return RMWNotFound, err
			}
		}
		rec, err := Decode(data)
		if err != nil {
			return RMWNotFound, err
		}
		if !KeyEqual(rec, key) {
			continue
		}
		entry, head = e, h
		if !rec.Info.Tombstone {
			old, oldInfo, found = rec.Value, rec.Info, true
		}
		break
	}

	newVal, ok := modifier(old, found)
	if !ok {
		if !found {
			return RMWNotFound, nil
		}
		return RMWUnchanged, nil
	}

	info := types.RecordInfo{Version: oldInfo.Version + 1, PreviousAddr: head}
	size := EncodedSize(len(key), len(newVal))
	newLA, err := s.idx.alloc.Allocate(size)
	if err != nil {
		return RMWNotFound, err
	}
	buf, _, err := s.idx.alloc.Physical(newLA)
	if err != nil {
		return RMWNotFound, err
	}
	Encode(buf, info, key, newVal)

	if entry == nil {
		b.mu.Lock()
		b.entries = append(b.entries, &bucketEntry{tag: tag, head: int64(newLA)})
		b.mu.Unlock()
		return RMWCreated, nil
	}

	if !atomic.CompareAndSwapInt64(&entry.head, int64(head), int64(newLA)) {
		return RMWNotFound, fmt.Errorf("index: concurrent modification of key %q, retry", string(key))
	}
	if !found {
		return RMWCreated, nil
	}
	return RMWCopyUpdated, nil
}

// Delete appends a tombstone record and CASes the index head to it.
func (s *Session) Delete(key []byte) error {
	_, _, candidates := s.idx.entriesForTag(key)

	var head types.LogicalAddress
	var entry *bucketEntry
	for _, e := range candidates {
		h := types.LogicalAddress(atomic.LoadInt64(&e.head))
		data, fut, err := s.idx.alloc.Physical(h)
		if err != nil {
			return err
		}
		if fut != nil {
			if data, err = fut.Wait(); err != nil {
				return err
			}
		}
		rec, err := Decode(data)
		if err != nil {
			return err
		}
		if KeyEqual(rec, key) {
			entry, head = e, h
			break
		}
	}
	if entry == nil {
		return nil
	}

	info := types.RecordInfo{Tombstone: true, PreviousAddr: head}
	size := EncodedSize(len(key), 0)
	la, err := s.idx.alloc.Allocate(size)
	if err != nil {
		return err
	}
	buf, _, err := s.idx.alloc.Physical(la)
	if err != nil {
		return err
	}
	Encode(buf, info, key, nil)

	if !atomic.CompareAndSwapInt64(&entry.head, int64(head), int64(la)) {
		return fmt.Errorf("index: concurrent modification of key %q, retry", string(key))
	}
	return nil
}

// Contains is a convenience wrapper for callers (e.g. the migration engine)
// that only need existence, not the value.
func (s *Session) Contains(key []byte) (bool, error) {
	res, err := s.Read(key)
	if err != nil {
		return false, err
	}
	if res.Pending {
		if err := s.CompletePending(true); err != nil {
			return false, err
		}
		return s.Contains(key)
	}
	return res.Found, nil
}

// KeyEqual reports whether the resolved record actually stores this exact
// key, guarding against the rare case of two keys sharing a bucket tag.
func KeyEqual(rec Decoded, key []byte) bool {
	return bytes.Equal(rec.Key, key)
}
