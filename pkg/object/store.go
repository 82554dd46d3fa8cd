package object

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/index"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Store wraps a Hybrid KV Index instantiated over types.ObjectStore,
// transcoding Serializer values through Envelope/Unenvelope at the index
// boundary so the index itself stays value-shape agnostic.
type Store struct {
	idx *index.Index
	log zerolog.Logger
}

// NewStore creates the Object store instantiation of the Hybrid KV Index.
func NewStore(indexSizeBits uint, alloc *allocator.Allocator, log zerolog.Logger) *Store {
	return &Store{idx: index.New(types.ObjectStore, indexSizeBits, alloc, log), log: log}
}

// Session is a per-caller handle, mirroring index.Session's retry-after-
// complete-pending contract for object reads.
type Session struct {
	s *Store
	is *index.Session
}

// NewSession opens a session against the object store.
func (s *Store) NewSession() *Session {
	return &Session{s: s, is: s.idx.NewSession()}
}

// Index exposes the underlying Hybrid KV Index, for recovery replay
// (spec.md §4.4) which operates below the Serializer envelope.
func (s *Store) Index() *index.Index { return s.idx }

// CompletePending drains the session's pending page-in queue.
func (s *Session) CompletePending(wait bool) error { return s.is.CompletePending(wait) }

// Get returns the decoded collection value for key, or found=false.
func (s *Session) Get(key []byte) (val Serializer, found bool, pending bool, err error) {
	res, err := s.is.Read(key)
	if err != nil {
		return nil, false, false, err
	}
	if res.Pending {
		return nil, false, true, nil
	}
	if !res.Found {
		return nil, false, false, nil
	}
	kind, payload, err := Unenvelope(res.Value)
	if err != nil {
		return nil, false, false, err
	}
	val, err = Deserialize(kind, payload)
	if err != nil {
		return nil, false, false, err
	}
	return val, true, false, nil
}

// Update performs a read-modify-write over the collection at key: fn receives
// the existing value and returns the new value to store, or ok=false to abort
// with no mutation. When the key is absent, fn receives newIfAbsent()'s
// result, or nil if newIfAbsent is nil.
func (s *Session) Update(key []byte, newIfAbsent func() Serializer, fn func(cur Serializer) (Serializer, bool)) (index.RMWStatus, error) {
	modifier := func(old []byte, exists bool) ([]byte, bool) {
		var cur Serializer
		if exists {
			kind, payload, err := Unenvelope(old)
			if err != nil {
				return nil, false
			}
			cur, err = Deserialize(kind, payload)
			if err != nil {
				return nil, false
			}
		} else if newIfAbsent != nil {
			cur = newIfAbsent()
		}

		next, ok := fn(cur)
		if !ok {
			return nil, false
		}
		enc, err := Envelope(next)
		if err != nil {
			return nil, false
		}
		return enc, true
	}
	return s.is.RMW(key, modifier)
}

// Delete removes the collection at key entirely.
func (s *Session) Delete(key []byte) error { return s.is.Delete(key) }

// ErrWrongKind is returned when a caller assumes a kind that doesn't match
// the stored value's tag (the RESP-level WRONGTYPE condition).
var ErrWrongKind = fmt.Errorf("object: value is not the expected kind")

// AsSortedSet type-asserts val as *SortedSet, returning ErrWrongKind on a
// mismatched kind. Analogous helpers exist for the other collection kinds.
func AsSortedSet(val Serializer) (*SortedSet, error) {
	if ss, ok := val.(*SortedSet); ok {
		return ss, nil
	}
	return nil, ErrWrongKind
}

func AsList(val Serializer) (*List, error) {
	if l, ok := val.(*List); ok {
		return l, nil
	}
	return nil, ErrWrongKind
}

func AsSet(val Serializer) (*Set, error) {
	if st, ok := val.(*Set); ok {
		return st, nil
	}
	return nil, ErrWrongKind
}

func AsHash(val Serializer) (*Hash, error) {
	if h, ok := val.(*Hash); ok {
		return h, nil
	}
	return nil, ErrWrongKind
}

func AsHyperLogLog(val Serializer) (*HyperLogLog, error) {
	if h, ok := val.(*HyperLogLog); ok {
		return h, nil
	}
	return nil, ErrWrongKind
}

func AsGeo(val Serializer) (*Geo, error) {
	if g, ok := val.(*Geo); ok {
		return g, nil
	}
	return nil, ErrWrongKind
}
