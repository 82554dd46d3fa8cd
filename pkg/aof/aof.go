package aof

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/allocator"
	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// AOF is a single-writer append-only durability log. Every mutation that
// must survive a crash or be shipped to a replica is enqueued here before
// being applied to the Main/Object store indexes.
type AOF struct {
	alloc *allocator.Allocator
	log   zerolog.Logger

	commitMu  sync.Mutex
	commitCnd *sync.Cond
	committed int64 // atomic-guarded by commitMu/commitCnd, last durable LA
}

// New creates an AOF log backed by alloc. alloc should be dedicated to the
// AOF (not shared with the Main/Object store logs), matching spec.md's
// separate logical address space per log.
func New(alloc *allocator.Allocator, log zerolog.Logger) *AOF {
	a := &AOF{alloc: alloc, log: log, committed: int64(alloc.BeginAddress())}
	a.commitCnd = sync.NewCond(&a.commitMu)
	return a
}

// NewRecovered creates an AOF log over an allocator.Recover'd allocator,
// with the durable boundary set to the recovered tail rather than
// BeginAddress: everything the allocator resumed from is already on disk,
// so it counts as committed from the moment the AOF is reopened (spec.md
// §4.4 "recovery").
func NewRecovered(alloc *allocator.Allocator, log zerolog.Logger) *AOF {
	a := &AOF{alloc: alloc, log: log, committed: int64(alloc.Tail())}
	a.commitCnd = sync.NewCond(&a.commitMu)
	return a
}

// Enqueue appends a frame to the log and returns its logical address. The
// record is not guaranteed durable until Commit advances the durable
// boundary past it; callers needing a durability guarantee should follow up
// with WaitForCommit.
func (a *AOF) Enqueue(header types.AofHeader, payload []byte) (types.LogicalAddress, error) {
	size := EncodedSize(len(payload))
	la, err := a.alloc.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("aof: enqueue: %w", err)
	}
	buf, fut, err := a.alloc.Physical(la)
	if err != nil {
		return 0, err
	}
	if fut != nil {
		// The page backing a fresh allocation is always resident; a Future
		// here would indicate the allocator evicted a page out from under
		// its own tail, which is a bug in the allocator, not a condition
		// callers should handle.
		return 0, fmt.Errorf("aof: enqueue: unexpected pending page for freshly allocated address")
	}
	Encode(buf, header, payload)
	return la, nil
}

// Commit flushes all enqueued frames up to the current tail, making them
// durable. When spinWait is true, Commit blocks until the flush completes;
// when false, it kicks off the flush and returns immediately, relying on a
// later Commit or WaitForCommit call to observe completion. Fast-commit
// frames (payload <= 64 bytes, spec.md §4.5) are not special-cased here
// beyond being flagged on disk: the allocator's page-granular flush already
// makes committing a handful of small frames cheap, so a separate
// fast-commit code path isn't needed to hit the same latency target.
func (a *AOF) Commit(spinWait bool) error {
	target := a.alloc.Tail()
	if !spinWait {
		go a.commit(target)
		return nil
	}
	return a.commit(target)
}

func (a *AOF) commit(target types.LogicalAddress) error {
	if err := a.alloc.FlushTo(target); err != nil {
		return fmt.Errorf("aof: commit: %w", err)
	}
	a.commitMu.Lock()
	if int64(target) > a.committed {
		a.committed = int64(target)
	}
	a.commitMu.Unlock()
	a.commitCnd.Broadcast()
	return nil
}

// BeginAddr returns the log's current begin address (read horizon).
func (a *AOF) BeginAddr() types.LogicalAddress {
	return a.alloc.BeginAddress()
}

// Tail returns the log's current write tail.
func (a *AOF) Tail() types.LogicalAddress {
	return a.alloc.Tail()
}

// CommittedUpTo returns the current durable boundary.
func (a *AOF) CommittedUpTo() types.LogicalAddress {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	return types.LogicalAddress(a.committed)
}

// WaitForCommit blocks until la is durable.
func (a *AOF) WaitForCommit(la types.LogicalAddress) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	for a.committed < int64(la) {
		a.commitCnd.Wait()
	}
}

// Iterator walks committed frames in [from, to).
type Iterator struct {
	aof *AOF
	cur types.LogicalAddress
	to  types.LogicalAddress
}

// Iterate returns a cursor over frames in [from, to). to must not exceed
// CommittedUpTo(); callers replaying for a replica should clamp to it.
func (a *AOF) Iterate(from, to types.LogicalAddress) (*Iterator, error) {
	if to > a.CommittedUpTo() {
		return nil, fmt.Errorf("aof: iterate: to=%s exceeds committed boundary %s", to, a.CommittedUpTo())
	}
	return &Iterator{aof: a, cur: from, to: to}, nil
}

// Next returns the next frame, or ok=false once the cursor reaches to.
func (it *Iterator) Next() (frame DecodedFrame, addr types.LogicalAddress, ok bool, err error) {
	if it.cur >= it.to {
		return DecodedFrame{}, 0, false, nil
	}
	buf, fut, err := it.aof.alloc.Physical(it.cur)
	if err != nil {
		return DecodedFrame{}, 0, false, err
	}
	if fut != nil {
		buf, err = fut.Wait()
		if err != nil {
			return DecodedFrame{}, 0, false, err
		}
	}
	// A frame never straddles a page, so the unused end of a page reads as
	// zeros; no frame has an all-zero header, so skip to the next page.
	padding := true
	for i := 0; i < frameHeaderSize && i < len(buf); i++ {
		if buf[i] != 0 {
			padding = false
			break
		}
	}
	if padding {
		ps := it.aof.alloc.PageSize()
		it.cur = types.LogicalAddress((int64(it.cur)/ps + 1) * ps)
		return it.Next()
	}
	decoded, err := Decode(buf)
	if err != nil {
		return DecodedFrame{}, 0, false, err
	}
	addr = it.cur
	it.cur += types.LogicalAddress(types.AlignUp(decoded.EncodedSize))
	return decoded, addr, true, nil
}

// SafeTruncate advances the log's begin address to the minimum of
// coveredLA and minReplicaAckedLA (spec.md §4.5 "safe truncation"), so a
// connected replica is never asked to read data the AOF has discarded. When
// mainMemoryReplicationOverride is true, replica acknowledgement is ignored
// and coveredLA is used directly; callers must only set this when no durable
// replica catch-up is required.
func (a *AOF) SafeTruncate(coveredLA, minReplicaAckedLA types.LogicalAddress, mainMemoryReplicationOverride bool) error {
	truncateTo := coveredLA
	if !mainMemoryReplicationOverride && minReplicaAckedLA < truncateTo {
		truncateTo = minReplicaAckedLA
	}
	if mainMemoryReplicationOverride {
		a.log.Warn().Str("covered", coveredLA.String()).Msg("aof: truncating without waiting for replica acknowledgement")
	}
	if err := a.alloc.ShiftBeginAddress(truncateTo, true); err != nil {
		return fmt.Errorf("aof: safe_truncate: %w: %w", gerr.ErrSafeTruncateRejected, err)
	}
	return nil
}
