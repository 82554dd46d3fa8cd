// Package allocator implements the log-structured allocator (spec.md §4.2,
// component C2): an in-memory ring of pages backing a linear logical-address
// space, with asynchronous flush to an underlying Device and read-back on
// demand.
package allocator

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Config configures a single allocator instance.
type Config struct {
	PageSizeBits     uint // log_page_size_bits
	MemorySizeBits   uint // total resident bytes = 1<<MemorySizeBits
	SegmentSizeBits  uint // device segment size, for truncate granularity
	SectorSize       int
}

// Future resolves a pending physical() call once the backing page has been
// read from the device.
type Future struct {
	done chan struct{}
	page []byte
	err  error
}

// Wait blocks until the read completes and returns the page's bytes from the
// requested address onward.
func (f *Future) Wait() ([]byte, error) {
	<-f.done
	return f.page, f.err
}

// Done returns a channel that closes once the read completes, for callers
// that want to poll readiness without blocking (e.g. a non-waiting
// CompletePending drain).
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type page struct {
	data     []byte
	resident bool
	dirty    bool
}

// Allocator owns a circular in-memory page ring and the monotonic logical
// address space backed by it.
type Allocator struct {
	cfg    Config
	pageSize int64
	numPages int64 // ring capacity in pages

	device Device
	epoch  *Epoch
	log    zerolog.Logger

	mu    sync.RWMutex // protects pages slice contents (residency, dirty bits)
	pages []*page       // ring, indexed by pageIndex % numPages

	tail         int64 // atomic LogicalAddress: next byte to allocate
	beginAddress int64 // atomic: read horizon, advanced by shift_begin_address
	headAddress  int64 // atomic: boundary below which pages are read-only/flushed
	flushedUpTo  int64 // atomic: durable boundary (flush_to's guarantee)
}

// New creates an allocator with an empty log starting at
// types.FirstValidAddress.
func New(cfg Config, device Device, log zerolog.Logger) (*Allocator, error) {
	if cfg.PageSizeBits == 0 || cfg.MemorySizeBits < cfg.PageSizeBits {
		return nil, fmt.Errorf("allocator: invalid size configuration")
	}
	pageSize := int64(1) << cfg.PageSizeBits
	numPages := int64(1) << (cfg.MemorySizeBits - cfg.PageSizeBits)
	if numPages < 2 {
		numPages = 2
	}

	a := &Allocator{
		cfg:          cfg,
		pageSize:     pageSize,
		numPages:     numPages,
		device:       device,
		epoch:        NewEpoch(),
		log:          log,
		pages:        make([]*page, numPages),
		tail:         int64(types.FirstValidAddress),
		beginAddress: int64(types.FirstValidAddress),
		headAddress:  int64(types.FirstValidAddress),
		flushedUpTo:  int64(types.FirstValidAddress),
	}
	firstPageIdx := int64(types.FirstValidAddress) >> cfg.PageSizeBits
	a.pages[firstPageIdx%numPages] = &page{data: make([]byte, pageSize), resident: true}
	return a, nil
}

// Recover creates an allocator that resumes an existing on-disk log at
// tail instead of starting fresh at FirstValidAddress (spec.md §4.4
// "recovery"). Pages below tail are left non-resident and rehydrated
// lazily via Physical, exactly like a normal evicted page; the tail's own
// page is read back eagerly here because ensurePage/markDirty never
// perform a device read themselves, so a later Allocate landing in an
// uninitialized tail page would otherwise silently lose the append.
func Recover(cfg Config, device Device, tail types.LogicalAddress, log zerolog.Logger) (*Allocator, error) {
	if cfg.PageSizeBits == 0 || cfg.MemorySizeBits < cfg.PageSizeBits {
		return nil, fmt.Errorf("allocator: invalid size configuration")
	}
	if tail < types.FirstValidAddress {
		tail = types.FirstValidAddress
	}
	pageSize := int64(1) << cfg.PageSizeBits
	numPages := int64(1) << (cfg.MemorySizeBits - cfg.PageSizeBits)
	if numPages < 2 {
		numPages = 2
	}

	a := &Allocator{
		cfg:          cfg,
		pageSize:     pageSize,
		numPages:     numPages,
		device:       device,
		epoch:        NewEpoch(),
		log:          log,
		pages:        make([]*page, numPages),
		tail:         int64(tail),
		beginAddress: int64(types.FirstValidAddress),
		headAddress:  int64(tail),
		flushedUpTo:  int64(tail),
	}

	tailPageIdx := int64(tail) >> cfg.PageSizeBits
	buf := make([]byte, pageSize)
	if _, err := device.ReadAt(buf, tailPageIdx*pageSize); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("allocator: recover tail page: %w", gerr.NewIoError(err))
	}
	a.pages[tailPageIdx%numPages] = &page{data: buf, resident: true}

	log.Info().Str("tail", tail.String()).Msg("allocator: recovered")
	return a, nil
}

// PageSize returns the allocator's configured page size in bytes, for
// callers (e.g. index recovery) that need to walk page boundaries directly.
func (a *Allocator) PageSize() int64 { return a.pageSize }

// Epoch exposes the allocator's epoch table so callers (the index, AOF) can
// enter the same protected region before dereferencing a physical pointer.
func (a *Allocator) Epoch() *Epoch { return a.epoch }

// Device exposes the backing device for callers that need raw byte-range
// access below the page cache, such as streaming a full snapshot to a
// bootstrapping replica.
func (a *Allocator) Device() Device { return a.device }

func (a *Allocator) pageIndex(la types.LogicalAddress) int64 {
	return int64(la) >> a.cfg.PageSizeBits
}

func (a *Allocator) pageOffset(la types.LogicalAddress) int64 {
	mask := a.pageSize - 1
	return int64(la) & mask
}

// Tail returns the current (monotonically increasing) tail address.
func (a *Allocator) Tail() types.LogicalAddress {
	return types.LogicalAddress(atomic.LoadInt64(&a.tail))
}

// BeginAddress returns the current read horizon.
func (a *Allocator) BeginAddress() types.LogicalAddress {
	return types.LogicalAddress(atomic.LoadInt64(&a.beginAddress))
}

// Allocate reserves size bytes (rounded up to types.RecordAlignment) at the
// tail of the log and returns the starting logical address. It never
// straddles a page boundary: if size doesn't fit in the current tail page, a
// new page is allocated first (spec.md §4.2 "allocate").
func (a *Allocator) Allocate(size int64) (types.LogicalAddress, error) {
	aligned := types.AlignUp(size)
	if aligned > a.pageSize {
		return 0, fmt.Errorf("allocator: record of %d bytes exceeds page size %d", size, a.pageSize)
	}

	for {
		cur := atomic.LoadInt64(&a.tail)
		curPage := cur >> a.cfg.PageSizeBits
		offsetInPage := cur & (a.pageSize - 1)

		start := cur
		if offsetInPage+aligned > a.pageSize {
			// Doesn't fit: advance to the next page boundary instead.
			start = (curPage + 1) << a.cfg.PageSizeBits
		}
		next := start + aligned

		if !atomic.CompareAndSwapInt64(&a.tail, cur, next) {
			continue
		}

		startPageIdx := start >> a.cfg.PageSizeBits
		if startPageIdx != curPage || offsetInPage == 0 {
			a.ensurePage(startPageIdx)
		}
		a.markDirty(startPageIdx)
		return types.LogicalAddress(start), nil
	}
}

func (a *Allocator) ensurePage(idx int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot := idx % a.numPages
	if a.pages[slot] == nil || !a.pages[slot].resident {
		a.pages[slot] = &page{data: make([]byte, a.pageSize), resident: true}
	}
}

func (a *Allocator) markDirty(idx int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.pages[idx%a.numPages]; p != nil {
		p.dirty = true
	}
}

// Physical returns a slice of the page containing la, starting at la, if the
// page is resident in memory; the Future is then nil. If the page has been
// evicted, it schedules an async device read and returns a Future instead,
// whose Wait yields the same slice starting at la.
func (a *Allocator) Physical(la types.LogicalAddress) ([]byte, *Future, error) {
	if la < types.LogicalAddress(atomic.LoadInt64(&a.beginAddress)) {
		return nil, nil, fmt.Errorf("allocator: %w: address %s below begin_address", gerr.ErrInvalidBeginAddress, la)
	}

	idx := a.pageIndex(la)
	off := a.pageOffset(la)

	a.mu.RLock()
	p := a.pages[idx%a.numPages]
	resident := p != nil && p.resident
	var data []byte
	if resident {
		data = p.data[off:]
	}
	a.mu.RUnlock()

	if resident {
		return data, nil, nil
	}

	fut := &Future{done: make(chan struct{})}
	go a.readPage(idx, off, fut)
	return nil, fut, nil
}

func (a *Allocator) readPage(idx, off int64, fut *Future) {
	buf := make([]byte, a.pageSize)
	_, err := a.device.ReadAt(buf, idx*a.pageSize)
	if err != nil {
		fut.err = gerr.NewIoError(err)
		close(fut.done)
		return
	}

	a.mu.Lock()
	a.pages[idx%a.numPages] = &page{data: buf, resident: true}
	a.mu.Unlock()

	fut.page = buf[off:]
	close(fut.done)
}

// FlushTo guarantees all records below la are durable before it returns.
// Pages are flushed strictly in page-index order so a flush never reorders
// relative to a prior in-flight flush (spec.md §4.2 invariant iii).
func (a *Allocator) FlushTo(la types.LogicalAddress) error {
	target := a.pageIndex(la)
	if a.pageOffset(la) != 0 {
		// la's own page also holds records below la.
		target++
	}

	a.mu.Lock()
	flushedIdx := atomic.LoadInt64(&a.flushedUpTo) >> a.cfg.PageSizeBits
	var toFlush []int64
	for idx := flushedIdx; idx < target; idx++ {
		if p := a.pages[idx%a.numPages]; p != nil && p.dirty {
			toFlush = append(toFlush, idx)
		}
	}
	a.mu.Unlock()

	for _, idx := range toFlush {
		a.mu.RLock()
		p := a.pages[idx%a.numPages]
		var data []byte
		if p != nil {
			data = append([]byte(nil), p.data...)
		}
		a.mu.RUnlock()
		if data == nil {
			continue
		}
		if _, err := a.device.WriteAt(data, idx*a.pageSize); err != nil {
			return gerr.NewIoError(err)
		}
		a.mu.Lock()
		if p := a.pages[idx%a.numPages]; p != nil {
			p.dirty = false
		}
		a.mu.Unlock()
	}

	if err := a.device.Sync(); err != nil {
		return gerr.NewIoError(err)
	}
	atomic.StoreInt64(&a.flushedUpTo, int64(la))
	return nil
}

// EvictBelow frees resident pages strictly below headIdx, retiring them
// through the epoch table so in-flight readers of those pages are not
// disrupted. Pages must already be flushed.
func (a *Allocator) EvictBelow(headIdx int64) {
	a.mu.Lock()
	var toEvict []int64
	for idx := int64(0); idx < headIdx; idx++ {
		slot := idx % a.numPages
		if p := a.pages[slot]; p != nil && p.resident && !p.dirty {
			toEvict = append(toEvict, idx)
		}
	}
	a.mu.Unlock()

	if len(toEvict) == 0 {
		return
	}
	epochAtRetire := a.epoch.BumpEpoch()
	for _, idx := range toEvict {
		idx := idx
		a.epoch.Retire(epochAtRetire, func() {
			a.mu.Lock()
			if p := a.pages[idx%a.numPages]; p != nil {
				p.resident = false
				p.data = nil
			}
			a.mu.Unlock()
		})
	}
}

// ShiftBeginAddress advances the read horizon. If truncateLog is true, the
// device is truncated to the new begin address, which ShiftBeginAddress
// rounds down to a segment boundary.
func (a *Allocator) ShiftBeginAddress(newBegin types.LogicalAddress, truncateLog bool) error {
	tail := atomic.LoadInt64(&a.tail)
	if int64(newBegin) > tail {
		return fmt.Errorf("allocator: %w: new_begin=%s tail=%s", gerr.ErrInvalidBeginAddress, newBegin, types.LogicalAddress(tail))
	}
	cur := atomic.LoadInt64(&a.beginAddress)
	if int64(newBegin) <= cur {
		return nil
	}
	atomic.StoreInt64(&a.beginAddress, int64(newBegin))

	newHeadIdx := a.pageIndex(newBegin)
	a.EvictBelow(newHeadIdx)

	if truncateLog {
		segSize := int64(1) << a.cfg.SegmentSizeBits
		truncateAt := (int64(newBegin) / segSize) * segSize
		if err := a.device.Truncate(truncateAt); err != nil {
			return gerr.NewIoError(err)
		}
	}
	a.log.Debug().Int64("new_begin", int64(newBegin)).Bool("truncate", truncateLog).Msg("allocator: shifted begin address")
	return nil
}

// Close flushes the tail and closes the underlying device.
func (a *Allocator) Close() error {
	if err := a.FlushTo(a.Tail()); err != nil {
		return err
	}
	return a.device.Close()
}
