// Package buffer implements the sector-aligned buffer pool (spec.md §4.1,
// component C1): a size-classed pool of page-aligned byte buffers used by the
// log-structured allocator for direct device I/O.
package buffer

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffer is a pinned, page-aligned byte span handed out by the pool. Callers
// must not retain AlignedPointer past Release.
type Buffer struct {
	raw            []byte
	AlignedPointer []byte // sector-aligned view into raw
	class          int
}

// Len returns the usable (aligned) length of the buffer.
func (b *Buffer) Len() int { return len(b.AlignedPointer) }

// Pool is a size-classed pool of sector-aligned buffers. Each class is a
// stack guarded by its own mutex; the pool is not lock-free. There are 32
// size classes indexed by ceil(log2(num_sectors)).
type Pool struct {
	sectorSize int
	debug      bool

	mu      [32]sync.Mutex
	classes [32][]*Buffer
}

// NewPool creates a pool whose buffers are aligned to sectorSize (must be a
// power of two, e.g. 512 or 4096).
func NewPool(sectorSize int, debug bool) (*Pool, error) {
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("buffer: sector size %d is not a power of two", sectorSize)
	}
	return &Pool{sectorSize: sectorSize, debug: debug}, nil
}

func classFor(numSectors int) int {
	if numSectors <= 1 {
		return 0
	}
	return bits.Len(uint(numSectors - 1))
}

// Acquire returns a buffer sized to at least numSectors*sectorSize bytes,
// rounded up to the size class's sector count, with AlignedPointer starting
// at a sector boundary.
func (p *Pool) Acquire(numSectors int) (*Buffer, error) {
	if numSectors <= 0 {
		numSectors = 1
	}
	class := classFor(numSectors)
	if class >= len(p.classes) {
		return nil, fmt.Errorf("buffer: requested size class %d exceeds pool capacity", class)
	}

	p.mu[class].Lock()
	stack := p.classes[class]
	var buf *Buffer
	if n := len(stack); n > 0 {
		buf = stack[n-1]
		p.classes[class] = stack[:n-1]
	}
	p.mu[class].Unlock()

	if buf != nil {
		return buf, nil
	}

	sectors := 1 << class
	size := sectors * p.sectorSize
	// Over-allocate by one sector so we can hand back a slice that starts
	// exactly at a sector boundary regardless of the Go allocator's own
	// alignment, then pin it by never letting it shrink below `raw`'s backing
	// array (Go doesn't move heap memory, so this is sufficient pinning for
	// the lifetime of the Buffer).
	raw := make([]byte, size+p.sectorSize)
	aligned := alignSlice(raw, p.sectorSize)[:size]
	return &Buffer{raw: raw, AlignedPointer: aligned, class: class}, nil
}

func alignSlice(b []byte, sectorSize int) []byte {
	// We cannot introspect the real pointer value from pure Go without
	// unsafe; the unsafe.Pointer arithmetic is restricted to alignSliceUnsafe.
	return alignSliceUnsafe(b, sectorSize)
}

// Release zeroes the buffer and returns it to its size class. When debug mode
// is enabled, the buffer is filled with the marker byte 0xDD instead of
// zeroes, to catch use-after-release.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if p.debug {
		for i := range b.AlignedPointer {
			b.AlignedPointer[i] = 0xDD
		}
	} else {
		clear(b.AlignedPointer)
	}
	p.mu[b.class].Lock()
	p.classes[b.class] = append(p.classes[b.class], b)
	p.mu[b.class].Unlock()
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
