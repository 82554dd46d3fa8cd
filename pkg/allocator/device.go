package allocator

import (
	"io"
	"os"
	"sync"
)

// Device is the block-device abstraction the allocator flushes pages to and
// reads them back from. Implementations must be safe for concurrent
// WriteAt/ReadAt at disjoint offsets (matching os.File's pwrite/pread
// semantics).
type Device interface {
	ReadAt(p []byte, offset int64) (int, error)
	WriteAt(p []byte, offset int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	// Size reports the device's current durable extent, used on recovery to
	// find where a log's flushed tail left off (spec.md §4.4 "recovery").
	Size() (int64, error)
}

// FileDevice is a Device backed by a single regular file. The file is not
// pre-sized to segment boundaries; it grows as pages are written to it.
type FileDevice struct {
	f *os.File
}

// NewFileDevice opens (creating if necessary) a file-backed device.
func NewFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, offset int64) (int, error)  { return d.f.ReadAt(p, offset) }
func (d *FileDevice) WriteAt(p []byte, offset int64) (int, error) { return d.f.WriteAt(p, offset) }
func (d *FileDevice) Truncate(size int64) error                   { return d.f.Truncate(size) }
func (d *FileDevice) Sync() error                                 { return d.f.Sync() }
func (d *FileDevice) Close() error                                { return d.f.Close() }

func (d *FileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// MemoryDevice is an in-memory Device used for tests and for
// --main-memory-replication style deployments that never touch disk.
type MemoryDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryDevice creates an empty in-memory device.
func NewMemoryDevice() *MemoryDevice { return &MemoryDevice{} }

func (d *MemoryDevice) ReadAt(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[offset:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (d *MemoryDevice) WriteAt(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := offset + int64(len(p))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[offset:end], p)
	return len(p), nil
}

func (d *MemoryDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size < int64(len(d.data)) {
		d.data = d.data[:size]
	} else if size > int64(len(d.data)) {
		grown := make([]byte, size)
		copy(grown, d.data)
		d.data = grown
	}
	return nil
}

func (d *MemoryDevice) Sync() error  { return nil }
func (d *MemoryDevice) Close() error { return nil }

func (d *MemoryDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}
