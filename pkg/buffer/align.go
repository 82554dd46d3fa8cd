package buffer

import "unsafe"

// alignSliceUnsafe returns the sub-slice of b starting at the first address
// that is a multiple of sectorSize. b must have at least sectorSize spare
// bytes beyond the size the caller intends to use, which Acquire guarantees
// by over-allocating by one sector.
func alignSliceUnsafe(b []byte, sectorSize int) []byte {
	addr := uintptr(unsafe.Pointer(&b[0]))
	offset := 0
	if rem := addr % uintptr(sectorSize); rem != 0 {
		offset = int(uintptr(sectorSize) - rem)
	}
	return b[offset:]
}
