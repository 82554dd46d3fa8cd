package index

import (
	"encoding/binary"
	"fmt"

	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Record on-disk/in-log layout (spec.md §3 "Record"):
//
//	byte 0       : flags (tombstone | sealed | modified | filler-present)
//	byte 1-2     : version (uint16 LE)
//	byte 3-10    : previous version LA (int64 LE)
//	byte 11-14   : key length (uint32 LE)
//	byte 15-18   : value length (uint32 LE)
//	...          : key bytes
//	...          : value bytes
const recordHeaderSize = 1 + 2 + 8 + 4 + 4

const (
	flagTombstone     byte = 1 << 0
	flagSealed        byte = 1 << 1
	flagModified      byte = 1 << 2
	flagFillerPresent byte = 1 << 3
)

// EncodedSize returns the on-log size of a record holding keyLen/valueLen
// bytes (before RecordAlignment rounding).
func EncodedSize(keyLen, valueLen int) int64 {
	return int64(recordHeaderSize + keyLen + valueLen)
}

// Encode serializes a record into dst, which must be at least
// EncodedSize(len(key), len(value)) bytes.
func Encode(dst []byte, info types.RecordInfo, key, value []byte) {
	var flags byte
	if info.Tombstone {
		flags |= flagTombstone
	}
	if info.Sealed {
		flags |= flagSealed
	}
	if info.Modified {
		flags |= flagModified
	}
	if info.FillerPresent {
		flags |= flagFillerPresent
	}
	dst[0] = flags
	binary.LittleEndian.PutUint16(dst[1:3], info.Version)
	binary.LittleEndian.PutUint64(dst[3:11], uint64(info.PreviousAddr))
	binary.LittleEndian.PutUint32(dst[11:15], uint32(len(key)))
	binary.LittleEndian.PutUint32(dst[15:19], uint32(len(value)))
	copy(dst[recordHeaderSize:], key)
	copy(dst[recordHeaderSize+len(key):], value)
}

// Decoded is a view over a record physically resident in the log.
type Decoded struct {
	Info  types.RecordInfo
	Key   []byte
	Value []byte
}

// Decode parses a record starting at buf[0].
func Decode(buf []byte) (Decoded, error) {
	if len(buf) < recordHeaderSize {
		return Decoded{}, fmt.Errorf("index: record header truncated")
	}
	flags := buf[0]
	info := types.RecordInfo{
		Tombstone:     flags&flagTombstone != 0,
		Sealed:        flags&flagSealed != 0,
		Modified:      flags&flagModified != 0,
		FillerPresent: flags&flagFillerPresent != 0,
		Version:       binary.LittleEndian.Uint16(buf[1:3]),
		PreviousAddr:  types.LogicalAddress(binary.LittleEndian.Uint64(buf[3:11])),
	}
	keyLen := binary.LittleEndian.Uint32(buf[11:15])
	valLen := binary.LittleEndian.Uint32(buf[15:19])
	end := recordHeaderSize + int(keyLen) + int(valLen)
	if len(buf) < end {
		return Decoded{}, fmt.Errorf("index: record body truncated")
	}
	return Decoded{
		Info:  info,
		Key:   buf[recordHeaderSize : recordHeaderSize+int(keyLen)],
		Value: buf[recordHeaderSize+int(keyLen) : end],
	}, nil
}
