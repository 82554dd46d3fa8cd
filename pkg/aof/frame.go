// Package aof implements the append-only file (spec.md §4.5, component C5):
// a single-writer durability log backing replica streaming and crash
// recovery, built directly on pkg/allocator.
package aof

import (
	"encoding/binary"
	"fmt"

	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// Frame on-log layout:
//
//	byte 0      : flags (fast-commit bit)
//	byte 1      : op type
//	byte 2      : sub type
//	byte 3      : version
//	byte 4-11   : session id (int64 LE)
//	byte 12-15  : payload length (uint32 LE)
//	...         : payload bytes
const frameHeaderSize = 1 + 1 + 1 + 1 + 8 + 4

const flagFastCommit byte = 1 << 0

// fastCommitThreshold is the payload size at or below which a frame is eligible
// for fast-commit handling (spec.md §4.5 "small metadata records").
const fastCommitThreshold = 64

// EncodedSize returns the on-log size of a frame carrying payloadLen bytes.
func EncodedSize(payloadLen int) int64 {
	return int64(frameHeaderSize + payloadLen)
}

// Encode serializes header and payload into dst, which must be at least
// EncodedSize(len(payload)) bytes.
func Encode(dst []byte, header types.AofHeader, payload []byte) {
	var flags byte
	if len(payload) <= fastCommitThreshold {
		flags |= flagFastCommit
	}
	dst[0] = flags
	dst[1] = byte(header.OpType)
	dst[2] = header.SubType
	dst[3] = header.Version
	binary.LittleEndian.PutUint64(dst[4:12], uint64(header.SessionID))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(len(payload)))
	copy(dst[frameHeaderSize:], payload)
}

// DecodedFrame is a view over a frame physically resident in the log.
type DecodedFrame struct {
	Header      types.AofHeader
	FastCommit  bool
	Payload     []byte
	EncodedSize int64
}

// Decode parses a frame starting at buf[0].
func Decode(buf []byte) (DecodedFrame, error) {
	if len(buf) < frameHeaderSize {
		return DecodedFrame{}, fmt.Errorf("aof: frame header truncated")
	}
	flags := buf[0]
	header := types.AofHeader{
		OpType:    types.AofOpType(buf[1]),
		SubType:   buf[2],
		Version:   buf[3],
		SessionID: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}
	payloadLen := binary.LittleEndian.Uint32(buf[12:16])
	end := frameHeaderSize + int(payloadLen)
	if len(buf) < end {
		return DecodedFrame{}, fmt.Errorf("aof: frame payload truncated")
	}
	return DecodedFrame{
		Header:      header,
		FastCommit:  flags&flagFastCommit != 0,
		Payload:     buf[frameHeaderSize:end],
		EncodedSize: int64(end),
	}, nil
}
