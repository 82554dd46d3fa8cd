// Package checkpoint implements the Checkpoint Manager (spec.md §4.4,
// component C4): fuzzy, non-blocking snapshots of the Main and Object
// stores, each identified by a GUID token and anchored in the AOF via a
// cookie recording the AOF address the checkpoint covers.
package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
)

// Cookie layout (spec.md §4.4 "recovery cookie"), fixed 52-byte header
// followed by a variable-length original-metadata payload:
//
//	bytes 0-3   : int32 LE  total cookie size (header + payload)
//	bytes 4-11  : int64 LE  AOF address covered by this checkpoint
//	bytes 12-51 : 40 bytes  primary replication ID, zero-padded
//	bytes 52-   : original per-store metadata payload
const (
	cookieHeaderSize  = 4 + 8 + 40
	replicationIDSize = 40
)

// Cookie is the decoded form of a checkpoint's recovery cookie.
type Cookie struct {
	CoveredAofAddress int64
	PrimaryReplID     string
	Metadata          []byte
}

// Pack serializes a Cookie to its on-disk byte layout.
func Pack(c Cookie) ([]byte, error) {
	if len(c.PrimaryReplID) > replicationIDSize {
		return nil, fmt.Errorf("checkpoint: replication id %q exceeds %d bytes", c.PrimaryReplID, replicationIDSize)
	}
	total := cookieHeaderSize + len(c.Metadata)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(c.CoveredAofAddress))
	copy(buf[12:12+replicationIDSize], c.PrimaryReplID)
	copy(buf[cookieHeaderSize:], c.Metadata)
	return buf, nil
}

// Unpack parses a Cookie from its on-disk byte layout.
func Unpack(buf []byte) (Cookie, error) {
	if len(buf) < cookieHeaderSize {
		return Cookie{}, fmt.Errorf("checkpoint: %w: cookie truncated: %d bytes", gerr.ErrInvalidMetadataLength, len(buf))
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	if int(size) != len(buf) {
		return Cookie{}, fmt.Errorf("checkpoint: %w: cookie size mismatch: header says %d, got %d", gerr.ErrInvalidMetadataLength, size, len(buf))
	}
	covered := int64(binary.LittleEndian.Uint64(buf[4:12]))
	replID := trimZero(buf[12 : 12+replicationIDSize])
	metadata := append([]byte(nil), buf[cookieHeaderSize:]...)
	return Cookie{CoveredAofAddress: covered, PrimaryReplID: replID, Metadata: metadata}, nil
}

func trimZero(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
