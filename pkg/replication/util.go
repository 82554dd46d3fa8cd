package replication

import (
	"sync/atomic"

	"github.com/PaulusParssinen/garnet-sub001/pkg/aof"
)

func loadInt64(p *int64) int64    { return atomic.LoadInt64(p) }
func storeInt64(p *int64, v int64) { atomic.StoreInt64(p, v) }

// Encode re-serializes a decoded frame into dst, which must be at least
// aof.EncodedSize(len(frame.Payload)) bytes. Used when re-framing AOF
// records read off the primary's log for shipment to a replica.
func Encode(dst []byte, frame aof.DecodedFrame) {
	aof.Encode(dst, frame.Header, frame.Payload)
}
