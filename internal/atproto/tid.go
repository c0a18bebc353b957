// Package atproto implements the ATProto side of the bridge: identity
// resolution, the shadow-repo service, the firehose subscriber, and the
// supporting PLC, DNS, and XRPC clients.
package atproto

import (
	"sync"
	"time"
)

// s32 is the sortable base32 alphabet used by TIDs.
const s32 = "234567abcdefghijklmnopqrstuvwxyz"

// tidClockID distinguishes generators sharing a clock; we run one generator
// per process, so a fixed value is fine.
const tidClockID = 31

var (
	tidMu   sync.Mutex
	tidLast int64
)

// NewTID returns a 13-character monotonic record key: 53 bits of microseconds
// since the Unix epoch plus a 10-bit clock id, s32-encoded. Consecutive calls
// within the same microsecond still produce strictly increasing keys.
func NewTID(now time.Time) string {
	micros := now.UnixMicro()

	tidMu.Lock()
	if micros <= tidLast {
		micros = tidLast + 1
	}
	tidLast = micros
	tidMu.Unlock()

	v := uint64(micros)<<10 | tidClockID

	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = s32[v&0x1f]
		v >>= 5
	}
	return string(buf[:])
}
