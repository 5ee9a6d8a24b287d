package eventstore

import "time"

// Position computes the global ordering key for an event:
//
//	timestamp_ms*1e6 + streamHash*1e3 + version%1e3
//
// where streamHash is djb2("{streamType}:{streamId}") mod 1000. The result is
// approximately time ordered, unique for ordinary workloads, and monotone
// within a stream. The accumulator exceeds 32-bit range for any modern
// timestamp, so the computation is carried out in int64; millisecond
// precision is traded for a compact sortable key.
func Position(ts time.Time, streamType, streamID string, version int64) int64 {
	hash := int64(djb2(streamType+":"+streamID) % 1000)
	return ts.UnixMilli()*1_000_000 + hash*1_000 + version%1_000
}

// djb2 is the classic Bernstein string hash.
func djb2(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
