package eventstore_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/eventstore"
)

func TestPositionIsMonotoneWithinStream(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	prev := int64(0)
	for v := int64(1); v <= 100; v++ {
		pos := eventstore.Position(ts, "order", "o1", v)
		require.Greater(t, pos, prev)
		prev = pos
	}
}

func TestPositionOrdersByTimestamp(t *testing.T) {
	early := eventstore.Position(time.UnixMilli(1_700_000_000_000), "order", "o1", 999)
	late := eventstore.Position(time.UnixMilli(1_700_000_000_001), "order", "o1", 1)
	require.Greater(t, late, early)
}

func TestPositionExceeds32BitRange(t *testing.T) {
	// timestamp_ms * 1e6 alone blows through int32 for any modern timestamp;
	// the formula must be computed in 64-bit arithmetic.
	pos := eventstore.Position(time.UnixMilli(1_700_000_000_000), "order", "o1", 1)
	require.Greater(t, pos, int64(1<<32))
}

func TestPositionDistinctStreamsRarelyCollide(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	seen := make(map[int64]string)
	collisions := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("order-%d", i)
		pos := eventstore.Position(ts, "order", id, 1)
		if _, ok := seen[pos]; ok {
			collisions++
		}
		seen[pos] = id
	}
	// Same millisecond, same version: collisions only happen for streams
	// sharing a djb2 bucket. With 200 streams over 1000 buckets some overlap
	// is expected; it must stay far below the stream count.
	require.Less(t, collisions, 40)
}
