package dcb_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/dcb"
	dcbinmem "goa.design/sourced/runtime/dcb/inmem"
	"goa.design/sourced/runtime/eventstore"
	esinmem "goa.design/sourced/runtime/eventstore/inmem"
)

type dcbFixture struct {
	events *esinmem.Store
	scopes *dcbinmem.Store
	engine *dcb.Engine
}

func newDCBFixture(t *testing.T) *dcbFixture {
	t.Helper()
	var tick atomic.Int64
	now := func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + tick.Add(1))
	}
	events := esinmem.New(esinmem.Options{Now: now})
	scopes := dcbinmem.New(now)
	engine, err := dcb.NewEngine(dcb.EngineOptions{Scopes: scopes, Events: events})
	require.NoError(t, err)
	return &dcbFixture{events: events, scopes: scopes, engine: engine}
}

func (f *dcbFixture) append(t *testing.T, streamType, streamID string, types ...string) {
	t.Helper()
	ctx := context.Background()
	ver, err := f.events.StreamVersion(ctx, streamType, streamID)
	require.NoError(t, err)
	aes := make([]eventstore.AppendEvent, len(types))
	for i, typ := range types {
		aes[i] = eventstore.AppendEvent{Type: typ, Payload: json.RawMessage(`{}`)}
	}
	_, err = f.events.Append(ctx, streamType, streamID, ver, "inventory", aes)
	require.NoError(t, err)
}

func TestScopeKeyFormat(t *testing.T) {
	require.Equal(t, "tenant:t1:reservation:res-9", dcb.ScopeKey("t1", "reservation", "res-9"))
}

func TestGetOrCreateScopeStartsAtVersionZero(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")

	scope, err := f.engine.GetOrCreateScope(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, scope.ScopeKey)
	require.Zero(t, scope.CurrentVersion)
	require.Empty(t, scope.Streams)
	require.False(t, scope.CreatedAt.IsZero())

	again, err := f.engine.GetOrCreateScope(ctx, key)
	require.NoError(t, err)
	require.Equal(t, scope.CreatedAt, again.CreatedAt)
	require.Zero(t, again.CurrentVersion)
}

func TestCheckScopeVersion(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")

	check, err := f.engine.CheckScopeVersion(ctx, key, 0)
	require.NoError(t, err)
	require.Equal(t, dcb.VersionNotFound, check.Status)

	_, err = f.engine.GetOrCreateScope(ctx, key)
	require.NoError(t, err)

	check, err = f.engine.CheckScopeVersion(ctx, key, 0)
	require.NoError(t, err)
	require.Equal(t, dcb.VersionMatch, check.Status)
	require.Zero(t, check.CurrentVersion)

	check, err = f.engine.CheckScopeVersion(ctx, key, 7)
	require.NoError(t, err)
	require.Equal(t, dcb.VersionMismatch, check.Status)
	require.Zero(t, check.CurrentVersion)
}

func TestCommitScopeBumpsVersionAndMergesStreams(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")
	_, err := f.engine.GetOrCreateScope(ctx, key)
	require.NoError(t, err)

	scope, err := f.engine.CommitScope(ctx, key, 0, []dcb.StreamRef{
		{StreamType: "product", StreamID: "p-1"},
		{StreamType: "product", StreamID: "p-2"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), scope.CurrentVersion)
	require.Len(t, scope.Streams, 2)

	scope, err = f.engine.CommitScope(ctx, key, 1, []dcb.StreamRef{
		{StreamType: "product", StreamID: "p-2"},
		{StreamType: "product", StreamID: "p-3"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), scope.CurrentVersion)
	require.Equal(t, []dcb.StreamRef{
		{StreamType: "product", StreamID: "p-1"},
		{StreamType: "product", StreamID: "p-2"},
		{StreamType: "product", StreamID: "p-3"},
	}, scope.Streams)
}

func TestCommitScopeCreatesAtVersionOne(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-2")

	scope, err := f.engine.CommitScope(ctx, key, 0, []dcb.StreamRef{{StreamType: "product", StreamID: "p-1"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), scope.CurrentVersion)
	require.Len(t, scope.Streams, 1)
}

func TestCommitScopeConflict(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")
	_, err := f.engine.CommitScope(ctx, key, 0, nil)
	require.NoError(t, err)

	_, err = f.engine.CommitScope(ctx, key, 0, nil)
	require.Error(t, err)
	ce, ok := dcb.IsConflict(err)
	require.True(t, ok)
	require.Equal(t, key, ce.ScopeKey)
	require.Zero(t, ce.Expected)
	require.Equal(t, int64(1), ce.CurrentVersion)
}

func TestCommitScopeAbsentWithNonZeroExpected(t *testing.T) {
	f := newDCBFixture(t)
	_, err := f.engine.CommitScope(context.Background(), dcb.ScopeKey("t1", "reservation", "nope"), 3, nil)
	require.ErrorIs(t, err, dcb.ErrScopeNotFound)
}

func TestReadVirtualStreamMergesByGlobalPosition(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")

	f.append(t, "product", "p-1", "StockReserved")
	f.append(t, "product", "p-2", "StockReserved")
	f.append(t, "product", "p-1", "StockReleased")
	f.append(t, "product", "p-3", "StockReserved")

	_, err := f.engine.CommitScope(ctx, key, 0, []dcb.StreamRef{
		{StreamType: "product", StreamID: "p-1"},
		{StreamType: "product", StreamID: "p-2"},
	})
	require.NoError(t, err)

	events, err := f.engine.ReadVirtualStream(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].GlobalPosition, events[i-1].GlobalPosition)
	}
	for _, evt := range events {
		require.NotEqual(t, "p-3", evt.StreamID)
	}

	tail, err := f.engine.ReadVirtualStream(ctx, key, events[0].GlobalPosition, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	capped, err := f.engine.ReadVirtualStream(ctx, key, 0, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	require.Equal(t, events[0].GlobalPosition, capped[0].GlobalPosition)
}

func TestReadVirtualStreamUnknownScope(t *testing.T) {
	f := newDCBFixture(t)
	_, err := f.engine.ReadVirtualStream(context.Background(), "tenant:t1:reservation:ghost", 0, 0)
	require.ErrorIs(t, err, dcb.ErrScopeNotFound)
}

func TestReadVirtualStreamToleratesEmptyStreams(t *testing.T) {
	f := newDCBFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")
	_, err := f.engine.CommitScope(ctx, key, 0, []dcb.StreamRef{{StreamType: "product", StreamID: "never-written"}})
	require.NoError(t, err)

	events, err := f.engine.ReadVirtualStream(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMergeStreamsProperties(t *testing.T) {
	types := []string{"product", "order", "reservation"}
	ids := []string{"a", "b", "c", "d"}
	genRefs := gen.SliceOf(gen.IntRange(0, len(types)*len(ids)-1)).Map(func(picks []int) []dcb.StreamRef {
		refs := make([]dcb.StreamRef, len(picks))
		for i, p := range picks {
			refs[i] = dcb.StreamRef{StreamType: types[p/len(ids)], StreamID: ids[p%len(ids)]}
		}
		return refs
	})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge result has no duplicate keys", prop.ForAll(
		func(existing, added []dcb.StreamRef) bool {
			merged := dcb.MergeStreams(existing, added)
			seen := make(map[string]struct{}, len(merged))
			for _, s := range merged {
				if _, dup := seen[s.Key()]; dup {
					return false
				}
				seen[s.Key()] = struct{}{}
			}
			return true
		},
		genRefs, genRefs,
	))

	properties.Property("merge preserves every input stream", prop.ForAll(
		func(existing, added []dcb.StreamRef) bool {
			merged := dcb.MergeStreams(existing, added)
			seen := make(map[string]struct{}, len(merged))
			for _, s := range merged {
				seen[s.Key()] = struct{}{}
			}
			for _, s := range append(existing, added...) {
				if _, ok := seen[s.Key()]; !ok {
					return false
				}
			}
			return true
		},
		genRefs, genRefs,
	))

	properties.Property("merge is idempotent over the existing set", prop.ForAll(
		func(existing []dcb.StreamRef) bool {
			once := dcb.MergeStreams(existing, nil)
			twice := dcb.MergeStreams(once, existing)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				if once[i] != twice[i] {
					return false
				}
			}
			return true
		},
		genRefs,
	))

	properties.TestingRun(t)
}
