// Package inmem provides an in-memory event store for tests and
// single-process development. It implements the full Store contract including
// OCC, idempotent appends, and correlation indexing, guarded by one mutex.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
)

type (
	// Options configures the in-memory store.
	Options struct {
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Store is the in-memory event store.
	Store struct {
		mu sync.RWMutex

		now      func() time.Time
		events   []*eventstore.Event
		versions map[string]int64             // streamType/streamID -> current version
		idem     map[string][]*eventstore.Event // idempotency key -> events of the original append
	}
)

// New constructs an empty in-memory store.
func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		versions: make(map[string]int64),
		idem:     make(map[string][]*eventstore.Event),
	}
}

func streamKey(streamType, streamID string) string {
	return streamType + "/" + streamID
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, streamType, streamID string, expectedVersion int64, boundedContext string, events []eventstore.AppendEvent) (*eventstore.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent retry: any known key short-circuits to the stored result.
	for _, e := range events {
		if e.IdempotencyKey == "" {
			continue
		}
		if stored, ok := s.idem[e.IdempotencyKey]; ok {
			// Return the identifiers assigned by the original append.
			return resultFor(stored, stored[len(stored)-1].Version), nil
		}
	}

	key := streamKey(streamType, streamID)
	current := s.versions[key]
	if current != expectedVersion {
		return nil, &eventstore.ConflictError{
			StreamType:     streamType,
			StreamID:       streamID,
			Expected:       expectedVersion,
			CurrentVersion: current,
		}
	}

	ts := s.now().UTC()
	appended := make([]*eventstore.Event, 0, len(events))
	for i, in := range events {
		in.Normalize()
		version := current + int64(i) + 1
		evt := &eventstore.Event{
			ID:             correlation.NewID(),
			Type:           in.Type,
			StreamType:     streamType,
			StreamID:       streamID,
			Version:        version,
			GlobalPosition: eventstore.Position(ts, streamType, streamID, version),
			BoundedContext: boundedContext,
			Category:       in.Category,
			SchemaVersion:  in.SchemaVersion,
			CorrelationID:  correlation.EnsureID(in.Metadata.CorrelationID),
			CausationID:    in.Metadata.CausationID,
			UserID:         in.Metadata.UserID,
			Timestamp:      ts,
			Payload:        append([]byte(nil), in.Payload...),
			IdempotencyKey: in.IdempotencyKey,
		}
		appended = append(appended, evt)
	}

	newVersion := current + int64(len(events))
	s.versions[key] = newVersion
	s.events = append(s.events, appended...)
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].GlobalPosition < s.events[j].GlobalPosition
	})
	for _, evt := range appended {
		if evt.IdempotencyKey != "" {
			s.idem[evt.IdempotencyKey] = append(s.idem[evt.IdempotencyKey], evt)
		}
	}
	return resultFor(appended, newVersion), nil
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(_ context.Context, streamType, streamID string, fromVersion int64, limit int) ([]*eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.versions[streamKey(streamType, streamID)]; !ok {
		return nil, eventstore.ErrStreamNotFound
	}
	var out []*eventstore.Event
	for _, evt := range s.events {
		if evt.StreamType != streamType || evt.StreamID != streamID || evt.Version <= fromVersion {
			continue
		}
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReadFromPosition implements eventstore.Store.
func (s *Store) ReadFromPosition(_ context.Context, from int64, limit int, filter *eventstore.ReadFilter) ([]*eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventstore.Event
	for _, evt := range s.events {
		if evt.GlobalPosition <= from {
			continue
		}
		if filter != nil {
			if filter.BoundedContext != "" && evt.BoundedContext != filter.BoundedContext {
				continue
			}
			if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, evt.Type) {
				continue
			}
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(_ context.Context, streamType, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[streamKey(streamType, streamID)], nil
}

// ByCorrelation implements eventstore.Store.
func (s *Store) ByCorrelation(_ context.Context, correlationID string) ([]*eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventstore.Event
	for _, evt := range s.events {
		if evt.CorrelationID == correlationID {
			out = append(out, evt)
		}
	}
	return out, nil
}

// GlobalPosition implements eventstore.Store.
func (s *Store) GlobalPosition(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].GlobalPosition, nil
}

// ByIdempotencyKey implements eventstore.Store.
func (s *Store) ByIdempotencyKey(_ context.Context, key string) ([]*eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.idem[key]
	if !ok {
		return nil, nil
	}
	out := make([]*eventstore.Event, len(stored))
	copy(out, stored)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func resultFor(events []*eventstore.Event, newVersion int64) *eventstore.AppendResult {
	res := &eventstore.AppendResult{NewVersion: newVersion}
	for _, evt := range events {
		res.EventIDs = append(res.EventIDs, evt.ID)
		res.GlobalPositions = append(res.GlobalPositions, evt.GlobalPosition)
	}
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
