// Package inmem provides the in-memory replay checkpoint store used by tests
// and single-process development deployments.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/sourced/runtime/replay"
)

// Store is an in-memory replay.Store guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	cps map[string]*replay.Checkpoint
}

// New constructs an empty store.
func New() *Store {
	return &Store{cps: make(map[string]*replay.Checkpoint)}
}

// Insert implements replay.Store.
func (s *Store) Insert(_ context.Context, cp *replay.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	s.cps[cp.ReplayID] = &copied
	return nil
}

// Update implements replay.Store.
func (s *Store) Update(_ context.Context, cp *replay.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cps[cp.ReplayID]; !ok {
		return replay.ErrReplayNotFound
	}
	copied := *cp
	s.cps[cp.ReplayID] = &copied
	return nil
}

// Get implements replay.Store.
func (s *Store) Get(_ context.Context, replayID string) (*replay.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[replayID]
	if !ok {
		return nil, replay.ErrReplayNotFound
	}
	copied := *cp
	return &copied, nil
}

// ActiveForProjection implements replay.Store.
func (s *Store) ActiveForProjection(_ context.Context, projection string) (*replay.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.cps {
		if cp.Projection == projection && cp.Status == replay.StatusRunning {
			copied := *cp
			return &copied, nil
		}
	}
	return nil, nil
}

// ListByStatus implements replay.Store.
func (s *Store) ListByStatus(_ context.Context, status replay.Status) ([]*replay.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cps []*replay.Checkpoint
	for _, cp := range s.cps {
		if status != "" && cp.Status != status {
			continue
		}
		copied := *cp
		cps = append(cps, &copied)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].StartedAt.Before(cps[j].StartedAt) })
	return cps, nil
}
