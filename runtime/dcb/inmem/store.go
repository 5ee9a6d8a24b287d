// Package inmem provides the in-memory scope store, for tests and
// single-process development.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/sourced/runtime/dcb"
)

// Store is an in-memory dcb.Store.
type Store struct {
	now func() time.Time

	mu     sync.Mutex
	scopes map[string]*dcb.Scope
}

// New constructs the store. A nil now uses the wall clock.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, scopes: make(map[string]*dcb.Scope)}
}

// GetOrCreate implements dcb.Store.
func (s *Store) GetOrCreate(_ context.Context, key string) (*dcb.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope, ok := s.scopes[key]; ok {
		return copyScope(scope), nil
	}
	now := s.now().UTC()
	scope := &dcb.Scope{ScopeKey: key, CreatedAt: now, LastUpdatedAt: now}
	s.scopes[key] = scope
	return copyScope(scope), nil
}

// Get implements dcb.Store.
func (s *Store) Get(_ context.Context, key string) (*dcb.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[key]
	if !ok {
		return nil, dcb.ErrScopeNotFound
	}
	return copyScope(scope), nil
}

// Commit implements dcb.Store.
func (s *Store) Commit(_ context.Context, key string, expectedVersion int64, streams []dcb.StreamRef) (*dcb.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	scope, ok := s.scopes[key]
	if !ok {
		if expectedVersion != 0 {
			return nil, dcb.ErrScopeNotFound
		}
		scope = &dcb.Scope{
			ScopeKey:       key,
			CurrentVersion: 1,
			Streams:        dcb.MergeStreams(nil, streams),
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		s.scopes[key] = scope
		return copyScope(scope), nil
	}
	if scope.CurrentVersion != expectedVersion {
		return nil, &dcb.ConflictError{
			ScopeKey:       key,
			Expected:       expectedVersion,
			CurrentVersion: scope.CurrentVersion,
		}
	}
	scope.CurrentVersion++
	scope.Streams = dcb.MergeStreams(scope.Streams, streams)
	scope.LastUpdatedAt = now
	return copyScope(scope), nil
}

func copyScope(scope *dcb.Scope) *dcb.Scope {
	c := *scope
	c.Streams = append([]dcb.StreamRef(nil), scope.Streams...)
	return &c
}
