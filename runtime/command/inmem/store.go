// Package inmem provides the in-memory command record store used by tests
// and single-process development deployments.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goa.design/sourced/runtime/command"
)

// Store is an in-memory command.RecordStore guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	records map[string]*command.Record
	now     func() time.Time
}

// New constructs an empty store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{records: make(map[string]*command.Record), now: now}
}

// CreateIfAbsent implements command.RecordStore.
func (s *Store) CreateIfAbsent(_ context.Context, rec *command.Record) (*command.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.CommandID]; ok {
		copied := *existing
		return &copied, false, nil
	}
	copied := *rec
	s.records[rec.CommandID] = &copied
	return nil, true, nil
}

// Finish implements command.RecordStore.
func (s *Store) Finish(_ context.Context, commandID string, status command.RecordStatus, digest json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[commandID]
	if !ok {
		return command.ErrRecordNotFound
	}
	rec.Status = status
	rec.ResultDigest = digest
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// Get implements command.RecordStore.
func (s *Store) Get(_ context.Context, commandID string) (*command.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[commandID]
	if !ok {
		return nil, command.ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}
