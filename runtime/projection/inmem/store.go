// Package inmem provides in-memory projection stores for tests and
// single-process development deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/projection"
)

type (
	// CheckpointStore is an in-memory projection.CheckpointStore.
	CheckpointStore struct {
		mu  sync.Mutex
		cps map[string]*projection.Checkpoint
	}

	// PoisonStore is an in-memory projection.PoisonStore.
	PoisonStore struct {
		mu      sync.Mutex
		records map[string]*projection.PoisonEvent
		now     func() time.Time
	}

	// DeadLetterStore is an in-memory projection.DeadLetterStore.
	DeadLetterStore struct {
		mu      sync.Mutex
		letters []*projection.DeadLetter
	}
)

// NewCheckpointStore constructs an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[string]*projection.Checkpoint)}
}

func checkpointKey(proj, partition string) string { return proj + "\x00" + partition }

// Get implements projection.CheckpointStore.
func (s *CheckpointStore) Get(_ context.Context, proj, partition string) (*projection.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.cps[checkpointKey(proj, partition)]; ok {
		copied := *cp
		return &copied, nil
	}
	return &projection.Checkpoint{
		ProjectionName:     proj,
		PartitionKey:       partition,
		LastGlobalPosition: projection.CheckpointNone,
	}, nil
}

// Save implements projection.CheckpointStore.
func (s *CheckpointStore) Save(_ context.Context, cp *projection.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	s.cps[checkpointKey(cp.ProjectionName, cp.PartitionKey)] = &copied
	return nil
}

// List implements projection.CheckpointStore.
func (s *CheckpointStore) List(_ context.Context, proj string) ([]*projection.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cps []*projection.Checkpoint
	for _, cp := range s.cps {
		if cp.ProjectionName == proj {
			copied := *cp
			cps = append(cps, &copied)
		}
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].PartitionKey < cps[j].PartitionKey })
	return cps, nil
}

// Reset implements projection.CheckpointStore.
func (s *CheckpointStore) Reset(_ context.Context, proj string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cp := range s.cps {
		if cp.ProjectionName == proj {
			delete(s.cps, key)
		}
	}
	return nil
}

// NewPoisonStore constructs an empty poison store. now defaults to time.Now.
func NewPoisonStore(now func() time.Time) *PoisonStore {
	if now == nil {
		now = time.Now
	}
	return &PoisonStore{records: make(map[string]*projection.PoisonEvent), now: now}
}

func poisonKey(proj, eventID string) string { return proj + "\x00" + eventID }

// Get implements projection.PoisonStore.
func (s *PoisonStore) Get(_ context.Context, proj, eventID string) (*projection.PoisonEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[poisonKey(proj, eventID)]
	if !ok {
		return nil, projection.ErrPoisonNotFound
	}
	copied := *record
	return &copied, nil
}

// RecordFailure implements projection.PoisonStore.
func (s *PoisonStore) RecordFailure(_ context.Context, record *projection.PoisonEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := poisonKey(record.ProjectionName, record.EventID)
	if existing, ok := s.records[key]; ok {
		existing.AttemptCount++
		existing.Error = record.Error
		existing.UpdatedAt = s.now().UTC()
		return nil
	}
	copied := *record
	copied.Status = projection.PoisonPending
	copied.AttemptCount = 1
	copied.UpdatedAt = s.now().UTC()
	s.records[key] = &copied
	return nil
}

// SetStatus implements projection.PoisonStore.
func (s *PoisonStore) SetStatus(_ context.Context, proj, eventID string, status projection.PoisonStatus, resolvedBy, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[poisonKey(proj, eventID)]
	if !ok {
		return projection.ErrPoisonNotFound
	}
	record.Status = status
	record.UpdatedAt = s.now().UTC()
	if status == projection.PoisonQuarantined {
		at := s.now().UTC()
		record.QuarantinedAt = &at
	}
	if resolvedBy != "" {
		record.ResolvedBy = resolvedBy
	}
	if notes != "" {
		record.ReviewNotes = notes
	}
	return nil
}

// ListByStatus implements projection.PoisonStore.
func (s *PoisonStore) ListByStatus(_ context.Context, proj string, status projection.PoisonStatus) ([]*projection.PoisonEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*projection.PoisonEvent
	for _, record := range s.records {
		if record.Status != status {
			continue
		}
		if proj != "" && record.ProjectionName != proj {
			continue
		}
		copied := *record
		records = append(records, &copied)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ProjectionName != records[j].ProjectionName {
			return records[i].ProjectionName < records[j].ProjectionName
		}
		return records[i].GlobalPosition < records[j].GlobalPosition
	})
	return records, nil
}

// QuarantinedOnPartition implements projection.PoisonStore.
func (s *PoisonStore) QuarantinedOnPartition(_ context.Context, proj, partition string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.ProjectionName == proj &&
			record.PartitionKey == partition &&
			record.Status == projection.PoisonQuarantined {
			return true, nil
		}
	}
	return false, nil
}

// NewDeadLetterStore constructs an empty dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Insert implements projection.DeadLetterStore.
func (s *DeadLetterStore) Insert(_ context.Context, dl *projection.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *dl
	s.letters = append(s.letters, &copied)
	return nil
}

// List implements projection.DeadLetterStore.
func (s *DeadLetterStore) List(_ context.Context, proj string, status projection.DeadLetterStatus) ([]*projection.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var letters []*projection.DeadLetter
	for _, dl := range s.letters {
		if proj != "" && dl.ProjectionName != proj {
			continue
		}
		if status != "" && dl.Status != status {
			continue
		}
		copied := *dl
		letters = append(letters, &copied)
	}
	return letters, nil
}

// Resolve implements projection.DeadLetterStore.
func (s *DeadLetterStore) Resolve(_ context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.letters {
		if dl.ID == id {
			dl.Status = projection.DeadLetterResolved
			dl.ResolvedBy = resolvedBy
			return nil
		}
	}
	return projection.ErrDeadLetterNotFound
}
