// Package inmem provides in-memory agent stores for development and testing.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/agent"
)

type (
	// CheckpointStore is the in-memory agent.CheckpointStore.
	CheckpointStore struct {
		mu          sync.RWMutex
		checkpoints map[string]*agent.Checkpoint
	}

	// ApprovalStore is the in-memory agent.ApprovalStore.
	ApprovalStore struct {
		mu        sync.RWMutex
		approvals map[string]*agent.PendingApproval
	}

	// DeadLetterStore is the in-memory agent.DeadLetterStore.
	DeadLetterStore struct {
		mu      sync.RWMutex
		letters map[string]*agent.DeadLetter
		order   []string
	}

	// AuditStore is the in-memory agent.AuditStore.
	AuditStore struct {
		mu     sync.RWMutex
		events []*agent.AuditEvent
	}

	// SpendStore is the in-memory agent.SpendStore.
	SpendStore struct {
		mu    sync.RWMutex
		spend map[string]float64
	}
)

// NewCheckpointStore constructs an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]*agent.Checkpoint)}
}

// Get implements agent.CheckpointStore.
func (s *CheckpointStore) Get(_ context.Context, agentID string) (*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[agentID]
	if !ok {
		return nil, agent.ErrCheckpointNotFound
	}
	cpCopy := *cp
	return &cpCopy, nil
}

// Save implements agent.CheckpointStore.
func (s *CheckpointStore) Save(_ context.Context, cp *agent.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpCopy := *cp
	s.checkpoints[cp.AgentID] = &cpCopy
	return nil
}

// List implements agent.CheckpointStore.
func (s *CheckpointStore) List(_ context.Context) ([]*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		cpCopy := *cp
		out = append(out, &cpCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// NewApprovalStore constructs an empty approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{approvals: make(map[string]*agent.PendingApproval)}
}

// Insert implements agent.ApprovalStore.
func (s *ApprovalStore) Insert(_ context.Context, pa *agent.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	paCopy := *pa
	s.approvals[pa.ApprovalID] = &paCopy
	return nil
}

// Get implements agent.ApprovalStore.
func (s *ApprovalStore) Get(_ context.Context, approvalID string) (*agent.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, ok := s.approvals[approvalID]
	if !ok {
		return nil, agent.ErrApprovalNotFound
	}
	paCopy := *pa
	return &paCopy, nil
}

// Update implements agent.ApprovalStore.
func (s *ApprovalStore) Update(_ context.Context, pa *agent.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[pa.ApprovalID]; !ok {
		return agent.ErrApprovalNotFound
	}
	paCopy := *pa
	s.approvals[pa.ApprovalID] = &paCopy
	return nil
}

// List implements agent.ApprovalStore.
func (s *ApprovalStore) List(_ context.Context, agentID string, status agent.ApprovalStatus) ([]*agent.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.PendingApproval
	for _, pa := range s.approvals {
		if agentID != "" && pa.AgentID != agentID {
			continue
		}
		if status != "" && pa.Status != status {
			continue
		}
		paCopy := *pa
		out = append(out, &paCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// ListExpirable implements agent.ApprovalStore.
func (s *ApprovalStore) ListExpirable(_ context.Context, now time.Time) ([]*agent.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.PendingApproval
	for _, pa := range s.approvals {
		if pa.Status != agent.ApprovalPending || now.Before(pa.ExpiresAt) {
			continue
		}
		paCopy := *pa
		out = append(out, &paCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// NewDeadLetterStore constructs an empty dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{letters: make(map[string]*agent.DeadLetter)}
}

// Insert implements agent.DeadLetterStore.
func (s *DeadLetterStore) Insert(_ context.Context, dl *agent.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dlCopy := *dl
	s.letters[dl.ID] = &dlCopy
	s.order = append(s.order, dl.ID)
	return nil
}

// Get implements agent.DeadLetterStore.
func (s *DeadLetterStore) Get(_ context.Context, id string) (*agent.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.letters[id]
	if !ok {
		return nil, agent.ErrDeadLetterNotFound
	}
	dlCopy := *dl
	return &dlCopy, nil
}

// SetStatus implements agent.DeadLetterStore.
func (s *DeadLetterStore) SetStatus(_ context.Context, id string, status agent.DeadLetterStatus, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.letters[id]
	if !ok {
		return agent.ErrDeadLetterNotFound
	}
	dl.Status = status
	dl.ResolvedAt = &resolvedAt
	return nil
}

// List implements agent.DeadLetterStore.
func (s *DeadLetterStore) List(_ context.Context, agentID string, status agent.DeadLetterStatus) ([]*agent.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.DeadLetter
	for _, id := range s.order {
		dl := s.letters[id]
		if agentID != "" && dl.AgentID != agentID {
			continue
		}
		if status != "" && dl.Status != status {
			continue
		}
		dlCopy := *dl
		out = append(out, &dlCopy)
	}
	return out, nil
}

// NewAuditStore constructs an empty audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append implements agent.AuditStore.
func (s *AuditStore) Append(_ context.Context, evt *agent.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evtCopy := *evt
	s.events = append(s.events, &evtCopy)
	return nil
}

// List implements agent.AuditStore.
func (s *AuditStore) List(_ context.Context, agentID string) ([]*agent.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.AuditEvent
	for _, evt := range s.events {
		if agentID != "" && evt.AgentID != agentID {
			continue
		}
		evtCopy := *evt
		out = append(out, &evtCopy)
	}
	return out, nil
}

// NewSpendStore constructs an empty spend store.
func NewSpendStore() *SpendStore {
	return &SpendStore{spend: make(map[string]float64)}
}

// Add implements agent.SpendStore.
func (s *SpendStore) Add(_ context.Context, agentID, day string, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentID + "\x00" + day
	s.spend[key] += amount
	return s.spend[key], nil
}

// Get implements agent.SpendStore.
func (s *SpendStore) Get(_ context.Context, agentID, day string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[agentID+"\x00"+day], nil
}
