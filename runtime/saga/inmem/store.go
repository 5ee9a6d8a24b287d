// Package inmem provides in-memory saga instance and process manager state
// stores for development and testing.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/saga"
)

type (
	// InstanceStore is the in-memory saga.InstanceStore.
	InstanceStore struct {
		mu        sync.RWMutex
		instances map[string]*saga.Instance
		now       func() time.Time
	}

	// PMStateStore is the in-memory saga.PMStateStore.
	PMStateStore struct {
		mu     sync.RWMutex
		states map[string]*saga.PMState
	}
)

// NewInstanceStore constructs an empty instance store. A nil now defaults to
// time.Now.
func NewInstanceStore(now func() time.Time) *InstanceStore {
	if now == nil {
		now = time.Now
	}
	return &InstanceStore{instances: make(map[string]*saga.Instance), now: now}
}

// CreateIfAbsent implements saga.InstanceStore.
func (s *InstanceStore) CreateIfAbsent(_ context.Context, inst *saga.Instance) (*saga.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(inst.SagaType, inst.SagaID)
	if existing, ok := s.instances[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *inst
	s.instances[key] = &cp
	return nil, true, nil
}

// SetStatus implements saga.InstanceStore.
func (s *InstanceStore) SetStatus(_ context.Context, sagaType, sagaID string, status saga.InstanceStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceKey(sagaType, sagaID)]
	if !ok {
		return saga.ErrInstanceNotFound
	}
	inst.Status = status
	inst.Error = errMsg
	if status == saga.InstanceCompleted || status == saga.InstanceCompensated || status == saga.InstanceFailed {
		at := s.now().UTC()
		inst.CompletedAt = &at
	}
	return nil
}

// Get implements saga.InstanceStore.
func (s *InstanceStore) Get(_ context.Context, sagaType, sagaID string) (*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceKey(sagaType, sagaID)]
	if !ok {
		return nil, saga.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

// ListByStatus implements saga.InstanceStore.
func (s *InstanceStore) ListByStatus(_ context.Context, sagaType string, status saga.InstanceStatus) ([]*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*saga.Instance
	for _, inst := range s.instances {
		if sagaType != "" && inst.SagaType != sagaType {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SagaType != out[j].SagaType {
			return out[i].SagaType < out[j].SagaType
		}
		return out[i].SagaID < out[j].SagaID
	})
	return out, nil
}

// NewPMStateStore constructs an empty process manager state store.
func NewPMStateStore() *PMStateStore {
	return &PMStateStore{states: make(map[string]*saga.PMState)}
}

// Get implements saga.PMStateStore.
func (s *PMStateStore) Get(_ context.Context, pmName, instanceID string) (*saga.PMState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[instanceKey(pmName, instanceID)]
	if !ok {
		return nil, saga.ErrPMStateNotFound
	}
	cp := *state
	return &cp, nil
}

// Save implements saga.PMStateStore.
func (s *PMStateStore) Save(_ context.Context, state *saga.PMState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.StateVersion++
	s.states[instanceKey(state.PMName, state.InstanceID)] = &cp
	state.StateVersion = cp.StateVersion
	return nil
}

// List implements saga.PMStateStore.
func (s *PMStateStore) List(_ context.Context, pmName string, status saga.PMStatus) ([]*saga.PMState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*saga.PMState
	for _, state := range s.states {
		if pmName != "" && state.PMName != pmName {
			continue
		}
		if status != "" && state.Status != status {
			continue
		}
		cp := *state
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PMName != out[j].PMName {
			return out[i].PMName < out[j].PMName
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

func instanceKey(a, b string) string { return a + "\x00" + b }
