// Package inmem provides the in-memory task store used by tests and
// single-process development deployments of the workpool.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/workpool"
)

// Store is an in-memory workpool.Store guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	seq   int64
	tasks map[string]*workpool.Task
}

// New constructs an empty store.
func New() *Store {
	return &Store{tasks: make(map[string]*workpool.Task)}
}

// Insert implements workpool.Store.
func (s *Store) Insert(_ context.Context, task *workpool.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task.Seq = s.seq
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

// Update implements workpool.Store.
func (s *Store) Update(_ context.Context, task *workpool.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

// Claim implements workpool.Store. Partition FIFO: a partition whose oldest
// pending task is not yet runnable contributes nothing, so later tasks in the
// same partition never overtake earlier ones.
func (s *Store) Claim(_ context.Context, now time.Time, busy []string) (*workpool.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]struct{}, len(busy))
	for _, key := range busy {
		skip[key] = struct{}{}
	}

	ordered := make([]*workpool.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		ordered = append(ordered, task)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	for _, task := range ordered {
		if task.PartitionKey != "" {
			if _, blocked := skip[task.PartitionKey]; blocked {
				continue
			}
		}
		switch task.State {
		case workpool.TaskScheduled:
			if !task.NextRunAt.After(now) {
				task.State = workpool.TaskRunning
				task.UpdatedAt = now
				copied := *task
				return &copied, nil
			}
			// Head of this partition exists but is not runnable yet.
			if task.PartitionKey != "" {
				skip[task.PartitionKey] = struct{}{}
			}
		case workpool.TaskRunning:
			if task.PartitionKey != "" {
				skip[task.PartitionKey] = struct{}{}
			}
		}
	}
	return nil, workpool.ErrNoTasksReady
}

// Get implements workpool.Store.
func (s *Store) Get(_ context.Context, id string) (*workpool.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, workpool.ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

// PartitionDepths implements workpool.Store.
func (s *Store) PartitionDepths(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[string]int)
	for _, task := range s.tasks {
		if task.State == workpool.TaskScheduled {
			depths[task.PartitionKey]++
		}
	}
	return depths, nil
}
