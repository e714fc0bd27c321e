package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"build-earn/domain"
)

// MemoryStore keeps tasks in process memory. It backs local development and
// tests; records do not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]domain.Task)}
}

func (s *MemoryStore) Insert(_ context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// List returns matching tasks ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, task domain.Task, expected domain.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, task.ID)
	}
	if cur.State() != expected {
		return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}
