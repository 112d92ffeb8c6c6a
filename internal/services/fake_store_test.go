package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

// fakeStore is an in-memory TaskStore used across the service tests. It
// mirrors the Mongo store's contract, including the conditional pending-only
// delete.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*models.Task)}
}

func (s *fakeStore) Insert(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch models.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.Result != nil {
		result := *patch.Result
		task.Result = &result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) DeletePending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists || task.Status != models.TaskStatusPending {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *fakeStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Task
	for _, task := range s.tasks {
		if task.Status == status {
			copied := *task
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
