package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

// defaultImageField is used when the upload target does not name an attachment field
const defaultImageField = "Images"

// TaskStore is the persistence interface the lifecycle manager runs on.
// Implemented by database.MongoDBClient; tests use an in-memory fake.
type TaskStore interface {
	Insert(ctx context.Context, task *models.Task) error
	// Get returns (nil, nil) for an unknown id
	Get(ctx context.Context, id string) (*models.Task, error)
	Update(ctx context.Context, id string, patch models.TaskPatch) error
	// DeletePending removes the task only if it is still pending and reports
	// whether anything was deleted
	DeletePending(ctx context.Context, id string) (bool, error)
	ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
}

// TaskService manages the task lifecycle. All task mutation goes through it;
// it enforces the state machine pending -> processing -> uploading -> completed,
// with failed reachable from processing and uploading, and deletion only from
// pending.
type TaskService struct {
	store TaskStore
}

// NewTaskService creates a new task service
func NewTaskService(store TaskStore) *TaskService {
	return &TaskService{store: store}
}

// Create persists a new pending task and returns it
func (s *TaskService) Create(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	target := req.UploadTarget
	if target.ImageField == "" {
		target.ImageField = defaultImageField
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:            uuid.New().String(),
		Status:        models.TaskStatusPending,
		Progress:      0,
		Workflow:      req.Workflow,
		OutputNodeIDs: req.OutputNodeIDs,
		UploadTarget:  target,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// Get returns the current snapshot of a task
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Cancel deletes a pending task. Returns ErrTaskNotFound for unknown ids and
// ErrTaskConflict when the task has already left pending. The status check is
// repeated inside the store's conditional delete, so a task claimed by the
// dispatcher between the read and the delete still yields ErrTaskConflict.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != models.TaskStatusPending {
		return ErrTaskConflict
	}

	deleted, err := s.store.DeletePending(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		// Lost the race with the dispatcher's claim
		return ErrTaskConflict
	}
	return nil
}

// Transition sets status and progress together in one atomic write.
// Internal: used by the dispatcher for processing/uploading updates.
func (s *TaskService) Transition(ctx context.Context, id string, status models.TaskStatus, progress int) error {
	return s.store.Update(ctx, id, models.TaskPatch{
		Status:   &status,
		Progress: &progress,
	})
}

// Complete marks a task completed with its result and progress 100
func (s *TaskService) Complete(ctx context.Context, id string, result *models.TaskResult) error {
	status := models.TaskStatusCompleted
	progress := 100
	return s.store.Update(ctx, id, models.TaskPatch{
		Status:   &status,
		Progress: &progress,
		Result:   result,
	})
}

// Fail marks a task failed with a human-readable error. Any partially
// produced result is discarded.
func (s *TaskService) Fail(ctx context.Context, id string, message string) error {
	status := models.TaskStatusFailed
	return s.store.Update(ctx, id, models.TaskPatch{
		Status: &status,
		Error:  &message,
	})
}

// ClaimPending returns up to limit of the oldest pending tasks
func (s *TaskService) ClaimPending(ctx context.Context, limit int) ([]*models.Task, error) {
	return s.store.ListByStatus(ctx, models.TaskStatusPending, limit)
}
