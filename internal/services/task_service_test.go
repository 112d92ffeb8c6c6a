package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

func testRequest() models.CreateTaskRequest {
	return models.CreateTaskRequest{
		Workflow:      map[string]interface{}{"1": map[string]interface{}{"class_type": "KSampler"}},
		OutputNodeIDs: []string{"9"},
		UploadTarget: models.UploadTarget{
			AppToken: "app-token",
			TableID:  "tbl-1",
		},
	}
}

func TestCreateDefaults(t *testing.T) {
	svc := NewTaskService(newFakeStore())

	task, err := svc.Create(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected a generated task id")
	}
	if task.Status != models.TaskStatusPending {
		t.Fatalf("expected status pending, got %s", task.Status)
	}
	if task.Progress != 0 {
		t.Fatalf("expected progress 0, got %d", task.Progress)
	}
	if task.UploadTarget.ImageField != defaultImageField {
		t.Fatalf("expected default image field, got %q", task.UploadTarget.ImageField)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := NewTaskService(newFakeStore())

	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelPendingDeletes(t *testing.T) {
	svc := NewTaskService(newFakeStore())
	task, _ := svc.Create(context.Background(), testRequest())

	if err := svc.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := svc.Get(context.Background(), task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task to be gone, got %v", err)
	}
}

func TestCancelNonPendingConflicts(t *testing.T) {
	svc := NewTaskService(newFakeStore())
	ctx := context.Background()

	for _, status := range []models.TaskStatus{
		models.TaskStatusProcessing,
		models.TaskStatusUploading,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		task, _ := svc.Create(ctx, testRequest())
		if err := svc.Transition(ctx, task.ID, status, 50); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		if err := svc.Cancel(ctx, task.ID); !errors.Is(err, ErrTaskConflict) {
			t.Fatalf("status %s: expected ErrTaskConflict, got %v", status, err)
		}

		// Task must be left unchanged
		got, err := svc.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("status %s: task disappeared: %v", status, err)
		}
		if got.Status != status {
			t.Fatalf("expected status %s to survive cancel, got %s", status, got.Status)
		}
	}
}

// racingStore simulates the dispatcher claiming the task between the cancel
// path's status read and its delete.
type racingStore struct {
	*fakeStore
}

func (s *racingStore) DeletePending(ctx context.Context, id string) (bool, error) {
	status := models.TaskStatusProcessing
	_ = s.fakeStore.Update(ctx, id, models.TaskPatch{Status: &status})
	return s.fakeStore.DeletePending(ctx, id)
}

func TestCancelLosesRaceWithClaim(t *testing.T) {
	store := &racingStore{fakeStore: newFakeStore()}
	svc := NewTaskService(store)
	task, _ := svc.Create(context.Background(), testRequest())

	if err := svc.Cancel(context.Background(), task.ID); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict after losing claim race, got %v", err)
	}
	if _, err := svc.Get(context.Background(), task.ID); err != nil {
		t.Fatalf("task should survive the failed cancel: %v", err)
	}
}

func TestClaimPendingOrder(t *testing.T) {
	store := newFakeStore()
	svc := NewTaskService(store)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		task := &models.Task{
			ID:        id,
			Status:    models.TaskStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}
		if err := store.Insert(ctx, task); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	claimed, err := svc.ClaimPending(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(claimed))
	}
	// Oldest first, regardless of id ordering
	if claimed[0].ID != "c" || claimed[1].ID != "a" {
		t.Fatalf("unexpected claim order: %s, %s", claimed[0].ID, claimed[1].ID)
	}

	// A claimed task that left pending is never returned again
	if err := svc.Transition(ctx, "c", models.TaskStatusProcessing, 0); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	claimed, _ = svc.ClaimPending(ctx, 10)
	for _, task := range claimed {
		if task.ID == "c" {
			t.Fatal("claimed task returned again after leaving pending")
		}
	}
}

func TestClaimPendingTieBrokenByID(t *testing.T) {
	store := newFakeStore()
	svc := NewTaskService(store)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "a"} {
		_ = store.Insert(ctx, &models.Task{ID: id, Status: models.TaskStatusPending, CreatedAt: created})
	}

	claimed, _ := svc.ClaimPending(ctx, 2)
	if claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("expected id tiebreak a,b; got %s,%s", claimed[0].ID, claimed[1].ID)
	}
}

func TestCompleteSetsResult(t *testing.T) {
	svc := NewTaskService(newFakeStore())
	ctx := context.Background()
	task, _ := svc.Create(ctx, testRequest())

	result := &models.TaskResult{
		Images:   []models.ImageResult{{NodeID: "9", Filename: "out.png", FileToken: "ft-1"}},
		RecordID: "rec-1",
	}
	if err := svc.Complete(ctx, task.ID, result); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, _ := svc.Get(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", got.Progress)
	}
	if got.Result == nil || got.Result.RecordID != "rec-1" {
		t.Fatalf("expected stored result, got %+v", got.Result)
	}
	if got.Error != "" {
		t.Fatalf("completed task must not carry an error, got %q", got.Error)
	}
}

func TestFailSetsErrorWithoutResult(t *testing.T) {
	svc := NewTaskService(newFakeStore())
	ctx := context.Background()
	task, _ := svc.Create(ctx, testRequest())

	if err := svc.Fail(ctx, task.ID, "upload exploded"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := svc.Get(ctx, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "upload exploded" {
		t.Fatalf("unexpected error message: %q", got.Error)
	}
	if got.Result != nil {
		t.Fatalf("failed task must not carry a result, got %+v", got.Result)
	}
}

func TestTransitionSetsStatusAndProgressTogether(t *testing.T) {
	svc := NewTaskService(newFakeStore())
	ctx := context.Background()
	task, _ := svc.Create(ctx, testRequest())

	if err := svc.Transition(ctx, task.ID, models.TaskStatusUploading, 80); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	got, _ := svc.Get(ctx, task.ID)
	if got.Status != models.TaskStatusUploading || got.Progress != 80 {
		t.Fatalf("expected uploading/80, got %s/%d", got.Status, got.Progress)
	}
	if !got.UpdatedAt.After(task.UpdatedAt) && !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatal("updatedAt went backwards")
	}
}
