package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tibelf/comfyui-proxy/internal/models"
	"github.com/tibelf/comfyui-proxy/internal/services"
	"github.com/tibelf/comfyui-proxy/internal/validation"
)

// memStore is an in-memory task store mirroring the MongoDB contract
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*models.Task{}}
}

func (s *memStore) Insert(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (s *memStore) Update(ctx context.Context, id string, patch models.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.Result != nil {
		task.Result = patch.Result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) DeletePending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskStatusPending {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *memStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
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
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

type stubEngine struct {
	healthy bool
}

func (e *stubEngine) QueuePrompt(ctx context.Context, workflow map[string]interface{}) (string, error) {
	return "prompt-1", nil
}

func (e *stubEngine) GetImage(ctx context.Context, image services.OutputImage) ([]byte, error) {
	return nil, nil
}

func (e *stubEngine) Health(ctx context.Context) bool { return e.healthy }

func newTestRouter(t *testing.T, store *memStore, jwtSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	validator, err := validation.NewTaskValidator("../../schemas/task_request_schema.json")
	if err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	handlers := NewHandlers(services.NewTaskService(store), &stubEngine{healthy: true}, validator)
	return SetupRoutes(handlers, jwtSecret)
}

func validBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"workflow": map[string]interface{}{
			"1": map[string]interface{}{"class_type": "KSampler"},
		},
		"outputNodeIds": []string{"9"},
		"uploadTarget": map[string]interface{}{
			"appToken": "app-token",
			"tableId":  "tbl-1",
		},
	})
	return body
}

func doRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestCreateTaskReturnsCreated(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(t, store, "")

	resp := doRequest(router, http.MethodPost, "/tasks", validBody(), nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var created models.CreateTaskResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.TaskID == "" {
		t.Fatal("expected a task id in the response")
	}
	if created.Status != models.TaskStatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	stored, err := store.Get(context.Background(), created.TaskID)
	if err != nil || stored == nil {
		t.Fatalf("task not persisted: %v", err)
	}
}

func TestCreateTaskRejectsInvalidBody(t *testing.T) {
	router := newTestRouter(t, newMemStore(), "")

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("not json at all")},
		{"empty object", []byte(`{}`)},
		{"empty workflow", []byte(`{"workflow":{},"outputNodeIds":["9"],"uploadTarget":{"appToken":"a","tableId":"t"}}`)},
		{"no output nodes", []byte(`{"workflow":{"1":{}},"outputNodeIds":[],"uploadTarget":{"appToken":"a","tableId":"t"}}`)},
		{"missing table", []byte(`{"workflow":{"1":{}},"outputNodeIds":["9"],"uploadTarget":{"appToken":"a"}}`)},
		{"unknown field", []byte(`{"workflow":{"1":{}},"outputNodeIds":["9"],"uploadTarget":{"appToken":"a","tableId":"t"},"bogus":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(router, http.MethodPost, "/tasks", tt.body, nil)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
			}
		})
	}
}

func TestGetTaskLifecycle(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(t, store, "")

	resp := doRequest(router, http.MethodPost, "/tasks", validBody(), nil)
	var created models.CreateTaskResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &created)

	resp = doRequest(router, http.MethodGet, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var task models.Task
	if err := json.Unmarshal(resp.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if task.ID != created.TaskID || task.Status != models.TaskStatusPending {
		t.Fatalf("unexpected task snapshot: %+v", task)
	}

	resp = doRequest(router, http.MethodGet, "/tasks/does-not-exist", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestCancelPendingTask(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(t, store, "")

	resp := doRequest(router, http.MethodPost, "/tasks", validBody(), nil)
	var created models.CreateTaskResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &created)

	resp = doRequest(router, http.MethodDelete, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(router, http.MethodGet, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cancelled task must be gone, got %d", resp.Code)
	}

	resp = doRequest(router, http.MethodDelete, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated cancel, got %d", resp.Code)
	}
}

func TestCancelNonPendingTaskConflicts(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(t, store, "")

	resp := doRequest(router, http.MethodPost, "/tasks", validBody(), nil)
	var created models.CreateTaskResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &created)

	status := models.TaskStatusProcessing
	if err := store.Update(context.Background(), created.TaskID, models.TaskPatch{Status: &status}); err != nil {
		t.Fatalf("failed to advance task: %v", err)
	}

	resp = doRequest(router, http.MethodDelete, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.Code, resp.Body.String())
	}

	// The task itself is untouched
	resp = doRequest(router, http.MethodGet, "/tasks/"+created.TaskID, nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("task must survive a rejected cancel, got %d", resp.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, newMemStore(), "")

	resp := doRequest(router, http.MethodGet, "/health", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var health struct {
		Status           string `json:"status"`
		ComfyUIAvailable bool   `json:"comfyuiAvailable"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health.Status != "healthy" || !health.ComfyUIAvailable {
		t.Fatalf("unexpected health response: %+v", health)
	}
}

func TestTasksRequireJWTWhenConfigured(t *testing.T) {
	secret := "test-secret"
	router := newTestRouter(t, newMemStore(), secret)

	resp := doRequest(router, http.MethodPost, "/tasks", validBody(), nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	resp = doRequest(router, http.MethodPost, "/tasks", validBody(), map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", resp.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "caller",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	resp = doRequest(router, http.MethodPost, "/tasks", validBody(), map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 with valid token, got %d: %s", resp.Code, resp.Body.String())
	}

	// Health stays open
	resp = doRequest(router, http.MethodGet, "/health", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", resp.Code)
	}
}
