package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tibelf/comfyui-proxy/internal/models"
	"github.com/tibelf/comfyui-proxy/internal/services"
	"github.com/tibelf/comfyui-proxy/internal/validation"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	taskService *services.TaskService
	engine      services.RenderEngine
	validator   *validation.TaskValidator
}

// NewHandlers creates a new handlers instance
func NewHandlers(taskService *services.TaskService, engine services.RenderEngine, validator *validation.TaskValidator) *Handlers {
	return &Handlers{
		taskService: taskService,
		engine:      engine,
		validator:   validator,
	}
}

// CreateTaskHandler handles POST /tasks. The task is processed asynchronously;
// callers poll GET /tasks/:taskId with the returned id.
func (h *Handlers) CreateTaskHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := h.validator.Validate(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req models.CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.taskService.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	c.JSON(http.StatusCreated, models.CreateTaskResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: "Task created successfully",
	})
}

// GetTaskHandler handles GET /tasks/:taskId
func (h *Handlers) GetTaskHandler(c *gin.Context) {
	taskID := c.Param("taskId")

	task, err := h.taskService.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, task)
}

// CancelTaskHandler handles DELETE /tasks/:taskId. Only pending tasks can be
// cancelled; anything later in the lifecycle yields 409.
func (h *Handlers) CancelTaskHandler(c *gin.Context) {
	taskID := c.Param("taskId")

	err := h.taskService.Cancel(c.Request.Context(), taskID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, services.ErrTaskConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "only pending tasks can be cancelled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// HealthHandler handles GET /health and reports ComfyUI reachability
func (h *Handlers) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"comfyuiAvailable": h.engine.Health(c.Request.Context()),
	})
}
