package services

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskConflict is returned when cancelling a task that is no longer pending
	ErrTaskConflict = errors.New("only pending tasks can be cancelled")

	// ErrWaitTimeout is returned when the remote workflow exceeds the completion-wait budget
	ErrWaitTimeout = errors.New("workflow execution timed out")

	// ErrNoOutputs is returned when none of the requested output nodes produced images
	ErrNoOutputs = errors.New("no output images found for requested nodes")
)

// ExecutionError reports a failure of the remote workflow itself. The message
// is the richest diagnostic ComfyUI gave us, or "Unknown error" if it gave none.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("comfyui execution error: %s", e.Message)
}
