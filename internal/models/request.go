package models

// CreateTaskRequest represents the request to submit a workflow render task.
// Validation happens against the JSON schema before this struct is decoded.
type CreateTaskRequest struct {
	Workflow      map[string]interface{} `json:"workflow"`
	OutputNodeIDs []string               `json:"outputNodeIds"`
	UploadTarget  UploadTarget           `json:"uploadTarget"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"` // echoed back unmodified
}

// CreateTaskResponse represents the response when creating a task
type CreateTaskResponse struct {
	TaskID  string     `json:"taskId"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}
