package models

import "time"

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusUploading  TaskStatus = "uploading"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether a task in this status will never change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// UploadTarget identifies the Bitable record the rendered images are attached to.
// RecordID is optional: when set the images are appended to the existing record,
// otherwise a new record is created.
type UploadTarget struct {
	AppToken   string `bson:"appToken" json:"appToken"`
	TableID    string `bson:"tableId" json:"tableId"`
	RecordID   string `bson:"recordId,omitempty" json:"recordId,omitempty"`
	ImageField string `bson:"imageField,omitempty" json:"imageField,omitempty"`
}

// ImageResult describes one image produced by the workflow and uploaded to Feishu
type ImageResult struct {
	NodeID    string `bson:"nodeId" json:"nodeId"`
	Filename  string `bson:"filename" json:"filename"`
	FileToken string `bson:"fileToken,omitempty" json:"fileToken,omitempty"`
}

// TaskResult is set only on completed tasks
type TaskResult struct {
	Images   []ImageResult `bson:"images" json:"images"`
	RecordID string        `bson:"recordId,omitempty" json:"recordId,omitempty"`
}

// Task represents a workflow render task tracked from submission to terminal state
type Task struct {
	ID            string                 `bson:"_id" json:"taskId"`
	Status        TaskStatus             `bson:"status" json:"status"`
	Progress      int                    `bson:"progress" json:"progress"`
	Workflow      map[string]interface{} `bson:"workflow" json:"workflow,omitempty"`
	OutputNodeIDs []string               `bson:"outputNodeIds" json:"outputNodeIds"`
	UploadTarget  UploadTarget           `bson:"uploadTarget" json:"uploadTarget"`
	Result        *TaskResult            `bson:"result,omitempty" json:"result,omitempty"`
	Error         string                 `bson:"error,omitempty" json:"error,omitempty"`
	Metadata      map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt     time.Time              `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time              `bson:"updatedAt" json:"updatedAt"`
}

// TaskPatch is a partial update applied to a stored task. Nil fields are left
// untouched; the store applies all set fields in one atomic write and refreshes
// updatedAt.
type TaskPatch struct {
	Status   *TaskStatus
	Progress *int
	Result   *TaskResult
	Error    *string
}
