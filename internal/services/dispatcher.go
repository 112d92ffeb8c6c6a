package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

// RenderEngine is the slice of the ComfyUI client the dispatcher needs
type RenderEngine interface {
	QueuePrompt(ctx context.Context, workflow map[string]interface{}) (string, error)
	GetImage(ctx context.Context, image OutputImage) ([]byte, error)
	Health(ctx context.Context) bool
}

// uploading is entered at a fixed progress waypoint rather than a value
// computed from sub-steps
const uploadingProgress = 80

// Dispatcher is the background worker loop. It claims the oldest pending task
// once per poll interval and drives it through the pipeline end to end before
// looking for the next one. Single-threaded on purpose: at most one task is in
// flight per process, which bounds load on the render engine.
type Dispatcher struct {
	tasks    *TaskService
	engine   RenderEngine
	waiter   CompletionWaiter
	uploader Uploader
	archive  *ArchiveService // optional, nil disables artifact archiving
	metrics  *MetricsService // optional, nil disables task metrics

	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. archive and metrics may be nil.
func NewDispatcher(
	tasks *TaskService,
	engine RenderEngine,
	waiter CompletionWaiter,
	uploader Uploader,
	archive *ArchiveService,
	metrics *MetricsService,
	pollInterval time.Duration,
) *Dispatcher {
	return &Dispatcher{
		tasks:        tasks,
		engine:       engine,
		waiter:       waiter,
		uploader:     uploader,
		archive:      archive,
		metrics:      metrics,
		pollInterval: pollInterval,
	}
}

// Start launches the worker loop. Starting a running dispatcher is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.run(ctx)
	log.Println("Background dispatcher started")
}

// Stop cancels the loop and waits for it to exit. The task being processed in
// the current iteration is not aborted beyond cancelling its completion wait;
// Stop only prevents further iterations.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}

	d.cancel()
	<-d.done
	d.running = false
	log.Println("Background dispatcher stopped")
}

// run is the main worker loop. A single task failure never terminates it.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		d.processPending(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// processPending claims and processes at most one pending task
func (d *Dispatcher) processPending(ctx context.Context) {
	pending, err := d.tasks.ClaimPending(ctx, 1)
	if err != nil {
		log.Printf("WARNING: Failed to claim pending tasks: %v", err)
		return
	}

	for _, task := range pending {
		started := time.Now()
		result, err := d.processTask(ctx, task)
		if err != nil {
			log.Printf("WARNING: Task %s failed: %v", task.ID, err)
			if failErr := d.tasks.Fail(ctx, task.ID, err.Error()); failErr != nil {
				log.Printf("WARNING: Failed to record failure for task %s: %v", task.ID, failErr)
			}
			d.recordOutcome(ctx, task.ID, models.TaskStatusFailed, time.Since(started), 0)
			continue
		}
		d.recordOutcome(ctx, task.ID, models.TaskStatusCompleted, time.Since(started), len(result.Images))
	}
}

// processTask drives a single task through the pipeline:
// submit -> wait -> extract outputs -> download -> upload -> complete
func (d *Dispatcher) processTask(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	log.Printf("Processing task %s", task.ID)

	if err := d.tasks.Transition(ctx, task.ID, models.TaskStatusProcessing, 0); err != nil {
		return nil, err
	}

	promptID, err := d.engine.QueuePrompt(ctx, task.Workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to queue workflow: %w", err)
	}
	log.Printf("Task %s: Queued prompt %s", task.ID, promptID)

	history, err := d.waiter.Wait(ctx, promptID, func(progress int) {
		if err := d.tasks.Transition(ctx, task.ID, models.TaskStatusProcessing, progress); err != nil {
			log.Printf("WARNING: Failed to record progress for task %s: %v", task.ID, err)
		}
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Task %s: Workflow completed", task.ID)

	outputs := OutputsForNodes(history, task.OutputNodeIDs)
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	log.Printf("Task %s: Found %d output images", task.ID, len(outputs))

	if err := d.tasks.Transition(ctx, task.ID, models.TaskStatusUploading, uploadingProgress); err != nil {
		return nil, err
	}

	images := make([]UploadImage, 0, len(outputs))
	for _, output := range outputs {
		data, err := d.engine.GetImage(ctx, output)
		if err != nil {
			return nil, err
		}
		if d.archive != nil {
			if _, err := d.archive.Store(ctx, task.ID, output.NodeID, output.Filename, data); err != nil {
				log.Printf("WARNING: Failed to archive image %s for task %s: %v", output.Filename, task.ID, err)
			}
		}
		images = append(images, UploadImage{Data: data, Filename: output.Filename})
	}
	log.Printf("Task %s: Downloaded %d images", task.ID, len(images))

	recordID, fileTokens, err := d.uploader.UploadAndAttach(ctx, images, task.UploadTarget)
	if err != nil {
		return nil, err
	}
	log.Printf("Task %s: Uploaded to record %s", task.ID, recordID)

	result := &models.TaskResult{
		Images:   make([]models.ImageResult, 0, len(outputs)),
		RecordID: recordID,
	}
	for i, output := range outputs {
		image := models.ImageResult{
			NodeID:   output.NodeID,
			Filename: output.Filename,
		}
		if i < len(fileTokens) {
			image.FileToken = fileTokens[i]
		}
		result.Images = append(result.Images, image)
	}

	if err := d.tasks.Complete(ctx, task.ID, result); err != nil {
		return nil, err
	}
	log.Printf("Task %s: Completed successfully", task.ID)
	return result, nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, taskID string, status models.TaskStatus, duration time.Duration, imageCount int) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.RecordTaskOutcome(ctx, taskID, status, duration, imageCount); err != nil {
		log.Printf("WARNING: Failed to record metrics for task %s: %v", taskID, err)
	}
}
