package services

import (
	"context"
	"fmt"
	"time"
)

// CompletionWaiter detects a remote prompt's terminal state. Implementations
// block until the prompt finishes, fails, or the wait budget is exhausted,
// forwarding progress percentages (0-100) to onProgress along the way.
// The dispatcher depends only on this interface; the strategy is chosen at
// process start.
type CompletionWaiter interface {
	Wait(ctx context.Context, promptID string, onProgress func(int)) (*PromptHistory, error)
}

// HistoryClient is the slice of the ComfyUI client the waiters need
type HistoryClient interface {
	GetHistory(ctx context.Context, promptID string) (*PromptHistory, error)
}

// DefaultPollInterval is the fixed interval between history polls
const DefaultPollInterval = time.Second

// PollWaiter detects completion by polling the history endpoint at a fixed
// interval. It reports no intermediate progress; the history endpoint only
// carries the terminal marker.
type PollWaiter struct {
	history  HistoryClient
	interval time.Duration
	timeout  time.Duration
}

// NewPollWaiter creates a poll-based completion waiter
func NewPollWaiter(history HistoryClient, interval, timeout time.Duration) *PollWaiter {
	return &PollWaiter{
		history:  history,
		interval: interval,
		timeout:  timeout,
	}
}

// Wait polls until the prompt reaches a terminal marker or the budget runs out
func (w *PollWaiter) Wait(ctx context.Context, promptID string, onProgress func(int)) (*PromptHistory, error) {
	deadline := time.Now().Add(w.timeout)

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrWaitTimeout, w.timeout)
		}

		history, err := w.history.GetHistory(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if history != nil {
			if history.Status.StatusStr == "success" || history.Status.Completed {
				return history, nil
			}
			if history.Status.StatusStr == "error" {
				return nil, &ExecutionError{Message: executionErrorMessage(history.Status.Messages)}
			}
			// No terminal marker yet: still running
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.interval):
		}
	}
}
