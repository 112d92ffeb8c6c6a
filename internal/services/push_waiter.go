package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// wsMessage is the envelope ComfyUI sends on its event websocket
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

type wsExecutingData struct {
	// Node is null when the whole prompt has finished executing
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type wsExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

// PushWaiter detects completion by consuming ComfyUI's websocket event stream
// scoped to a client session id. Events are decoded on a reader goroutine and
// handed over a bounded channel; the Wait loop drains that channel and performs
// the durable progress writes, so the socket callback never touches the store
// directly and ordering is preserved.
type PushWaiter struct {
	subscribeURL string
	history      HistoryClient
	timeout      time.Duration
	inactivity   time.Duration
}

// NewPushWaiter creates a push-based completion waiter. subscribeURL must
// already carry the clientId query parameter (see ComfyUIClient.WSSubscribeURL).
func NewPushWaiter(subscribeURL string, history HistoryClient, timeout time.Duration) *PushWaiter {
	return &PushWaiter{
		subscribeURL: subscribeURL,
		history:      history,
		timeout:      timeout,
		inactivity:   30 * time.Second,
	}
}

// Wait consumes events until an "executing" event with a null node signals
// completion, an execution_error aborts, or the overall budget runs out.
// Channel silence only triggers a re-check of the overall elapsed time; it is
// never itself a failure. The authoritative result is still fetched from the
// history endpoint, because the event stream carries progress only.
func (w *PushWaiter) Wait(ctx context.Context, promptID string, onProgress func(int)) (*PromptHistory, error) {
	// The caller's context outlives this wait. Derive a per-wait context so
	// the reader goroutine is released when Wait returns on any path.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.subscribeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket subscription: %w", err)
	}
	defer conn.Close()

	events := make(chan wsMessage, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			// ComfyUI also streams binary preview frames; only the JSON
			// text frames matter here.
			if messageType != websocket.TextMessage {
				continue
			}
			var msg wsMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				log.Printf("WARNING: Skipping undecodable websocket event: %v", err)
				continue
			}
			select {
			case events <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	deadline := time.Now().Add(w.timeout)

	for {
		select {
		case msg := <-events:
			done, err := w.handleEvent(msg, promptID, onProgress)
			if err != nil {
				return nil, err
			}
			if done {
				return w.fetchResult(ctx, promptID)
			}

		case <-time.After(w.inactivity):
			// Inactivity alone is not a failure: only the overall budget is

		case err := <-readErr:
			return nil, fmt.Errorf("websocket subscription closed: %w", err)

		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrWaitTimeout, w.timeout)
		}
	}
}

// handleEvent processes one decoded event and reports whether the prompt is done
func (w *PushWaiter) handleEvent(msg wsMessage, promptID string, onProgress func(int)) (bool, error) {
	switch msg.Type {
	case "progress":
		var data wsProgressData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return false, nil
		}
		if data.PromptID != "" && data.PromptID != promptID {
			return false, nil
		}
		if onProgress != nil {
			onProgress(progressPercent(data.Value, data.Max))
		}

	case "executing":
		var data wsExecutingData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return false, nil
		}
		// A null node for our prompt signals overall completion
		if data.PromptID == promptID && data.Node == nil {
			return true, nil
		}

	case "execution_error":
		var data wsExecutionErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return false, nil
		}
		if data.PromptID != promptID {
			return false, nil
		}
		message := data.ExceptionMessage
		if message == "" {
			message = "Unknown error"
		}
		return false, &ExecutionError{Message: message}
	}
	return false, nil
}

// fetchResult retrieves the final history record. The history entry can lag
// the completion event by a moment, so absence is retried briefly.
func (w *PushWaiter) fetchResult(ctx context.Context, promptID string) (*PromptHistory, error) {
	for attempt := 0; attempt < 10; attempt++ {
		history, err := w.history.GetHistory(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if history != nil {
			return history, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("prompt %s completed but no history entry appeared", promptID)
}

// progressPercent converts a value/max pair to a 0-100 percentage, rounding
// toward zero. A non-positive max counts as 0%.
func progressPercent(value, max int) int {
	if max <= 0 {
		return 0
	}
	pct := value * 100 / max
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
