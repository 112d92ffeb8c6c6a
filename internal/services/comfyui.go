package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// PromptHistory is ComfyUI's execution record for one queued prompt
type PromptHistory struct {
	Status  PromptStatus          `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// PromptStatus carries the terminal marker and any status messages
type PromptStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// NodeOutput holds the images one node produced
type NodeOutput struct {
	Images []ImageInfo `json:"images"`
}

// ImageInfo locates an image on the ComfyUI host
type ImageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// OutputImage is an ImageInfo tagged with the node that produced it
type OutputImage struct {
	NodeID string
	ImageInfo
}

// ComfyUIClient is a thin REST client for a ComfyUI instance
type ComfyUIClient struct {
	httpURL    string
	wsURL      string
	clientID   string
	httpClient *http.Client
}

// NewComfyUIClient creates a ComfyUI client. The generated client id scopes
// the websocket event stream used by the push wait strategy.
func NewComfyUIClient(httpURL, wsURL string) *ComfyUIClient {
	return &ComfyUIClient{
		httpURL:    httpURL,
		wsURL:      wsURL,
		clientID:   uuid.New().String(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// ClientID returns the session id used for websocket subscriptions
func (c *ComfyUIClient) ClientID() string {
	return c.clientID
}

// WSSubscribeURL returns the websocket endpoint scoped to this client session
func (c *ComfyUIClient) WSSubscribeURL() string {
	return fmt.Sprintf("%s?clientId=%s", c.wsURL, url.QueryEscape(c.clientID))
}

// QueuePrompt submits a workflow and returns the prompt id
func (c *ComfyUIClient) QueuePrompt(ctx context.Context, workflow map[string]interface{}) (string, error) {
	payload := map[string]interface{}{
		"prompt":    workflow,
		"client_id": c.clientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to queue prompt: status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode queue response: %w", err)
	}
	return result.PromptID, nil
}

// GetHistory returns the execution history for a prompt, or (nil, nil) while
// ComfyUI has not recorded an entry for it yet.
func (c *ComfyUIClient) GetHistory(ctx context.Context, promptID string) (*PromptHistory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get history: status %d", resp.StatusCode)
	}

	// The endpoint returns a map keyed by prompt id; the key is absent until
	// execution has been recorded.
	var histories map[string]PromptHistory
	if err := json.NewDecoder(resp.Body).Decode(&histories); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	history, ok := histories[promptID]
	if !ok {
		return nil, nil
	}
	return &history, nil
}

// GetImage downloads an output image's bytes from ComfyUI
func (c *ComfyUIClient) GetImage(ctx context.Context, image OutputImage) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", image.Filename)
	params.Set("subfolder", image.Subfolder)
	params.Set("type", image.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image %s: %w", image.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image %s: status %d", image.Filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Health reports whether the ComfyUI instance is reachable
func (c *ComfyUIClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// OutputsForNodes extracts the images produced by the requested nodes, in the
// order the node ids were requested. Nodes without outputs are skipped with a
// warning.
func OutputsForNodes(history *PromptHistory, nodeIDs []string) []OutputImage {
	var images []OutputImage
	for _, nodeID := range nodeIDs {
		nodeOutput, ok := history.Outputs[nodeID]
		if !ok {
			log.Printf("WARNING: Node %s not found in workflow outputs", nodeID)
			continue
		}
		for _, img := range nodeOutput.Images {
			if img.Type == "" {
				img.Type = "output"
			}
			images = append(images, OutputImage{NodeID: nodeID, ImageInfo: img})
		}
	}
	return images
}

// executionErrorMessage extracts the exception message from the first
// execution_error entry in the status messages. Messages are heterogeneous
// ["kind", {payload}] pairs, so they are decoded in two steps.
func executionErrorMessage(messages []json.RawMessage) string {
	for _, raw := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var payload struct {
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &payload); err == nil && payload.ExceptionMessage != "" {
			return payload.ExceptionMessage
		}
	}
	return "Unknown error"
}
