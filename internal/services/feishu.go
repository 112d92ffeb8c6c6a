package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

// UploadImage pairs image bytes with the filename they are uploaded under
type UploadImage struct {
	Data     []byte
	Filename string
}

// Uploader attaches rendered images to a Bitable record. Returns the record
// id written to and the file tokens of the uploaded images, in input order.
type Uploader interface {
	UploadAndAttach(ctx context.Context, images []UploadImage, target models.UploadTarget) (string, []string, error)
}

// FeishuClient talks to the Feishu open platform: Drive media uploads and
// Bitable record operations. Tenant access tokens are cached until shortly
// before expiry.
type FeishuClient struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	retry      RetryPolicy

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewFeishuClient creates a Feishu client. Image uploads retry up to 3 times
// with 1s/2s/4s backoff before the whole attach call is aborted.
func NewFeishuClient(baseURL, appID, appSecret string) *FeishuClient {
	return &FeishuClient{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      NewRetryPolicy(3, time.Second),
	}
}

// feishuResponse is the common response envelope of the open platform APIs
type feishuResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// tenantAccessToken returns a cached token, refreshing it when it is within
// a minute of expiring.
func (c *FeishuClient) tenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request tenant access token: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("failed to get tenant access token: %d - %s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.Expire) * time.Second)
	return c.token, nil
}

// doJSON performs an authenticated JSON request and unwraps the response envelope
func (c *FeishuClient) doJSON(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope feishuResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Code != 0 {
		return nil, fmt.Errorf("feishu API error: %d - %s", envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

// UploadImage uploads image bytes to Feishu Drive and returns the file token.
// Transport failures and non-success responses are retried with exponential
// backoff; the last error surfaces when all attempts fail.
func (c *FeishuClient) UploadImage(ctx context.Context, data []byte, filename, parentNode string) (string, error) {
	var fileToken string
	attempt := 0
	err := c.retry.Do(ctx, func() error {
		attempt++
		token, err := c.uploadImageOnce(ctx, data, filename, parentNode)
		if err != nil {
			log.Printf("WARNING: Upload failed (attempt %d/%d): %v", attempt, c.retry.MaxRetries+1, err)
			return err
		}
		fileToken = token
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image %s: %w", filename, err)
	}
	if attempt > 1 {
		log.Printf("Upload succeeded after %d retries: %s", attempt-1, filename)
	}
	return fileToken, nil
}

func (c *FeishuClient) uploadImageOnce(ctx context.Context, data []byte, filename, parentNode string) (string, error) {
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("file_name", filename)
	_ = writer.WriteField("parent_type", "bitable_image")
	_ = writer.WriteField("parent_node", parentNode)
	_ = writer.WriteField("size", strconv.Itoa(len(data)))
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/drive/v1/medias/upload_all", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var envelope feishuResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if envelope.Code != 0 {
		return "", fmt.Errorf("upload rejected: %d - %s", envelope.Code, envelope.Msg)
	}

	var uploaded struct {
		FileToken string `json:"file_token"`
	}
	if err := json.Unmarshal(envelope.Data, &uploaded); err != nil {
		return "", fmt.Errorf("failed to decode upload data: %w", err)
	}
	return uploaded.FileToken, nil
}

// CreateRecord creates a new Bitable record and returns its id
func (c *FeishuClient) CreateRecord(ctx context.Context, appToken, tableID string, fields map[string]interface{}) (string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", appToken, tableID)
	data, err := c.doJSON(ctx, http.MethodPost, path, map[string]interface{}{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	return recordIDFrom(data)
}

// UpdateRecord updates an existing Bitable record and returns its id
func (c *FeishuClient) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) (string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, recordID)
	data, err := c.doJSON(ctx, http.MethodPut, path, map[string]interface{}{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("failed to update record %s: %w", recordID, err)
	}
	return recordIDFrom(data)
}

// GetRecord returns the field values of a Bitable record
func (c *FeishuClient) GetRecord(ctx context.Context, appToken, tableID, recordID string) (map[string]interface{}, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, recordID)
	data, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", recordID, err)
	}

	var result struct {
		Record struct {
			Fields map[string]interface{} `json:"fields"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return result.Record.Fields, nil
}

func recordIDFrom(data json.RawMessage) (string, error) {
	var result struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to decode record response: %w", err)
	}
	return result.Record.RecordID, nil
}

// UploadAndAttach uploads all images and attaches their file tokens to the
// target record. When the target names an existing record, the current
// attachment list is read first and the new tokens are appended to it; a read
// failure degrades to overwriting with only the new tokens. The call is not
// transactional: images uploaded before a later failure stay in Drive.
func (c *FeishuClient) UploadAndAttach(ctx context.Context, images []UploadImage, target models.UploadTarget) (string, []string, error) {
	fileTokens := make([]string, 0, len(images))
	for _, img := range images {
		// Bitable images use the app token as the Drive parent node
		token, err := c.UploadImage(ctx, img.Data, img.Filename, target.AppToken)
		if err != nil {
			return "", nil, err
		}
		log.Printf("Uploaded image %s, token: %s", img.Filename, token)
		fileTokens = append(fileTokens, token)
	}

	imageField := target.ImageField
	if imageField == "" {
		imageField = defaultImageField
	}

	// Append to existing attachments rather than overwriting them
	var attachments []map[string]interface{}
	if target.RecordID != "" {
		existing, err := c.GetRecord(ctx, target.AppToken, target.TableID, target.RecordID)
		if err != nil {
			log.Printf("WARNING: Failed to read existing record %s, overwriting attachments: %v", target.RecordID, err)
		} else {
			attachments = existingAttachments(existing[imageField])
			log.Printf("Found %d existing images in record %s", len(attachments), target.RecordID)
		}
	}
	for _, token := range fileTokens {
		attachments = append(attachments, map[string]interface{}{"file_token": token})
	}
	fields := map[string]interface{}{imageField: attachments}

	if target.RecordID != "" {
		recordID, err := c.UpdateRecord(ctx, target.AppToken, target.TableID, target.RecordID, fields)
		if err != nil {
			return "", nil, err
		}
		log.Printf("Updated record %s with %d new images (total: %d)", recordID, len(fileTokens), len(attachments))
		return recordID, fileTokens, nil
	}

	recordID, err := c.CreateRecord(ctx, target.AppToken, target.TableID, fields)
	if err != nil {
		return "", nil, err
	}
	log.Printf("Created new record %s with %d images", recordID, len(fileTokens))
	return recordID, fileTokens, nil
}

// existingAttachments extracts file_token references from a Bitable attachment
// field value, tolerating whatever shape the API returned
func existingAttachments(value interface{}) []map[string]interface{} {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var attachments []map[string]interface{}
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		token, ok := entry["file_token"].(string)
		if !ok || token == "" {
			continue
		}
		attachments = append(attachments, map[string]interface{}{"file_token": token})
	}
	return attachments
}
