// Package provider wraps the external video generation API. The
// ledger treats it as a black box: it is only ever called after a
// successful coin reservation, and its terminal results drive the
// charge/release paths.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Generation task states as reported by the provider.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

type Request struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Resolution  string  `json:"resolution"`
	DurationSec float64 `json:"duration_sec"`
	RequestID   string  `json:"request_id"`
}

type Result struct {
	State        string
	VideoURL     string
	ThumbnailURL string
	ErrorMessage string
}

// Terminal reports whether the provider has finished with the task.
func (r *Result) Terminal() bool {
	return r.State == StateDone || r.State == StateFailed
}

// Generator is the interface the worker depends on, so tests can swap
// in a fake without HTTP.
type Generator interface {
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, taskRef string) (*Result, error)
}

// Client talks to a Seedance-compatible generation endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient() *Client {
	baseURL := os.Getenv("SEEDANCE_API_URL")
	if baseURL == "" {
		baseURL = "https://api.seedance.example.com"
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  os.Getenv("SEEDANCE_API_KEY"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit sends a generation request and returns the provider's task
// reference. A fresh request ID is attached if the caller didn't set
// one, so provider-side retries stay deduplicated.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/video/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("provider submit: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = string(raw)
		}
		return "", fmt.Errorf("provider submit: status %d: %s", resp.StatusCode, msg)
	}

	taskRef := gjson.GetBytes(raw, "task.id").String()
	if taskRef == "" {
		return "", fmt.Errorf("provider submit: response missing task id")
	}
	return taskRef, nil
}

// Poll fetches the current state of a generation task.
func (c *Client) Poll(ctx context.Context, taskRef string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/video/tasks/"+taskRef, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider poll: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider poll: status %d", resp.StatusCode)
	}

	// The provider's payload shape has drifted across versions; pull
	// fields tolerantly instead of binding a strict struct.
	result := &Result{
		State:        gjson.GetBytes(raw, "task.state").String(),
		VideoURL:     gjson.GetBytes(raw, "task.output.video_url").String(),
		ThumbnailURL: gjson.GetBytes(raw, "task.output.thumbnail_url").String(),
		ErrorMessage: gjson.GetBytes(raw, "task.error.message").String(),
	}
	if result.State == "" {
		return nil, fmt.Errorf("provider poll: response missing task state")
	}
	return result, nil
}
