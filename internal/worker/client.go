package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/me/fairq/pkg/model"
)

// WorkerKeyHeader carries the shared secret on callback requests.
const WorkerKeyHeader = "X-Worker-Key"

// Client reports attempt outcomes to the fairq server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	workerKey  string
}

// NewClient creates a callback client with connection pooling.
func NewClient(baseURL, workerKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:   baseURL,
		workerKey: workerKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Complete reports a successful attempt.
func (c *Client) Complete(ctx context.Context, taskID string, attempt int, res model.TaskResult) error {
	req := model.CompleteTaskRequest{Attempt: attempt, ResultRef: res.ResultRef, SizeBytes: res.SizeBytes}
	if err := c.post(ctx, taskID, "complete", req); err != nil {
		return fmt.Errorf("report complete: %w", err)
	}
	return nil
}

// Fail reports a failed attempt.
func (c *Client) Fail(ctx context.Context, taskID string, attempt int, terr model.TaskError) error {
	req := model.FailTaskRequest{Attempt: attempt, Error: terr}
	if err := c.post(ctx, taskID, "fail", req); err != nil {
		return fmt.Errorf("report fail: %w", err)
	}
	return nil
}

// Checkpoint records progress the attempt can resume from.
func (c *Client) Checkpoint(ctx context.Context, taskID string, attempt int, ref string) error {
	req := model.CheckpointTaskRequest{Attempt: attempt, CheckpointRef: ref}
	if err := c.post(ctx, taskID, "checkpoint", req); err != nil {
		return fmt.Errorf("report checkpoint: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, taskID, action string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v1/tasks/%s/%s", url.PathEscape(taskID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.workerKey != "" {
		req.Header.Set(WorkerKeyHeader, c.workerKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope model.Response
		respBody, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, envelope.Error.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
