package imagine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

// adminClient talks to the backend's task admin RPCs and builds the per-task
// stream URLs.
type adminClient struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

func newAdminClient(base string, client *http.Client, logger *slog.Logger) *adminClient {
	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		client: client,
		logger: logger,
	}
}

type startTaskRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type startTaskResponse struct {
	TaskID string `json:"task_id"`
}

type stopTasksRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// startTask creates one remote generation task and returns its id.
func (c *adminClient) startTask(ctx context.Context, prompt, aspectRatio string) (string, error) {
	body, err := json.Marshal(startTaskRequest{Prompt: prompt, AspectRatio: aspectRatio})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/admin/imagine/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Transport(errors.CodeTaskCreateFailed, "start task rpc: %v", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Upstream(errors.CodeTaskCreateFailed, "start task rpc: HTTP %d", resp.StatusCode)
	}

	var out startTaskResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Upstream(errors.CodeTaskCreateFailed, "decode start response: %v", err)
	}
	if out.TaskID == "" {
		return "", errors.Upstream(errors.CodeTaskCreateFailed, "start response missing task_id")
	}
	return out.TaskID, nil
}

// stopTasks asks the backend to stop the given tasks.
func (c *adminClient) stopTasks(ctx context.Context, taskIDs []string) error {
	body, err := json.Marshal(stopTasksRequest{TaskIDs: taskIDs})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/admin/imagine/stop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stop task rpc: HTTP %d", resp.StatusCode)
	}
	return nil
}

// stopTasksQuietly is the rollback path: failures are logged, never returned.
func (c *adminClient) stopTasksQuietly(ctx context.Context, taskIDs []string) {
	if err := c.stopTasks(ctx, taskIDs); err != nil {
		c.logger.Warn("rollback task stop failed", "tasks", taskIDs, "error", err)
	}
}

func (c *adminClient) wsURL(taskID string) string {
	u := c.base + "/api/v1/admin/imagine/ws?task_id=" + url.QueryEscape(taskID)
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func (c *adminClient) sseURL(taskID string) string {
	return fmt.Sprintf("%s/api/v1/admin/imagine/sse?task_id=%s&t=%d",
		c.base, url.QueryEscape(taskID), time.Now().UnixMilli())
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
