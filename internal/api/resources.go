package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/orchview/orchview/internal/model"
)

// CreateTaskRequest is the payload for CreateTask.
type CreateTaskRequest struct {
	InstanceID string `json:"instanceId"`
	Title      string `json:"title"`
	Prompt     string `json:"prompt"`
}

// ListInstances returns every orchestrated instance.
func (c *Client) ListInstances(ctx context.Context) ([]model.Instance, error) {
	var out []model.Instance
	if err := c.getJSON(ctx, "instances", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns one instance by ID.
func (c *Client) GetInstance(ctx context.Context, id string) (model.Instance, error) {
	var out model.Instance
	if err := c.getJSON(ctx, "instances/"+url.PathEscape(id), &out); err != nil {
		return model.Instance{}, err
	}
	return out, nil
}

// ListTasks returns every task.
func (c *Client) ListTasks(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	if err := c.getJSON(ctx, "tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTask queues a new task and returns it.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (model.Task, error) {
	if req.Title == "" {
		return model.Task{}, fmt.Errorf("create task: title is empty")
	}
	var out model.Task
	if err := c.postJSON(ctx, "tasks", req, &out); err != nil {
		return model.Task{}, err
	}
	return out, nil
}

// CancelTask asks the backend to cancel a task.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.postJSON(ctx, "tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ListWorktrees returns every worktree.
func (c *Client) ListWorktrees(ctx context.Context) ([]model.Worktree, error) {
	var out []model.Worktree
	if err := c.getJSON(ctx, "worktrees", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteWorktree removes a worktree.
func (c *Client) DeleteWorktree(ctx context.Context, id string) error {
	return c.delete(ctx, "worktrees/"+url.PathEscape(id))
}

// ListAlerts returns raised alerts.
func (c *Client) ListAlerts(ctx context.Context) ([]model.Alert, error) {
	var out []model.Alert
	if err := c.getJSON(ctx, "alerts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AckAlert acknowledges an alert.
func (c *Client) AckAlert(ctx context.Context, id string) error {
	return c.postJSON(ctx, "alerts/"+url.PathEscape(id)+"/ack", nil, nil)
}

// LogTail returns the last n log lines of an instance.
func (c *Client) LogTail(ctx context.Context, instanceID string, n int) ([]model.LogLine, error) {
	if n <= 0 {
		n = 100
	}
	path := "instances/" + url.PathEscape(instanceID) + "/logs?n=" + strconv.Itoa(n)
	var out []model.LogLine
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}
