package dps

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/heritago/heritago/pkg/models"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 2
)

// Options configures the HTTP task service client.
type Options struct {
	BaseURL  string
	Username string
	Password string

	// Timeout bounds each request, not the whole task.
	Timeout time.Duration
}

// Client is the resty-based TaskService implementation.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(defaultRetryCount)

	if opts.Username != "" {
		client.SetBasicAuth(opts.Username, opts.Password)
	}

	return &Client{
		http:   client,
		logger: logger.With("module", "dps", "base_url", opts.BaseURL),
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (c *Client) SubmitTask(ctx context.Context, request SubmitRequest) (string, error) {
	var result submitResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&result).
		Post(fmt.Sprintf("/topologies/%s/tasks", TopologyName(request.Kind)))
	if err != nil {
		return "", fmt.Errorf("failed to submit %s task: %w", request.Kind, err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("task service rejected %s task: %s", request.Kind, resp.Status())
	}

	c.logger.InfoContext(ctx, "Submitted task",
		"kind", request.Kind, "dataset_id", request.DatasetID, "task_id", result.TaskID)

	return result.TaskID, nil
}

// DatasetExists reports whether the content store knows the given dataset.
func (c *Client) DatasetExists(ctx context.Context, datasetID string) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/datasets/%s", datasetID))
	if err != nil {
		return false, fmt.Errorf("failed to look up dataset %s: %w", datasetID, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}

	if resp.IsError() {
		return false, fmt.Errorf("task service dataset lookup failed: %s", resp.Status())
	}

	return true, nil
}

func (c *Client) Progress(ctx context.Context, kind models.PluginKind, taskID string) (*TaskProgress, error) {
	var progress TaskProgress

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&progress).
		Get(fmt.Sprintf("/topologies/%s/tasks/%s/progress", TopologyName(kind), taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch progress of task %s: %w", taskID, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("task service progress request failed: %s", resp.Status())
	}

	return &progress, nil
}

func (c *Client) CancelTask(ctx context.Context, kind models.PluginKind, taskID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/topologies/%s/tasks/%s/kill", TopologyName(kind), taskID))
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if resp.IsError() {
		return fmt.Errorf("task service kill request failed: %s", resp.Status())
	}

	c.logger.InfoContext(ctx, "Requested task cancellation", "kind", kind, "task_id", taskID)

	return nil
}
