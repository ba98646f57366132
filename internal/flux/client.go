// Package flux is an image-edit provider backed by the Black Forest Labs
// FLUX API.
package flux

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/raine/roomedit/internal/edit"
)

const (
	DefaultBaseURL = "https://api.bfl.ai"
	DefaultModel   = "flux-2-pro"

	// Fixed seed so the same instruction on the same image is reproducible
	defaultSeed         = 42
	defaultOutputFormat = "jpeg"

	DefaultRequestTimeout = 30 * time.Second
)

// BFL job statuses
const (
	StatusReady            = "Ready"
	StatusPending          = "Pending"
	StatusFailed           = "Failed"
	StatusError            = "Error"
	StatusContentModerated = "Content Moderated"
	StatusRequestModerated = "Request Moderated"
	StatusTaskNotFound     = "Task not found"
)

type ClientOpts struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds every HTTP request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

// Client submits edit jobs to FLUX and queries their results.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	model      string
}

var _ edit.Provider = (*Client)(nil)

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: DefaultBaseURL, model: DefaultModel}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	if opts.Model != "" {
		c.model = opts.Model
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeaders(
			map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
				"x-key":        opts.APIKey,
			},
		)

	return &c
}

type submitRequest struct {
	Prompt       string `json:"prompt"`
	InputImage   string `json:"input_image"`
	Seed         int    `json:"seed"`
	OutputFormat string `json:"output_format"`
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url,omitempty"`
}

type resultResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result *struct {
		Sample string `json:"sample"`
	} `json:"result"`
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx)

	if result != nil {
		request.SetResult(result)
	}

	return request
}

// Submit starts an edit of imageRef, which may be a URL or base64 image
// data, and returns the FLUX task id.
func (c *Client) Submit(ctx context.Context, instruction, imageRef string) (string, error) {
	result := &submitResponse{}
	_, err := handleError(c.req(ctx, result).
		SetPathParam("model", c.model).
		SetBody(submitRequest{
			Prompt:       instruction,
			InputImage:   imageRef,
			Seed:         defaultSeed,
			OutputFormat: defaultOutputFormat,
		}).
		Post("/v1/{model}"))
	if err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("flux returned no task id")
	}
	return result.ID, nil
}

// Status queries a task. Moderation and error outcomes are reported as
// Failed with the FLUX status as the reason.
func (c *Client) Status(ctx context.Context, jobID string) (edit.JobStatus, error) {
	result := &resultResponse{}
	_, err := handleError(c.req(ctx, result).
		SetQueryParam("id", jobID).
		Get("/v1/get_result"))
	if err != nil {
		return edit.JobStatus{}, err
	}
	return toJobStatus(result), nil
}

func toJobStatus(r *resultResponse) edit.JobStatus {
	switch r.Status {
	case StatusReady:
		status := edit.JobStatus{State: edit.JobReady}
		if r.Result != nil {
			status.Payload = r.Result.Sample
		}
		return status
	case StatusFailed, StatusError, StatusContentModerated, StatusRequestModerated:
		return edit.JobStatus{State: edit.JobFailed, Reason: r.Status}
	default:
		return edit.JobStatus{State: edit.JobPending}
	}
}

// handleError is a generic error handler for failing response (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	return res, nil
}
