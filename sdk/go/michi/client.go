package michi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the michi server (e.g. "http://localhost:8080").
	BaseURL string

	// WorkerID identifies this process. It is sent as X-Worker-ID on every
	// request and filled into reports that do not name a worker. Optional.
	WorkerID string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the michi API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	workerID string
	client   *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or malformed.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("michi: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("michi: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		workerID: cfg.WorkerID,
		client:   httpClient,
	}, nil
}

// StartTrace opens a trace and its root instance.
func (c *Client) StartTrace(ctx context.Context, req StartTraceRequest) (*StartTraceResponse, error) {
	var resp StartTraceResponse
	if err := c.post(ctx, "/v1/traces", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportEvent sends one execution event and returns the acknowledgement,
// whose Command the worker must obey.
func (c *Client) ReportEvent(ctx context.Context, r Report) (*ReportResponse, error) {
	if r.WorkerID == "" {
		r.WorkerID = c.workerID
	}
	var resp ReportResponse
	if err := c.post(ctx, "/v1/events", r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExpandTopology attaches subtasks under a parent instance.
func (c *Client) ExpandTopology(ctx context.Context, req ExpandRequest) (*ExpandResponse, error) {
	var resp ExpandResponse
	if err := c.post(ctx, "/v1/topology", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ControlTrace applies a control action to a whole trace.
func (c *Client) ControlTrace(ctx context.Context, traceID string, action ControlAction) (*ControlResponse, error) {
	body := map[string]any{"trace_id": traceID, "signal": action}
	var resp ControlResponse
	if err := c.post(ctx, "/v1/control/trace", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ControlNode applies a control action to the subtree rooted at taskID.
func (c *Client) ControlNode(ctx context.Context, traceID, taskID string, action ControlAction) (*ControlResponse, error) {
	body := map[string]any{"trace_id": traceID, "instance_task_id": taskID, "signal": action}
	var resp ControlResponse
	if err := c.post(ctx, "/v1/control/node", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TraceSignal returns the trace-wide signal.
func (c *Client) TraceSignal(ctx context.Context, traceID string) (*TraceSignal, error) {
	var resp TraceSignal
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/signal", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrace returns a trace record.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	var resp Trace
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LatestTraceByRequest returns the id of the most recent trace opened for
// requestID.
func (c *Client) LatestTraceByRequest(ctx context.Context, requestID string) (string, error) {
	var resp struct {
		TraceID string `json:"trace_id"`
	}
	path := "/v1/traces/latest?request_id=" + url.QueryEscape(requestID)
	if err := c.get(ctx, path, &resp); err != nil {
		return "", err
	}
	return resp.TraceID, nil
}

// GetInstance returns one instance. traceID may be empty when the task id is
// unique across traces.
func (c *Client) GetInstance(ctx context.Context, traceID, taskID string) (*Instance, error) {
	path := "/v1/instances/" + url.PathEscape(taskID)
	if traceID != "" {
		path += "?trace_id=" + url.QueryEscape(traceID)
	}
	var resp Instance
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListInstances returns every instance of a trace.
func (c *Client) ListInstances(ctx context.Context, traceID string) ([]Instance, error) {
	var resp []Instance
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/instances", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadyInstances returns pending instances whose dependencies have all
// succeeded. A limit of zero uses the server default.
func (c *Client) ReadyInstances(ctx context.Context, traceID string, limit int) ([]Instance, error) {
	path := "/v1/traces/" + url.PathEscape(traceID) + "/ready"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Instance
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TraceSummary returns per-status instance counts for a trace.
func (c *Client) TraceSummary(ctx context.Context, traceID string) (*TraceSummary, error) {
	var resp TraceSummary
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinishTrace moves a trace to a terminal status.
func (c *Client) FinishTrace(ctx context.Context, traceID string, status TraceStatus) (*Trace, error) {
	var resp Trace
	path := "/v1/traces/" + url.PathEscape(traceID) + "/finish"
	if err := c.post(ctx, path, map[string]any{"status": status}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("michi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.workerID != "" {
		req.Header.Set("X-Worker-ID", c.workerID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("michi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("michi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("michi: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
