package schedctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gpuschedd/pkg/types"
)

// Client talks to a gpuschedd daemon over HTTP.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient builds a client for the given base URL, e.g. http://localhost:8080.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Status fetches the GPU and scheduler overview.
func (c *Client) Status() (types.SystemStatus, error) {
	var out types.SystemStatus
	err := c.do(http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Tasks fetches all tasks grouped by lifecycle collection.
func (c *Client) Tasks() (types.TaskList, error) {
	var out types.TaskList
	err := c.do(http.MethodGet, "/api/tasks", nil, &out)
	return out, err
}

// Submit enqueues a script for execution.
func (c *Client) Submit(scriptPath string, priority int) (types.SubmitResponse, error) {
	var out types.SubmitResponse
	err := c.do(http.MethodPost, "/api/submit", types.SubmitRequest{ScriptPath: scriptPath, Priority: priority}, &out)
	return out, err
}

// Task fetches a single task by id.
func (c *Client) Task(id string) (types.Task, error) {
	var out types.Task
	err := c.do(http.MethodGet, "/api/task/"+id, nil, &out)
	return out, err
}

// Cancel requests cancellation of a pending or running task.
func (c *Client) Cancel(id string) (types.MessageResponse, error) {
	var out types.MessageResponse
	err := c.do(http.MethodPost, "/api/task/"+id+"/cancel", nil, &out)
	return out, err
}

// Start resumes the scheduling loop.
func (c *Client) Start() (types.MessageResponse, error) {
	var out types.MessageResponse
	err := c.do(http.MethodPost, "/api/start", nil, &out)
	return out, err
}

// Stop pauses the scheduling loop.
func (c *Client) Stop() (types.MessageResponse, error) {
	var out types.MessageResponse
	err := c.do(http.MethodPost, "/api/stop", nil, &out)
	return out, err
}

// Intervals fetches the current scheduler loop pauses.
func (c *Client) Intervals() (types.Intervals, error) {
	var out types.Intervals
	err := c.do(http.MethodGet, "/api/config", nil, &out)
	return out, err
}

// SetIntervals updates the scheduler loop pauses.
func (c *Client) SetIntervals(iv types.Intervals) (types.Intervals, error) {
	var out types.Intervals
	err := c.do(http.MethodPost, "/api/config", iv, &out)
	return out, err
}

func (c *Client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr types.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
