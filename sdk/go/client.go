package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jobline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SubmitRequest describes a task to enqueue.
type SubmitRequest struct {
	Name          string         `json:"name,omitempty"`
	Job           string         `json:"job"`
	Action        string         `json:"action,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Token         string         `json:"token,omitempty"`
	Index1        string         `json:"index1,omitempty"`
	Index2        string         `json:"index2,omitempty"`
	Static        bool           `json:"static,omitempty"`
	Frequency     int            `json:"frequency,omitempty"`
	PlannedAt     *time.Time     `json:"planned_at,omitempty"`
	Unconditional bool           `json:"unconditional,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Job           string     `json:"job"`
	Action        string     `json:"action"`
	Priority      int        `json:"priority"`
	Token         string     `json:"token"`
	State         string     `json:"state"`
	Try           int        `json:"try"`
	Fault         string     `json:"fault"`
	Output        string     `json:"output"`
	Discriminator string     `json:"discriminator"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at"`
}

// Counts are task counters for a filter.
type Counts struct {
	Waiting  int `json:"waiting"`
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

// Status is the scheduler overview.
type Status struct {
	Tasks   Counts `json:"tasks"`
	Workers struct {
		Running    int `json:"running"`
		Disabled   int `json:"disabled"`
		Sleeping   int `json:"sleeping"`
		Supervisor int `json:"supervisor"`
	} `json:"workers"`
}

// Worker represents one worker slot record.
type Worker struct {
	ID       int64     `json:"id"`
	Node     string    `json:"node"`
	Slot     int       `json:"slot"`
	PID      int       `json:"pid"`
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Alive    bool      `json:"alive"`
	LastSeen time.Time `json:"last_seen"`
	Task     string    `json:"task"`
}

// Filters narrow Status and Wait. Empty fields match everything.
type Filters struct {
	Token         string `json:"token,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Index1        string `json:"index1,omitempty"`
	Index2        string `json:"index2,omitempty"`
	Job           string `json:"job,omitempty"`
}

func (f Filters) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{"token": f.Token, "discriminator": f.Discriminator, "index1": f.Index1, "index2": f.Index2, "job": f.Job} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsDuplicate reports whether err is the conflict returned when an identical
// task is already waiting.
func IsDuplicate(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Submit enqueues a task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Status returns task counters for f plus the worker summary.
func (c *Client) Status(ctx context.Context, f Filters) (Status, error) {
	endpoint := "status"
	if q := f.query().Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp Status
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Workers lists worker records, optionally for one node.
func (c *Client) Workers(ctx context.Context, node string) ([]Worker, error) {
	endpoint := "workers"
	if node != "" {
		endpoint += "?node=" + url.QueryEscape(node)
	}
	var resp []Worker
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetWorkerEnabled enables or disables a worker slot.
func (c *Client) SetWorkerEnabled(ctx context.Context, id int64, enabled bool) (Worker, error) {
	var resp Worker
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("workers/%d", id), map[string]any{"enabled": enabled}, &resp)
	return resp, err
}

// Wait blocks server side until no task matching f is waiting or running,
// or until timeout. The server caps timeout at five minutes.
func (c *Client) Wait(ctx context.Context, f Filters, timeout time.Duration) (bool, Counts, error) {
	body := struct {
		Filters
		Timeout string `json:"timeout,omitempty"`
	}{Filters: f}
	if timeout > 0 {
		body.Timeout = timeout.String()
	}
	var resp struct {
		Completed bool   `json:"completed"`
		Tasks     Counts `json:"tasks"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/wait", body, &resp)
	return resp.Completed, resp.Tasks, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if timeout := c.Timeout; timeout > 0 {
		// Wait holds the request open for up to five minutes.
		if strings.HasPrefix(endpoint, "tasks/wait") {
			timeout += 5 * time.Minute
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
