// Package client talks to a graph broker over HTTP, for producers submitting
// work and for workers polling for it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dontdude/graphbroker/internal/domain"
)

// WorkerIDHeader identifies a polling worker.
const WorkerIDHeader = "X-Worker-Id"

// pollUser fills the unused user segment of a poll path.
const pollUser = "_"

// StatusError is a non-success response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// Option configures a Client.
type Option func(*Client)

// WithWorkerID sets the id sent with polls.
func WithWorkerID(id string) Option {
	return func(c *Client) { c.workerID = id }
}

// WithRetry sets how many times and how patiently failed calls are retried.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// Client is safe for concurrent use.
type Client struct {
	base     string
	workerID string
	http     *retryablehttp.Client
}

// New creates a client for the broker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = slog.Default()
	// Hand the last response back instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{base: strings.TrimRight(baseURL, "/"), http: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func queuePath(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, header http.Header) ([]byte, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != want {
		return data, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Submit enqueues tasks as job jobID of graphID and returns the task ids the
// broker assigned. Each task's addressing fields are filled in from the
// arguments.
func (c *Client) Submit(ctx context.Context, userID, graphID, jobID string, tasks []domain.Task) ([]int, error) {
	for i := range tasks {
		tasks[i].UserID, tasks[i].GraphID, tasks[i].JobID = userID, graphID, jobID
	}
	body, err := domain.EncodeTasks(tasks)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodPost, queuePath("jobs", userID, graphID, jobID), body, http.StatusAccepted, nil)
	if err != nil {
		return nil, err
	}
	var accepted struct {
		TaskIDs []int `json:"task_ids"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	return accepted.TaskIDs, nil
}

// Poll blocks until the broker hands this worker a batch for graphID, or ctx
// is done.
func (c *Client) Poll(ctx context.Context, graphID string) ([]domain.Task, error) {
	if c.workerID == "" {
		return nil, fmt.Errorf("poll: worker id not set")
	}
	header := http.Header{WorkerIDHeader: []string{c.workerID}}
	data, err := c.do(ctx, http.MethodGet, queuePath("jobs", pollUser, graphID), nil, http.StatusOK, header)
	if err != nil {
		return nil, err
	}
	return domain.DecodeTasks(data)
}

// Ack acknowledges a finished job task. An unknown or already acknowledged
// task yields domain.ErrTaskNotFound.
func (c *Client) Ack(ctx context.Context, t domain.Task) error {
	_, err := c.do(ctx, http.MethodDelete, queuePath("jobs", t.UserID, t.GraphID, t.JobID, strconv.Itoa(t.TaskID)), nil, http.StatusOK, nil)
	return notFoundAs(err, domain.ErrTaskNotFound)
}

// DeleteJob drops a job and its undelivered tasks.
func (c *Client) DeleteJob(ctx context.Context, userID, graphID, jobID string) error {
	_, err := c.do(ctx, http.MethodDelete, queuePath("jobs", userID, graphID, jobID), nil, http.StatusOK, nil)
	return notFoundAs(err, domain.ErrJobNotFound)
}

// Priority submits a single task ahead of all jobs and waits for its result.
func (c *Client) Priority(ctx context.Context, t domain.Task) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}
	return c.do(ctx, http.MethodPost, queuePath("priority", t.UserID, t.GraphID), body, http.StatusOK, nil)
}

// RespondPriority sends the result of priority task t back to its producer.
func (c *Client) RespondPriority(ctx context.Context, t domain.Task, result []byte) error {
	jobID := t.JobID
	if jobID == "" {
		jobID = "-"
	}
	if result == nil {
		result = []byte{}
	}
	_, err := c.do(ctx, http.MethodDelete, queuePath("priority", t.UserID, t.GraphID, jobID, strconv.Itoa(t.TaskID)), result, http.StatusOK, nil)
	return notFoundAs(err, domain.ErrTaskNotFound)
}

// Status returns the raw JSON of GET /status.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/status", nil, http.StatusOK, nil)
	return json.RawMessage(data), err
}

func notFoundAs(err, sentinel error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %v", sentinel, se)
	}
	return err
}
