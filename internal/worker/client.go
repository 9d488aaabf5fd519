// Package worker implements the worker-process runtime: claiming tasks from
// the broker, running them under a lease heartbeat and reporting progress
// through the event log.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// ClientConfig configures the broker client.
type ClientConfig struct {
	BrokerURL     string        // base URL, e.g. http://localhost:8080
	InternalToken string        // bearer token for the internal API
	Timeout       time.Duration // per-request budget, must exceed the broker's claim block
}

// Client calls the broker's internal endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a broker client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BrokerURL, "/"),
		token:   cfg.InternalToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithComponent("worker-client"),
	}
}

// Claim asks for the next queued task. The broker long-polls server-side, so
// an empty queue holds the request up to its claim budget. A nil response
// means nothing was available.
func (c *Client) Claim(ctx context.Context, workerID string) (*v1.ClaimTaskResponse, error) {
	resp, err := c.post(ctx, "/internal/worker/tasks", &v1.ClaimTaskRequest{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var claim v1.ClaimTaskResponse
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return nil, fmt.Errorf("failed to decode claim response: %w", err)
		}
		return &claim, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, decodeError(resp)
	}
}

// Ack settles a finished task, or puts it back on the queue when requeue is
// set.
func (c *Client) Ack(ctx context.Context, taskID string, requeue bool) error {
	resp, err := c.post(ctx, "/internal/worker/tasks/"+taskID+"/ack", &v1.AckTaskRequest{Requeue: requeue})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// ExtendLease renews the caller's hold on a task. A zero ttl asks for the
// broker's default. Conflict means another worker holds the lease now.
func (c *Client) ExtendLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (*v1.Lease, error) {
	req := &v1.ExtendLeaseRequest{WorkerID: workerID}
	if ttl > 0 {
		req.TTLMS = ttl.Milliseconds()
	}

	resp, err := c.post(ctx, "/internal/worker/tasks/"+taskID+"/lease", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out v1.ExtendLeaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode lease response: %w", err)
	}
	return out.Lease, nil
}

// AppendEvent appends an event to a task's log and returns the persisted
// record.
func (c *Client) AppendEvent(ctx context.Context, taskID string, req *v1.AppendEventRequest) (*v1.TaskEvent, error) {
	resp, err := c.post(ctx, "/internal/tasks/"+taskID+"/events", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeError(resp)
	}
	var out v1.AppendEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode append response: %w", err)
	}
	return out.Event, nil
}

// post sends a JSON body to an internal endpoint with the bearer token.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// decodeError rebuilds the broker's error envelope so callers can use the
// apperrors predicates on it.
func decodeError(resp *http.Response) error {
	var appErr apperrors.AppError
	if err := json.NewDecoder(resp.Body).Decode(&appErr); err != nil || appErr.Code == "" {
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeInternalError,
			Message:    fmt.Sprintf("broker returned status %d", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
		}
	}
	appErr.HTTPStatus = resp.StatusCode
	return &appErr
}
