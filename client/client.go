package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrConflict means the orchestrator refused the transition, usually because
	// the task was superseded or already finished.
	ErrConflict     = errors.New("task state conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError carries a non-retryable HTTP status from the orchestrator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.Code, e.Body)
}

// Handler executes one assignment and returns the report to post back.
type Handler func(ctx context.Context, a *v1.TaskAssignment) v1.ResultReport

// ExecutorClient is what a remote runner uses to pull and report work.
type ExecutorClient struct {
	addr        string
	executorKey string
	httpClient  *http.Client

	// MaxRetries bounds how often a result post is retried on transport errors
	// and 5xx responses.
	MaxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewExecutorClient(addr, executorKey string) *ExecutorClient {
	return &ExecutorClient{
		addr:        addr,
		executorKey: executorKey,
		// claim long-polls, so no client-wide timeout
		httpClient: &http.Client{Timeout: 0},
		MaxRetries: 5,
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Claim waits up to wait for the next assignment of mode. It returns nil, nil
// when nothing arrived.
func (c *ExecutorClient) Claim(ctx context.Context, mode string, wait time.Duration) (*v1.TaskAssignment, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/v1/executor/claim?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Executor-Key", c.executorKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var a v1.TaskAssignment
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return nil, fmt.Errorf("decode assignment: %w", err)
		}
		return &a, nil
	default:
		return nil, statusError(resp)
	}
}

// Start marks the assignment's task running.
func (c *ExecutorClient) Start(ctx context.Context, a *v1.TaskAssignment) error {
	resp, err := c.post(ctx, a, "start", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrConflict
	default:
		return statusError(resp)
	}
}

// ReportResult posts the outcome of a task. A 409 ack is returned together
// with ErrConflict so callers can see the task's current status.
func (c *ExecutorClient) ReportResult(ctx context.Context, a *v1.TaskAssignment, report v1.ResultReport) (*v1.ResultAck, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}

	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		ack, retry, err := c.reportOnce(ctx, a, body)
		if !retry || attempt >= c.MaxRetries {
			return ack, err
		}
		logger.Warn("result post failed, retrying",
			zap.Uint64("task_id", a.TaskID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		wait := backoff
		if backoff > 1 {
			wait += time.Duration(rand.Int63n(int64(backoff / 2)))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *ExecutorClient) reportOnce(ctx context.Context, a *v1.TaskAssignment, body []byte) (*v1.ResultAck, bool, error) {
	resp, err := c.post(ctx, a, "result", body)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
		var ack v1.ResultAck
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return nil, false, fmt.Errorf("decode ack: %w", err)
		}
		if resp.StatusCode == http.StatusConflict {
			return &ack, false, ErrConflict
		}
		return &ack, false, nil
	case resp.StatusCode >= 500:
		return nil, true, statusError(resp)
	default:
		return nil, false, statusError(resp)
	}
}

func (c *ExecutorClient) post(ctx context.Context, a *v1.TaskAssignment, action string, body []byte) (*http.Response, error) {
	u := fmt.Sprintf("%s/v1/tasks/%d/%s", c.addr, a.TaskID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// Run claims, starts and reports assignments until ctx ends. Assignments the
// orchestrator refuses to start are dropped.
func (c *ExecutorClient) Run(ctx context.Context, mode string, handle Handler) error {
	backoff := c.backoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a, err := c.Claim(ctx, mode, 20*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			logger.Warn("claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.backoff
		if a == nil {
			continue
		}
		c.execute(ctx, a, handle)
	}
}

func (c *ExecutorClient) execute(ctx context.Context, a *v1.TaskAssignment, handle Handler) {
	if err := c.Start(ctx, a); err != nil {
		logger.Info("assignment not started", zap.Uint64("task_id", a.TaskID), zap.Error(err))
		return
	}
	report := handle(ctx, a)
	ack, err := c.ReportResult(ctx, a, report)
	if err != nil {
		logger.Warn("result not accepted", zap.Uint64("task_id", a.TaskID), zap.Error(err))
		return
	}
	logger.Info("result accepted", zap.Uint64("task_id", a.TaskID), zap.String("task_status", ack.TaskStatus))
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrUnauthorized, bytes.TrimSpace(b))
	}
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
