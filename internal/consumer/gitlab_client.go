package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGitLabClient posts notes through the GitLab REST API v4.
type HTTPGitLabClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPGitLabClient(baseURL, token string, timeout time.Duration) *HTTPGitLabClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGitLabClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPGitLabClient) CreateMergeRequestNote(ctx context.Context, projectID, mrIID int64, body string) error {
	return c.postNote(ctx, fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/notes", projectID, mrIID), body)
}

func (c *HTTPGitLabClient) CreateIssueNote(ctx context.Context, projectID, issueIID int64, body string) error {
	return c.postNote(ctx, fmt.Sprintf("/api/v4/projects/%d/issues/%d/notes", projectID, issueIID), body)
}

func (c *HTTPGitLabClient) postNote(ctx context.Context, path, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PRIVATE-TOKEN", c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, res.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
