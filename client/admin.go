package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AdminClient calls the operator endpoints. Responses are returned as raw JSON
// since its main user prints them.
type AdminClient struct {
	addr       string
	token      string
	httpClient *http.Client
}

func NewAdminClient(addr, accessToken string) *AdminClient {
	return &AdminClient{
		addr:       addr,
		token:      accessToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges credentials for an access token and keeps it for later calls.
func (c *AdminClient) Login(ctx context.Context, username, password string) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	c.token = out.AccessToken
	return out.AccessToken, nil
}

func (c *AdminClient) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/admin/stats", nil, nil)
}

// ReplayOutbox resets the given outbox rows, or every failed row when failed
// is set, back to pending.
func (c *AdminClient) ReplayOutbox(ctx context.Context, ids []int64, failed bool) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/outbox/replay", nil, map[string]any{
		"ids":    ids,
		"failed": failed,
	})
}

type DeadLetterQuery struct {
	Reason          string
	IncludeResolved bool
	Offset          int
	Limit           int
}

func (c *AdminClient) ListDeadLetters(ctx context.Context, q DeadLetterQuery) (json.RawMessage, error) {
	v := url.Values{}
	if q.Reason != "" {
		v.Set("reason", q.Reason)
	}
	if q.IncludeResolved {
		v.Set("include_resolved", "true")
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return c.do(ctx, http.MethodGet, "/v1/admin/deadletters", v, nil)
}

func (c *AdminClient) GetDeadLetter(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/admin/deadletters/"+strconv.FormatUint(id, 10), nil, nil)
}

func (c *AdminClient) RetryDeadLetter(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/deadletters/"+strconv.FormatUint(id, 10)+"/retry", nil, struct{}{})
}

func (c *AdminClient) DismissDeadLetter(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/deadletters/"+strconv.FormatUint(id, 10)+"/dismiss", nil, struct{}{})
}

type TaskQuery struct {
	ProjectID int64
	MrIID     int64
	Type      string
	Status    string
	Offset    int
	Limit     int
}

func (c *AdminClient) ListTasks(ctx context.Context, q TaskQuery) (json.RawMessage, error) {
	v := url.Values{}
	if q.ProjectID != 0 {
		v.Set("project_id", itoa(q.ProjectID))
	}
	if q.MrIID != 0 {
		v.Set("mr_iid", itoa(q.MrIID))
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return c.do(ctx, http.MethodGet, "/v1/tasks", v, nil)
}

func (c *AdminClient) GetTask(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/tasks/"+strconv.FormatUint(id, 10), nil, nil)
}

func (c *AdminClient) TaskEvents(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/tasks/"+strconv.FormatUint(id, 10)+"/events", nil, nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.addr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
