package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"taskorch/internal/dto/resp"
	"taskorch/internal/middleware"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/internal/service"
	"taskorch/internal/testutil"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	engine      *gin.Engine
	queue       *testutil.Queue
	tokens      *service.TaskTokenService
	dispatcher  *service.TaskDispatcher
	ingestor    *service.ResultIngestor
	deadLetters *service.DeadLetterHandler
	worker      *service.DeliveryWorker
	consumers   *testutil.Deliverer
}

// newTestAPI wires the real services over sqlite and mounts the handlers
// without operator auth, which has its own middleware tests.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db := testutil.NewDB(t)
	tasks := repository.NewTaskRepository(db)
	outbox := repository.NewOutboxRepository(db)
	entries := repository.NewDeadLetterRepository(db)

	a := &testAPI{
		queue:     testutil.NewQueue(),
		tokens:    service.NewTaskTokenService([]byte("api-test"), time.Hour),
		consumers: &testutil.Deliverer{},
	}
	publisher := service.NewOutboxPublisher(outbox, service.ModeOutbox, nil)
	machine := service.NewStateMachine(db, tasks, publisher)
	a.dispatcher = service.NewTaskDispatcher(db, tasks, machine, publisher, a.queue, a.tokens,
		service.DispatchConfig{MaxAttempts: 1}, nil)
	a.deadLetters = service.NewDeadLetterHandler(db, tasks, entries, outbox, machine, publisher, service.Backoff{})
	a.ingestor = service.NewResultIngestor(db, tasks, machine, publisher, a.deadLetters, service.MustResultValidator(), service.Pricing{})
	a.worker = service.NewDeliveryWorker(db, outbox, a.deadLetters, a.consumers, service.ModeOutbox,
		service.DeliveryConfig{MaxAttempts: 1}, nil)
	publisher.AttachWorker(a.worker)
	query := service.NewTaskQueryService(tasks, outbox, a.queue)

	router, err := service.NewEventRouter(service.DefaultRoutingRules(), []string{"ai-bot"})
	require.NoError(t, err)

	webhook := NewWebhookHandler(router, a.dispatcher, nil)
	taskH := NewTaskHandler(query, machine, a.ingestor, a.dispatcher)
	admin := NewAdminHandler(a.worker, a.deadLetters, a.dispatcher, query)
	health := NewHealthHandler(map[string]HealthCheck{
		"db": func(ctx context.Context) error { return tasks.PingContext(ctx) },
	})

	r := gin.New()
	r.GET("/health", health.Health)
	r.POST("/v1/webhooks/gitlab", middleware.WebhookSecretMiddleware("hook-secret"), webhook.Receive)
	r.GET("/v1/executor/claim", middleware.ExecutorKeyMiddleware([]string{"runner-key"}), taskH.Claim)
	exec := r.Group("/v1/tasks/:id", middleware.TaskAuthMiddleware(a.tokens))
	exec.POST("/start", taskH.StartTask)
	exec.POST("/result", taskH.ReportResult)
	r.GET("/v1/tasks", taskH.ListTasks)
	r.POST("/v1/tasks", taskH.CreateTask)
	r.GET("/v1/tasks/:id", taskH.GetTask)
	r.GET("/v1/tasks/:id/events", taskH.TaskEvents)
	r.GET("/v1/admin/stats", admin.Stats)
	r.POST("/v1/admin/outbox/replay", admin.ReplayOutbox)
	r.GET("/v1/admin/deadletters", admin.ListDeadLetters)
	r.GET("/v1/admin/deadletters/:id", admin.GetDeadLetter)
	r.POST("/v1/admin/deadletters/:id/retry", admin.RetryDeadLetter)
	r.POST("/v1/admin/deadletters/:id/dismiss", admin.DismissDeadLetter)
	a.engine = r
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func hook() map[string]string {
	return map[string]string{"X-Gitlab-Token": "hook-secret"}
}

func bearerFor(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func ptr[T any](v T) *T { return &v }

func mrOpened(mr int64, sha string) v1.WebhookEvent {
	return v1.WebhookEvent{
		EventType: v1.EventMergeRequest,
		Action:    v1.ActionOpen,
		ProjectID: 1,
		MrIID:     ptr(mr),
		CommitSHA: ptr(sha),
	}
}

// claim pulls the next runner assignment through the HTTP endpoint.
func (a *testAPI) claim(t *testing.T) v1.TaskAssignment {
	t.Helper()
	w := a.do(t, http.MethodGet, "/v1/executor/claim?wait=1ms", nil, map[string]string{"X-Executor-Key": "runner-key"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decodeBody[v1.TaskAssignment](t, w)
}

func taskPath(id uint64, suffix string) string {
	return "/v1/tasks/" + strconv.FormatUint(id, 10) + suffix
}

func TestWebhook_RoutesAndDispatches(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	out := decodeBody[resp.WebhookResp](t, w)
	assert.True(t, out.Routed)
	assert.Equal(t, "auto_review", out.Intent)
	assert.NotZero(t, out.TaskID)
	assert.False(t, out.EnqueuePending)
	assert.Len(t, a.queue.Pushed(), 1)
}

func TestWebhook_IgnoredAndInvalid(t *testing.T) {
	a := newTestAPI(t)

	closed := mrOpened(2, "a")
	closed.Action = v1.ActionClose
	w := a.do(t, http.MethodPost, "/v1/webhooks/gitlab", closed, hook())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[resp.WebhookResp](t, w).Ignored)

	w = a.do(t, http.MethodPost, "/v1/webhooks/gitlab", v1.WebhookEvent{EventType: v1.EventIssue}, hook())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, a.queue.Pushed())
}

func TestWebhook_EnqueueFailureStillAccepted(t *testing.T) {
	a := newTestAPI(t)
	a.queue.SetErr(errors.New("redis down"))

	w := a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	require.Equal(t, http.StatusAccepted, w.Code)
	out := decodeBody[resp.WebhookResp](t, w)
	assert.True(t, out.EnqueuePending)

	w = a.do(t, http.MethodGet, taskPath(out.TaskID, ""), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.TaskQueued, decodeBody[model.Task](t, w).Status)
}

func TestExecutorFlow_ClaimStartReport(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())

	assignment := a.claim(t)
	assert.Equal(t, "runner:normal", assignment.Queue)
	auth := bearerFor(assignment.Token)

	w := a.do(t, http.MethodPost, taskPath(assignment.TaskID, "/start"), nil, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, taskPath(assignment.TaskID, "/start"), nil, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	report := v1.ResultReport{Status: v1.ResultCompleted, Result: map[string]any{"summary": "ok"}}
	w = a.do(t, http.MethodPost, taskPath(assignment.TaskID, "/result"), report, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ack := decodeBody[v1.ResultAck](t, w)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "completed", ack.TaskStatus)

	w = a.do(t, http.MethodPost, taskPath(assignment.TaskID, "/result"), report, auth)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, decodeBody[v1.ResultAck](t, w).Accepted)

	w = a.do(t, http.MethodGet, taskPath(assignment.TaskID, "/events"), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody[resp.TaskEventsResp](t, w)
	// queued, running, completed, result processed
	assert.Len(t, events.Events, 4)
}

func TestExecutorFlow_Rejections(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(3, "a"), hook())
	first := a.claim(t)
	second := a.claim(t)

	// a token only works for its own task
	w := a.do(t, http.MethodPost, taskPath(second.TaskID, "/start"), nil, bearerFor(first.Token))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodPost, taskPath(first.TaskID, "/start"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := bearerFor(first.Token)
	a.do(t, http.MethodPost, taskPath(first.TaskID, "/start"), nil, auth)
	w = a.do(t, http.MethodPost, taskPath(first.TaskID, "/result"), v1.ResultReport{Status: "maybe"}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/executor/claim?wait=1ms", nil, map[string]string{"X-Executor-Key": "runner-key"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, http.MethodGet, "/v1/executor/claim?mode=gpu", nil, map[string]string{"X-Executor-Key": "runner-key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodGet, "/v1/executor/claim?wait=soon", nil, map[string]string{"X-Executor-Key": "runner-key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodGet, "/v1/executor/claim", nil, map[string]string{"X-Executor-Key": "stolen"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTasks_CreateGetList(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "deep_analysis", "project_id": 4, "issue_iid": 9}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[model.Task](t, w)
	assert.Equal(t, model.OriginManual, created.Origin)

	w = a.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "poetry", "project_id": 4}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPost, "/v1/tasks", map[string]any{"type": "deep_analysis"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, taskPath(created.ID, ""), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, http.MethodGet, "/v1/tasks/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(t, http.MethodGet, "/v1/tasks/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodGet, "/v1/tasks/999/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	w = a.do(t, http.MethodGet, "/v1/tasks?project_id=4", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[resp.TaskListResp](t, w)
	assert.Equal(t, int64(1), list.Total)
	w = a.do(t, http.MethodGet, "/v1/tasks?limit=9999", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_DeadLetterRetryAndDismiss(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(3, "a"), hook())

	// MaxAttempts is 1, so each failure lands in the dead-letter queue
	for i := 0; i < 2; i++ {
		as := a.claim(t)
		auth := bearerFor(as.Token)
		a.do(t, http.MethodPost, taskPath(as.TaskID, "/start"), nil, auth)
		w := a.do(t, http.MethodPost, taskPath(as.TaskID, "/result"), v1.ResultReport{Status: v1.ResultFailed, Error: "boom"}, auth)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := a.do(t, http.MethodGet, "/v1/admin/deadletters", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[resp.DeadLetterListResp](t, w)
	require.Len(t, list.Items, 2)
	retryID, dismissID := list.Items[0].ID, list.Items[1].ID

	w = a.do(t, http.MethodGet, "/v1/admin/deadletters/"+strconv.FormatUint(retryID, 10), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.ReasonMaxRetriesExceeded, decodeBody[model.DeadLetterEntry](t, w).FailureReason)

	w = a.do(t, http.MethodPost, "/v1/admin/deadletters/"+strconv.FormatUint(retryID, 10)+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	retried := decodeBody[resp.RetryResp](t, w)
	assert.True(t, retried.Queued)
	require.NotNil(t, retried.Task)
	assert.Equal(t, model.TaskQueued, retried.Task.Status)
	assert.Equal(t, retried.Task.ID, a.claim(t).TaskID)

	w = a.do(t, http.MethodPost, "/v1/admin/deadletters/"+strconv.FormatUint(retryID, 10)+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodPost, "/v1/admin/deadletters/"+strconv.FormatUint(dismissID, 10)+"/dismiss", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[model.DeadLetterEntry](t, w).Dismissed)

	w = a.do(t, http.MethodGet, "/v1/admin/deadletters", nil, nil)
	assert.Empty(t, decodeBody[resp.DeadLetterListResp](t, w).Items)
	w = a.do(t, http.MethodGet, "/v1/admin/deadletters/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(t, http.MethodPost, "/v1/admin/deadletters/x/dismiss", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_ReplayAndStats(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/webhooks/gitlab", mrOpened(2, "a"), hook())
	a.consumers.SetFail(true)
	a.worker.ProcessPending(context.Background())

	w := a.do(t, http.MethodGet, "/v1/admin/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[service.Stats](t, w)
	assert.Equal(t, int64(1), stats.Outbox[model.OutboxFailed])
	assert.Equal(t, int64(1), stats.Tasks[model.TaskQueued])
	pushed := a.queue.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, int64(1), stats.Queues[pushed[0].Queue])
	assert.Len(t, stats.Queues, 6)

	w = a.do(t, http.MethodPost, "/v1/admin/outbox/replay", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a.consumers.SetFail(false)
	w = a.do(t, http.MethodPost, "/v1/admin/outbox/replay", map[string]any{"failed": true}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decodeBody[resp.ReplayResp](t, w).Replayed)
	assert.Equal(t, 1, a.worker.ProcessPending(context.Background()))
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	failing := NewHealthHandler(map[string]HealthCheck{
		"etcd": func(ctx context.Context) error { return errors.New("no leader") },
	})
	r := gin.New()
	r.GET("/health", failing.Health)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no leader")
}
