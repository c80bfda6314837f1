package service

import (
	"context"
	"testing"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/internal/testutil"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test")
}

type harness struct {
	db          *gorm.DB
	tasks       *repository.TaskRepository
	outbox      *repository.OutboxRepository
	entries     *repository.DeadLetterRepository
	queue       *testutil.Queue
	direct      *testutil.Deliverer
	consumers   *testutil.Deliverer
	locker      *testutil.Locker
	tokens      *TaskTokenService
	publisher   *OutboxPublisher
	machine     *StateMachine
	dispatcher  *TaskDispatcher
	deadLetters *DeadLetterHandler
	ingestor    *ResultIngestor
	worker      *DeliveryWorker
	sweeper     *Sweeper
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	mode         DeliveryMode
	dispatchMode DispatchMode
	maxAttempts  int
	delivery     DeliveryConfig
	sweep        SweepConfig
}

func withMode(m DeliveryMode) harnessOption {
	return func(c *harnessConfig) { c.mode = m }
}

func withDispatchMode(m DispatchMode) harnessOption {
	return func(c *harnessConfig) { c.dispatchMode = m }
}

func withMaxAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.maxAttempts = n }
}

func withDeliveryAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.delivery.MaxAttempts = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		mode:         ModeOutbox,
		dispatchMode: DispatchKernel,
		maxAttempts:  3,
		delivery: DeliveryConfig{
			BatchSize:   50,
			Lease:       time.Minute,
			MaxAttempts: 3,
			// zero delay keeps retried rows due immediately
			Backoff: Backoff{Base: time.Nanosecond, Max: time.Nanosecond},
		},
		sweep: SweepConfig{
			TaskTimeout:       time.Hour,
			SchedulingTimeout: 2 * time.Hour,
			PromoteAfter:      time.Minute,
			BatchSize:         100,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		db:        testutil.NewDB(t),
		queue:     testutil.NewQueue(),
		direct:    &testutil.Deliverer{},
		consumers: &testutil.Deliverer{},
		locker:    &testutil.Locker{},
		tokens:    NewTaskTokenService([]byte("test-key"), time.Hour),
	}
	h.tasks = repository.NewTaskRepository(h.db)
	h.outbox = repository.NewOutboxRepository(h.db)
	h.entries = repository.NewDeadLetterRepository(h.db)

	h.publisher = NewOutboxPublisher(h.outbox, cfg.mode, h.direct)
	h.machine = NewStateMachine(h.db, h.tasks, h.publisher)
	h.dispatcher = NewTaskDispatcher(h.db, h.tasks, h.machine, h.publisher, h.queue, h.tokens,
		DispatchConfig{Mode: cfg.dispatchMode, MaxAttempts: cfg.maxAttempts}, nil)
	h.deadLetters = NewDeadLetterHandler(h.db, h.tasks, h.entries, h.outbox, h.machine, h.publisher,
		Backoff{Base: time.Minute, Max: time.Hour})
	h.ingestor = NewResultIngestor(h.db, h.tasks, h.machine, h.publisher, h.deadLetters, MustResultValidator(),
		Pricing{InputPerMillion: 3, OutputPerMillion: 15, ThinkingPerMillion: 15})
	h.worker = NewDeliveryWorker(h.db, h.outbox, h.deadLetters, h.consumers, cfg.mode, cfg.delivery, nil)
	h.publisher.AttachWorker(h.worker)
	h.sweeper = NewSweeper(h.tasks, h.deadLetters, h.dispatcher, h.locker, cfg.sweep)
	return h
}

func ptr[T any](v T) *T { return &v }

func mrOpened(projectID, mrIID int64, sha string) v1.WebhookEvent {
	return v1.WebhookEvent{
		EventType: v1.EventMergeRequest,
		Action:    v1.ActionOpen,
		ProjectID: projectID,
		MrIID:     ptr(mrIID),
		AuthorID:  7,
		CommitSHA: ptr(sha),
	}
}

func mrUpdated(projectID, mrIID int64, oldSHA, sha string) v1.WebhookEvent {
	evt := mrOpened(projectID, mrIID, sha)
	evt.Action = v1.ActionUpdate
	evt.OldCommitSHA = ptr(oldSHA)
	return evt
}

func routed(intent Intent, evt v1.WebhookEvent) RoutingResult {
	return RoutingResult{Intent: intent, Priority: model.PriorityNormal, SourceEvent: evt}
}

// dispatchReview dispatches an auto review for the merge request and fails the
// test on error.
func (h *harness) dispatchReview(t *testing.T, projectID, mrIID int64, sha string) *model.Task {
	t.Helper()
	task, err := h.dispatcher.Dispatch(context.Background(), routed(IntentAutoReview, mrOpened(projectID, mrIID, sha)))
	require.NoError(t, err)
	return task
}

// running dispatches a review and starts it.
func (h *harness) running(t *testing.T, projectID, mrIID int64) *model.Task {
	t.Helper()
	task := h.dispatchReview(t, projectID, mrIID, "sha-1")
	res, err := h.machine.Start(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, res.OK())
	return res.Task
}

func (h *harness) task(t *testing.T, id uint64) *model.Task {
	t.Helper()
	task, err := h.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (h *harness) events(t *testing.T, aggregateType string, id uint64, eventType string) []model.OutboxEvent {
	t.Helper()
	all, err := h.outbox.ListByAggregate(context.Background(), aggregateType, id)
	require.NoError(t, err)
	var out []model.OutboxEvent
	for _, e := range all {
		if eventType == "" || e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) outboxCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&model.OutboxEvent{}).Count(&n).Error)
	return n
}

// age moves a task's timestamps into the past without touching anything else.
func (h *harness) age(t *testing.T, id uint64, by time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-by)
	require.NoError(t, h.db.Model(&model.Task{}).Where("id = ?", id).
		UpdateColumns(map[string]any{"updated_at": past, "started_at": past}).Error)
}

func completedReport() v1.ResultReport {
	return v1.ResultReport{
		Status:          v1.ResultCompleted,
		Result:          map[string]any{"summary": "looks good"},
		Tokens:          v1.TokenUsage{Input: 1000, Output: 200, Thinking: 50},
		DurationSeconds: 12.5,
		PromptVersion:   "v3",
	}
}

func failedReport(reason model.FailureReason) v1.ResultReport {
	return v1.ResultReport{
		Status:        v1.ResultFailed,
		Error:         "agent crashed",
		FailureReason: string(reason),
		Tokens:        v1.TokenUsage{Input: 10},
	}
}
