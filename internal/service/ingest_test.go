package service

import (
	"context"
	"encoding/json"
	"testing"

	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_CompletesOnceThenConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.running(t, 1, 2)

	out, err := h.ingestor.Ingest(ctx, task.ID, completedReport())
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, model.TaskCompleted, out.Status)

	got := h.task(t, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1000, got.InputTokens)
	assert.Equal(t, 200, got.OutputTokens)
	assert.Equal(t, 50, got.ThinkingTokens)
	assert.Equal(t, "v3", got.PromptVersion)
	assert.InDelta(t, 12.5, got.DurationSeconds, 0.001)
	// 1000*3 + 200*15 + 50*15 per million
	assert.InDelta(t, 0.00675, got.CostUSD, 1e-9)
	assert.JSONEq(t, `{"summary":"looks good"}`, got.Result)

	again, err := h.ingestor.Ingest(ctx, task.ID, completedReport())
	require.NoError(t, err)
	assert.False(t, again.Accepted)
	assert.Equal(t, model.TaskCompleted, again.Status)

	assert.Len(t, h.events(t, model.AggregateTask, task.ID, model.EventTaskResultProcessed), 1)
}

func TestIngest_ResultPayload(t *testing.T) {
	h := newHarness(t)
	task := h.running(t, 1, 2)

	_, err := h.ingestor.Ingest(context.Background(), task.ID, completedReport())
	require.NoError(t, err)

	events := h.events(t, model.AggregateTask, task.ID, model.EventTaskResultProcessed)
	require.Len(t, events, 1)
	var payload model.TaskResultProcessed
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &payload))
	assert.Equal(t, model.TaskCompleted, payload.Status)
	assert.Equal(t, int64(1), payload.ProjectID)
	require.NotNil(t, payload.MrIID)
	assert.Equal(t, int64(2), *payload.MrIID)
	assert.Equal(t, 1000, payload.InputTokens)

	// the status change is recorded before the result
	all := h.events(t, model.AggregateTask, task.ID, "")
	require.GreaterOrEqual(t, len(all), 2)
	assert.Equal(t, model.EventTaskStatusChanged, all[len(all)-2].EventType)
	assert.Equal(t, model.EventTaskResultProcessed, all[len(all)-1].EventType)
}

func TestIngest_RejectsInvalidReports(t *testing.T) {
	h := newHarness(t)
	task := h.running(t, 1, 2)

	tests := []struct {
		name   string
		report v1.ResultReport
	}{
		{name: "unknown status", report: v1.ResultReport{Status: "done"}},
		{name: "failed without error", report: v1.ResultReport{Status: v1.ResultFailed}},
		{name: "negative tokens", report: v1.ResultReport{Status: v1.ResultCompleted, Tokens: v1.TokenUsage{Input: -1}}},
		{name: "unknown failure reason", report: v1.ResultReport{Status: v1.ResultFailed, Error: "x", FailureReason: "bored"}},
		{name: "bad schema version", report: v1.ResultReport{Status: v1.ResultCompleted, Result: map[string]any{"schema_version": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ingestor.Ingest(context.Background(), task.ID, tt.report)
			assert.ErrorIs(t, err, ErrInvalidResult)
		})
	}
	assert.Equal(t, model.TaskRunning, h.task(t, task.ID).Status)
}

func TestIngest_UnknownTask(t *testing.T) {
	h := newHarness(t)

	_, err := h.ingestor.Ingest(context.Background(), 404, completedReport())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestIngest_QueuedTaskConflicts(t *testing.T) {
	h := newHarness(t)
	task := h.dispatchReview(t, 1, 2, "sha")

	out, err := h.ingestor.Ingest(context.Background(), task.ID, completedReport())
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, model.TaskQueued, out.Status)
	assert.Empty(t, h.events(t, model.AggregateTask, task.ID, model.EventTaskResultProcessed))
}

func TestIngest_SupersededRunningTaskDropsLateResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.running(t, 1, 2)
	h.dispatchReview(t, 1, 2, "sha-2")

	out, err := h.ingestor.Ingest(ctx, old.ID, completedReport())
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, model.TaskSuperseded, out.Status)

	got := h.task(t, old.ID)
	assert.Equal(t, model.TaskSuperseded, got.Status)
	assert.Zero(t, got.InputTokens)
}

func TestIngest_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.running(t, 1, 2)

	out, err := h.ingestor.Ingest(ctx, task.ID, failedReport(""))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, model.TaskFailed, out.Status)
	require.NotNil(t, out.RetryTask)
	assert.Nil(t, out.DeadLetter)

	failed := h.task(t, task.ID)
	assert.Equal(t, "agent crashed", failed.ErrorReason)
	assert.Contains(t, failed.AttemptLog, "agent crashed")

	retry := h.task(t, out.RetryTask.ID)
	assert.Equal(t, model.TaskQueued, retry.Status)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, task.MaxAttempts, retry.MaxAttempts)
	assert.True(t, retry.AvailableAt.After(*failed.CompletedAt))
	// not pushed until its backoff elapses
	assert.Nil(t, retry.EnqueuedAt)
	for _, a := range h.queue.Pushed() {
		assert.NotEqual(t, retry.ID, a.TaskID)
	}
}

func TestIngest_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, withMaxAttempts(1))
	ctx := context.Background()
	task := h.running(t, 1, 2)

	out, err := h.ingestor.Ingest(ctx, task.ID, failedReport(""))
	require.NoError(t, err)
	assert.Nil(t, out.RetryTask)
	require.NotNil(t, out.DeadLetter)
	assert.Equal(t, model.ReasonMaxRetriesExceeded, out.DeadLetter.FailureReason)
	assert.Equal(t, model.ScopeExecution, out.DeadLetter.Scope)
	assert.Equal(t, task.ID, out.DeadLetter.TaskID)

	dl := h.events(t, model.AggregateDeadLetter, out.DeadLetter.ID, model.EventTaskDeadLettered)
	assert.Len(t, dl, 1)
}

func TestIngest_NonRetryableFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	task := h.running(t, 1, 2)

	out, err := h.ingestor.Ingest(context.Background(), task.ID, failedReport(model.ReasonContextExceeded))
	require.NoError(t, err)
	assert.Nil(t, out.RetryTask)
	require.NotNil(t, out.DeadLetter)
	assert.Equal(t, model.ReasonContextExceeded, out.DeadLetter.FailureReason)
	assert.Equal(t, 1, h.task(t, task.ID).Attempt)
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMillion: 3, OutputPerMillion: 15, ThinkingPerMillion: 15}
	assert.InDelta(t, 18.0, p.Cost(v1.TokenUsage{Input: 1_000_000, Output: 1_000_000}), 1e-9)
	assert.Zero(t, Pricing{}.Cost(v1.TokenUsage{Input: 10}))
}
