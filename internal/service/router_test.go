package service

import (
	"os"
	"path/filepath"
	"testing"

	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultRouter(t *testing.T) *EventRouter {
	t.Helper()
	r, err := NewEventRouter(DefaultRoutingRules(), []string{"ai-bot"})
	require.NoError(t, err)
	return r
}

func TestEventRouter_Route(t *testing.T) {
	r := newDefaultRouter(t)

	note := func(body string, mr, issue *int64) v1.WebhookEvent {
		return v1.WebhookEvent{EventType: v1.EventNote, ProjectID: 1, MrIID: mr, IssueIID: issue, Note: body, AuthorUsername: "alice"}
	}

	tests := []struct {
		name     string
		evt      v1.WebhookEvent
		intent   Intent
		priority model.Priority
		ignored  bool
	}{
		{name: "mr opened", evt: mrOpened(1, 2, "a"), intent: IntentAutoReview, priority: model.PriorityNormal},
		{name: "mr new commit", evt: mrUpdated(1, 2, "a", "b"), intent: IntentAutoReview, priority: model.PriorityNormal},
		{name: "mr update same commit", evt: mrUpdated(1, 2, "a", "a"), ignored: true},
		{name: "mr closed", evt: v1.WebhookEvent{EventType: v1.EventMergeRequest, Action: v1.ActionClose, ProjectID: 1, MrIID: ptr(int64(2))}, ignored: true},
		{name: "review command", evt: note("please @AI Review this", ptr(int64(2)), nil), intent: IntentOnDemandReview, priority: model.PriorityHigh},
		{name: "security command", evt: note("/security", ptr(int64(2)), nil), intent: IntentSecurityAudit, priority: model.PriorityHigh},
		{name: "analyze on issue", evt: note("/analyze", nil, ptr(int64(5))), intent: IntentDeepAnalysis, priority: model.PriorityNormal},
		{name: "issue mention", evt: note("hey @ai what do you think", nil, ptr(int64(5))), intent: IntentIssueDiscussion, priority: model.PriorityNormal},
		{name: "plain note", evt: note("lgtm", ptr(int64(2)), nil), ignored: true},
		{name: "issue opened", evt: v1.WebhookEvent{EventType: v1.EventIssue, Action: v1.ActionOpen, ProjectID: 1, IssueIID: ptr(int64(5))}, intent: IntentIssueDiscussion, priority: model.PriorityNormal},
		{
			name:     "feature label",
			evt:      v1.WebhookEvent{EventType: v1.EventIssue, Action: v1.ActionLabeled, ProjectID: 1, IssueIID: ptr(int64(5)), AddedLabels: []string{"AI::Feature"}},
			intent:   IntentFeatureDev,
			priority: model.PriorityLow,
		},
		{
			name:     "prd label",
			evt:      v1.WebhookEvent{EventType: v1.EventIssue, Action: v1.ActionLabeled, ProjectID: 1, IssueIID: ptr(int64(5)), AddedLabels: []string{"ai::prd"}},
			intent:   IntentPrdCreation,
			priority: model.PriorityLow,
		},
		{
			name:    "label already present",
			evt:     v1.WebhookEvent{EventType: v1.EventIssue, Action: v1.ActionUpdate, ProjectID: 1, IssueIID: ptr(int64(5)), Labels: []string{"ai::feature"}},
			ignored: true,
		},
		{name: "pipeline", evt: v1.WebhookEvent{EventType: v1.EventPipeline, ProjectID: 1}, ignored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(tt.evt)
			if tt.ignored {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.intent, got.Intent)
			assert.Equal(t, tt.priority, got.Priority)
			assert.Equal(t, tt.evt.ProjectID, got.SourceEvent.ProjectID)
		})
	}
}

func TestEventRouter_IgnoresBots(t *testing.T) {
	r := newDefaultRouter(t)
	evt := mrOpened(1, 2, "a")
	evt.AuthorUsername = "AI-Bot"

	assert.Nil(t, r.Route(evt))
}

func TestNewEventRouter_RejectsBadRules(t *testing.T) {
	_, err := NewEventRouter([]RoutingRule{{Name: "x", Intent: "nope", Priority: model.PriorityLow}}, nil)
	assert.ErrorIs(t, err, ErrUnknownIntent)

	_, err = NewEventRouter([]RoutingRule{{Name: "x", Intent: IntentAutoReview, Priority: "urgent"}}, nil)
	assert.Error(t, err)

	_, err = NewEventRouter([]RoutingRule{{Name: "x", Intent: IntentAutoReview, Priority: model.PriorityLow, LabelPattern: "("}}, nil)
	assert.Error(t, err)
}

func TestLoadRoutingRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: pipeline-failed
    event_types: [pipeline]
    intent: deep_analysis
    priority: high
`), 0o644))

	rules, err := LoadRoutingRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r, err := NewEventRouter(rules, nil)
	require.NoError(t, err)
	got := r.Route(v1.WebhookEvent{EventType: v1.EventPipeline, ProjectID: 3})
	require.NotNil(t, got)
	assert.Equal(t, IntentDeepAnalysis, got.Intent)
	assert.Equal(t, model.PriorityHigh, got.Priority)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rules: []\n"), 0o644))
	_, err = LoadRoutingRules(empty)
	assert.Error(t, err)
}
