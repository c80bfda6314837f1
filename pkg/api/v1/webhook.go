package v1

import "encoding/json"

const (
	EventMergeRequest = "merge_request"
	EventNote         = "note"
	EventIssue        = "issue"
	EventPipeline     = "pipeline"
	EventPush         = "push"
)

const (
	ActionOpen     = "open"
	ActionReopen   = "reopen"
	ActionUpdate   = "update"
	ActionClose    = "close"
	ActionMerge    = "merge"
	ActionCreate   = "create"
	ActionLabeled  = "labeled"
	ActionComplete = "complete"
)

// WebhookEvent is a GitLab webhook normalized by the ingress collaborator.
type WebhookEvent struct {
	EventType      string          `json:"event_type"`
	Action         string          `json:"action"`
	ProjectID      int64           `json:"project_id"`
	MrIID          *int64          `json:"mr_iid,omitempty"`
	IssueIID       *int64          `json:"issue_iid,omitempty"`
	AuthorID       int64           `json:"author_id"`
	AuthorUsername string          `json:"author_username,omitempty"`
	Note           string          `json:"note,omitempty"`
	Labels         []string        `json:"labels,omitempty"`
	AddedLabels    []string        `json:"added_labels,omitempty"`
	CommitSHA      *string         `json:"commit_sha,omitempty"`
	OldCommitSHA   *string         `json:"old_commit_sha,omitempty"`
	PipelineID     *int64          `json:"pipeline_id,omitempty"`
	PipelineStatus *string         `json:"pipeline_status,omitempty"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
