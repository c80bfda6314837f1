package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"taskorch/internal/model"
)

// GitLabClient posts comments back to GitLab. The HTTP client itself lives
// outside this service.
type GitLabClient interface {
	CreateMergeRequestNote(ctx context.Context, projectID, mrIID int64, body string) error
	CreateIssueNote(ctx context.Context, projectID, issueIID int64, body string) error
}

// CommentPoster turns processed results into merge request or issue comments.
type CommentPoster struct {
	client GitLabClient
}

func NewCommentPoster(client GitLabClient) *CommentPoster {
	return &CommentPoster{client: client}
}

func (p *CommentPoster) Name() string { return "gitlab-comment" }

func (p *CommentPoster) Consume(ctx context.Context, evt model.OutboxEvent) error {
	if evt.EventType != model.EventTaskResultProcessed {
		return nil
	}
	res, err := decode[model.TaskResultProcessed](evt)
	if err != nil {
		return err
	}
	body := formatComment(res)
	switch {
	case res.MrIID != nil:
		return p.client.CreateMergeRequestNote(ctx, res.ProjectID, *res.MrIID, body)
	case res.IssueIID != nil:
		return p.client.CreateIssueNote(ctx, res.ProjectID, *res.IssueIID, body)
	}
	// nothing to comment on, e.g. a manual task without correlation
	return nil
}

func formatComment(res model.TaskResultProcessed) string {
	var b strings.Builder
	title := strings.ReplaceAll(string(res.Type), "_", " ")
	if res.Status == model.TaskFailed {
		fmt.Fprintf(&b, "**AI %s failed** (task #%d)\n\n", title, res.TaskID)
		fmt.Fprintf(&b, "> %s\n", res.Error)
		return b.String()
	}

	fmt.Fprintf(&b, "**AI %s** (task #%d)\n\n", title, res.TaskID)
	if summary := resultSummary(res.Result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<sub>tokens in/out/thinking: %d/%d/%d, cost: $%.4f",
		res.InputTokens, res.OutputTokens, res.ThinkingTokens, res.CostUSD)
	if res.PromptVersion != "" {
		fmt.Fprintf(&b, ", prompt %s", res.PromptVersion)
	}
	b.WriteString("</sub>")
	return b.String()
}

// resultSummary pulls a human readable text out of the executor's result.
func resultSummary(raw string) string {
	if raw == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return raw
	}
	for _, k := range []string{"summary", "comment", "body", "text"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
