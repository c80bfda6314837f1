package service

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"

	"gopkg.in/yaml.v3"
)

type Intent string

const (
	IntentAutoReview      Intent = "auto_review"
	IntentOnDemandReview  Intent = "on_demand_review"
	IntentFeatureDev      Intent = "feature_dev"
	IntentIssueDiscussion Intent = "issue_discussion"
	IntentUiAdjustment    Intent = "ui_adjustment"
	IntentSecurityAudit   Intent = "security_audit"
	IntentPrdCreation     Intent = "prd_creation"
	IntentDeepAnalysis    Intent = "deep_analysis"
)

var intentTaskTypes = map[Intent]model.TaskType{
	IntentAutoReview:      model.TaskTypeCodeReview,
	IntentOnDemandReview:  model.TaskTypeCodeReview,
	IntentFeatureDev:      model.TaskTypeFeatureDev,
	IntentIssueDiscussion: model.TaskTypeIssueDiscussion,
	IntentUiAdjustment:    model.TaskTypeUiAdjustment,
	IntentSecurityAudit:   model.TaskTypeSecurityAudit,
	IntentPrdCreation:     model.TaskTypePrdCreation,
	IntentDeepAnalysis:    model.TaskTypeDeepAnalysis,
}

// TaskType maps an intent to the kind of task that serves it.
func (i Intent) TaskType() (model.TaskType, bool) {
	t, ok := intentTaskTypes[i]
	return t, ok
}

// RoutingResult is the router's decision for one webhook event.
type RoutingResult struct {
	Intent      Intent
	Priority    model.Priority
	SourceEvent v1.WebhookEvent
}

const (
	TargetMergeRequest = "merge_request"
	TargetIssue        = "issue"
)

// RoutingRule matches a webhook event. Empty fields match anything; rules are
// evaluated in order and the first match wins.
type RoutingRule struct {
	Name             string         `yaml:"name"`
	EventTypes       []string       `yaml:"event_types"`
	Actions          []string       `yaml:"actions"`
	Target           string         `yaml:"target"`
	NoteTriggers     []string       `yaml:"note_triggers"`
	LabelPattern     string         `yaml:"label_pattern"`
	RequireNewCommit bool           `yaml:"require_new_commit"`
	Intent           Intent         `yaml:"intent"`
	Priority         model.Priority `yaml:"priority"`

	labelRe *regexp.Regexp
}

func (r *RoutingRule) matches(evt v1.WebhookEvent) bool {
	if len(r.EventTypes) > 0 && !slices.Contains(r.EventTypes, evt.EventType) {
		return false
	}
	if len(r.Actions) > 0 && !slices.Contains(r.Actions, evt.Action) {
		return false
	}
	switch r.Target {
	case TargetMergeRequest:
		if evt.MrIID == nil {
			return false
		}
	case TargetIssue:
		if evt.IssueIID == nil || evt.MrIID != nil {
			return false
		}
	}
	if len(r.NoteTriggers) > 0 {
		note := strings.ToLower(evt.Note)
		hit := false
		for _, trig := range r.NoteTriggers {
			if strings.Contains(note, strings.ToLower(trig)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if r.labelRe != nil {
		hit := false
		for _, l := range evt.AddedLabels {
			if r.labelRe.MatchString(l) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if r.RequireNewCommit {
		if evt.CommitSHA == nil || *evt.CommitSHA == "" {
			return false
		}
		if evt.OldCommitSHA != nil && *evt.OldCommitSHA == *evt.CommitSHA {
			return false
		}
	}
	return true
}

// DefaultRoutingRules is the built-in table. Explicit commands win over label
// triggers, which win over lifecycle events.
func DefaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{
			Name:         "note-review",
			EventTypes:   []string{v1.EventNote},
			Target:       TargetMergeRequest,
			NoteTriggers: []string{"@ai review", "/review"},
			Intent:       IntentOnDemandReview,
			Priority:     model.PriorityHigh,
		},
		{
			Name:         "note-security",
			EventTypes:   []string{v1.EventNote},
			Target:       TargetMergeRequest,
			NoteTriggers: []string{"/security"},
			Intent:       IntentSecurityAudit,
			Priority:     model.PriorityHigh,
		},
		{
			Name:         "note-analyze",
			EventTypes:   []string{v1.EventNote},
			NoteTriggers: []string{"/analyze"},
			Intent:       IntentDeepAnalysis,
			Priority:     model.PriorityNormal,
		},
		{
			Name:         "label-feature",
			EventTypes:   []string{v1.EventMergeRequest, v1.EventIssue},
			LabelPattern: `(?i)^ai::feature`,
			Intent:       IntentFeatureDev,
			Priority:     model.PriorityLow,
		},
		{
			Name:         "label-ui",
			EventTypes:   []string{v1.EventMergeRequest, v1.EventIssue},
			LabelPattern: `(?i)^ai::ui`,
			Intent:       IntentUiAdjustment,
			Priority:     model.PriorityLow,
		},
		{
			Name:         "label-prd",
			EventTypes:   []string{v1.EventIssue},
			LabelPattern: `(?i)^ai::prd`,
			Intent:       IntentPrdCreation,
			Priority:     model.PriorityLow,
		},
		{
			Name:       "mr-opened",
			EventTypes: []string{v1.EventMergeRequest},
			Actions:    []string{v1.ActionOpen, v1.ActionReopen},
			Target:     TargetMergeRequest,
			Intent:     IntentAutoReview,
			Priority:   model.PriorityNormal,
		},
		{
			Name:             "mr-new-commit",
			EventTypes:       []string{v1.EventMergeRequest},
			Actions:          []string{v1.ActionUpdate},
			Target:           TargetMergeRequest,
			RequireNewCommit: true,
			Intent:           IntentAutoReview,
			Priority:         model.PriorityNormal,
		},
		{
			Name:       "issue-opened",
			EventTypes: []string{v1.EventIssue},
			Actions:    []string{v1.ActionOpen},
			Target:     TargetIssue,
			Intent:     IntentIssueDiscussion,
			Priority:   model.PriorityNormal,
		},
		{
			Name:         "issue-mention",
			EventTypes:   []string{v1.EventNote},
			Target:       TargetIssue,
			NoteTriggers: []string{"@ai"},
			Intent:       IntentIssueDiscussion,
			Priority:     model.PriorityNormal,
		},
	}
}

type routingFile struct {
	Rules []RoutingRule `yaml:"rules"`
}

// LoadRoutingRules reads a YAML rules file of the form {rules: [...]}.
func LoadRoutingRules(path string) ([]RoutingRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f routingFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse routing rules %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("routing rules %s: no rules defined", path)
	}
	return f.Rules, nil
}

// EventRouter decides whether an event warrants AI work. It holds no mutable
// state, so one instance may serve concurrent requests.
type EventRouter struct {
	rules []RoutingRule
	bots  map[string]bool
}

func NewEventRouter(rules []RoutingRule, botUsernames []string) (*EventRouter, error) {
	compiled := make([]RoutingRule, len(rules))
	for i, r := range rules {
		if _, ok := r.Intent.TaskType(); !ok {
			return nil, fmt.Errorf("rule %q: %w: %s", r.Name, ErrUnknownIntent, r.Intent)
		}
		if !r.Priority.Valid() {
			return nil, fmt.Errorf("rule %q: invalid priority %q", r.Name, r.Priority)
		}
		if r.LabelPattern != "" {
			re, err := regexp.Compile(r.LabelPattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			r.labelRe = re
		}
		compiled[i] = r
	}
	bots := make(map[string]bool, len(botUsernames))
	for _, b := range botUsernames {
		bots[strings.ToLower(b)] = true
	}
	return &EventRouter{rules: compiled, bots: bots}, nil
}

// Route returns nil when the event should be ignored.
func (r *EventRouter) Route(evt v1.WebhookEvent) *RoutingResult {
	if evt.AuthorUsername != "" && r.bots[strings.ToLower(evt.AuthorUsername)] {
		return nil
	}
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.matches(evt) {
			return &RoutingResult{
				Intent:      rule.Intent,
				Priority:    rule.Priority,
				SourceEvent: evt,
			}
		}
	}
	return nil
}
