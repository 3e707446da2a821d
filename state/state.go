// Package state persists workflow execution state, one project per
// directory, as a canonical YAML file plus a human-readable markdown
// rendering.
package state

import (
	"time"

	"github.com/bmadhq/conductor/retry"
)

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// validStatuses is the closed set accepted by validation.
var validStatuses = []Status{StatusRunning, StatusPaused, StatusCompleted, StatusFailed}

// ActivityStatus is the outcome recorded for one agent action.
type ActivityStatus string

const (
	ActivityStarted   ActivityStatus = "started"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// Project identifies the project a workflow state belongs to.
type Project struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
}

// AgentActivity is an append-only record of one agent action.
type AgentActivity struct {
	AgentID    string         `yaml:"agent_id" json:"agentId"`
	AgentName  string         `yaml:"agent_name" json:"agentName"`
	Action     string         `yaml:"action" json:"action"`
	Timestamp  time.Time      `yaml:"timestamp" json:"timestamp"`
	Status     ActivityStatus `yaml:"status" json:"status"`
	DurationMS int64          `yaml:"duration_ms" json:"durationMs"`
}

// WorkflowState is the checkpointable execution state for one project.
// It is created when a workflow first executes, mutated only through the
// Manager, and retained forever for audit.
type WorkflowState struct {
	Project         Project         `yaml:"project"`
	CurrentWorkflow string          `yaml:"current_workflow"`
	CurrentStep     int             `yaml:"current_step"`
	Status          Status          `yaml:"status"`
	Variables       map[string]any  `yaml:"variables,omitempty"`
	AgentActivity   []AgentActivity `yaml:"agent_activity,omitempty"`
	StartTime       time.Time       `yaml:"start_time"`
	LastUpdate      time.Time       `yaml:"last_update"`
}

// Validate enforces the invariants required before a save.
func (s *WorkflowState) Validate() error {
	if s.Project.ID == "" {
		return retry.NewError(retry.KindStateManager, "project.id is required")
	}
	if s.Project.Name == "" {
		return retry.NewError(retry.KindStateManager, "project.name is required")
	}
	if !isValidStatus(s.Status) {
		return retry.NewError(retry.KindStateManager,
			"status must be one of %v, got %q", validStatuses, s.Status)
	}
	if s.CurrentStep < 0 {
		return retry.NewError(retry.KindStateManager,
			"currentStep must be a non-negative number, got %d", s.CurrentStep)
	}
	return nil
}

func isValidStatus(s Status) bool {
	for _, v := range validStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so callers can hold a snapshot without
// aliasing the Manager's cached value.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Variables = deepCopyMap(s.Variables)
	clone.AgentActivity = append([]AgentActivity(nil), s.AgentActivity...)
	return &clone
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
