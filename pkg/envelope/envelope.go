// Package envelope defines the structured result shapes that step and
// selector LLMs write, plus the scheduled-trigger payload. These are wire
// contracts shared between the runtime and provider prompts, so they live in
// pkg rather than internal.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Task step statuses.
const (
	StatusComplete = "complete"
	StatusBlocked  = "blocked"
	StatusFailed   = "failed"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Selector statuses and actions.
const (
	SelectorSelected = "selected"
	SelectorDeclined = "declined"

	ActionWorkflowStart = "workflow_start"
	ActionCommandInvoke = "command_invoke"
	ActionNoop          = "noop"
)

// TaskResult is the envelope an agent_task step writes to its result path.
// Declared output keys ride alongside the fixed fields.
type TaskResult struct {
	Status   string
	Summary  string
	Artifact string
	Outputs  map[string]json.RawMessage
}

// ParseTaskResult parses and validates a task envelope. declared lists the
// step's output keys; every declared key must be present.
func ParseTaskResult(data []byte, declared []string) (*TaskResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("task envelope: %w", err)
	}
	r := &TaskResult{Outputs: make(map[string]json.RawMessage)}
	if err := unmarshalString(raw, "status", &r.Status); err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusComplete, StatusBlocked, StatusFailed:
	default:
		return nil, fmt.Errorf("task envelope: invalid status %q", r.Status)
	}
	_ = unmarshalString(raw, "summary", &r.Summary)
	_ = unmarshalString(raw, "artifact", &r.Artifact)
	for _, key := range declared {
		v, ok := raw[key]
		if !ok {
			if r.Status != StatusComplete {
				continue
			}
			return nil, fmt.Errorf("task envelope: missing declared output %q", key)
		}
		r.Outputs[key] = v
	}
	return r, nil
}

// ReviewResult is the envelope an agent_review step writes.
type ReviewResult struct {
	Decision string `json:"decision"`
	Summary  string `json:"summary"`
	Feedback string `json:"feedback"`
}

// ParseReviewResult parses and validates a review envelope.
func ParseReviewResult(data []byte) (*ReviewResult, error) {
	var r ReviewResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("review envelope: %w", err)
	}
	switch r.Decision {
	case DecisionApprove, DecisionReject:
	default:
		return nil, fmt.Errorf("review envelope: invalid decision %q", r.Decision)
	}
	return &r, nil
}

// FunctionCall is the command_invoke payload inside a selector envelope.
type FunctionCall struct {
	ID   string         `json:"id"`
	Args map[string]any `json:"args,omitempty"`
}

// SelectorResult is the envelope the selector LLM writes to its result path.
type SelectorResult struct {
	SelectorID       string         `json:"selectorId"`
	Status           string         `json:"status"`
	Action           string         `json:"action"`
	SelectedWorkflow string         `json:"selectedWorkflow,omitempty"`
	Function         *FunctionCall  `json:"function,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
}

// ParseSelectorResult parses and shape-validates a selector envelope.
// Workflow existence is the caller's concern.
func ParseSelectorResult(data []byte) (*SelectorResult, error) {
	var r SelectorResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("selector envelope: %w", err)
	}
	if r.SelectorID == "" {
		return nil, fmt.Errorf("selector envelope: missing selectorId")
	}
	switch r.Status {
	case SelectorSelected, SelectorDeclined:
	default:
		return nil, fmt.Errorf("selector envelope: invalid status %q", r.Status)
	}
	switch r.Action {
	case ActionWorkflowStart:
		if r.SelectedWorkflow == "" {
			return nil, fmt.Errorf("selector envelope: workflow_start without selectedWorkflow")
		}
	case ActionCommandInvoke:
		if r.Function == nil || r.Function.ID == "" {
			return nil, fmt.Errorf("selector envelope: command_invoke without function id")
		}
	case ActionNoop:
	default:
		return nil, fmt.Errorf("selector envelope: invalid action %q", r.Action)
	}
	return &r, nil
}

var workflowResultBlock = regexp.MustCompile(`(?s)\[workflow_result\](.*?)\[/workflow_result\]`)

// ExtractWorkflowResultBlock pulls a legacy [workflow_result]…[/workflow_result]
// envelope out of provider stdout. Older prompt templates emit this instead of
// writing the result file; it is accepted as a backward-compatible alternate.
func ExtractWorkflowResultBlock(stdout string) ([]byte, bool) {
	m := workflowResultBlock.FindStringSubmatch(stdout)
	if m == nil {
		return nil, false
	}
	body := strings.TrimSpace(m[1])
	if body == "" {
		return nil, false
	}
	return []byte(body), true
}

func unmarshalString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return fmt.Errorf("task envelope: missing %q", key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("task envelope: field %q: %w", key, err)
	}
	return nil
}
