package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger is the payload carried by synthetic scheduler messages. The
// incoming message channel is "scheduler" and the message body is this JSON.
type Trigger struct {
	JobID          string          `json:"jobId"`
	ExecutionID    string          `json:"executionId"`
	TriggeredAt    time.Time       `json:"triggeredAt"`
	OrchestratorID string          `json:"orchestratorId"`
	TargetAction   string          `json:"targetAction"`
	TargetRef      json.RawMessage `json:"targetRef,omitempty"`
}

// WorkflowStartRef is the TargetRef for workflow_start triggers.
type WorkflowStartRef struct {
	WorkflowID string         `json:"workflowId"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// CommandInvokeRef is the TargetRef for command_invoke triggers.
type CommandInvokeRef struct {
	FunctionID string         `json:"functionId"`
	Args       map[string]any `json:"args,omitempty"`
}

// ParseTrigger parses and validates a scheduled trigger payload.
func ParseTrigger(data []byte) (*Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trigger envelope: %w", err)
	}
	if t.JobID == "" || t.ExecutionID == "" {
		return nil, fmt.Errorf("trigger envelope: missing jobId or executionId")
	}
	switch t.TargetAction {
	case ActionWorkflowStart, ActionCommandInvoke:
	default:
		return nil, fmt.Errorf("trigger envelope: invalid targetAction %q", t.TargetAction)
	}
	return &t, nil
}
