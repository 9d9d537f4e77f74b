// Package runstore persists workflow runs: the run record, per-step attempt
// artifacts, the progress snapshot, the per-run transition log, and the
// resume message history. All writes are temp+rename; the per-key scheduler
// guarantees a single writer per run.
package runstore

import (
	"fmt"
	"time"
)

// Run states.
const (
	StatePending        = "pending"
	StateRunning        = "running"
	StateAwaitingReview = "awaiting_review"
	StatePaused         = "paused"
	StateSucceeded      = "succeeded"
	StateFailed         = "failed"
	StateCanceled       = "canceled"
)

// InvalidRunTransitionError rejects a state change outside the allowed
// machine. The run is left unchanged.
type InvalidRunTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidRunTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition for %s: %s -> %s", e.RunID, e.From, e.To)
}

var allowedTransitions = map[string][]string{
	StatePending:        {StateRunning, StateCanceled},
	StateRunning:        {StateAwaitingReview, StatePaused, StateSucceeded, StateFailed, StateCanceled},
	StateAwaitingReview: {StateRunning, StateFailed, StateCanceled},
	StatePaused:         {StateRunning, StateCanceled},
}

// IsTerminal reports whether a state admits no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Run is one execution of a workflow on behalf of a message.
type Run struct {
	RunID                  string         `json:"run_id"`
	OrchestratorID         string         `json:"orchestrator_id"`
	WorkflowID             string         `json:"workflow_id"`
	WorkflowVersion        string         `json:"workflow_version"`
	Inputs                 map[string]any `json:"inputs,omitempty"`
	State                  string         `json:"state"`
	CurrentStepID          string         `json:"current_step_id"`
	Attempt                int            `json:"attempt"`
	IterationCount         int            `json:"iteration_count"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	LastTransitionReason   string         `json:"last_transition_reason,omitempty"`
	SourceMessageID        string         `json:"source_message_id,omitempty"`
	SourceChannel          string         `json:"source_channel,omitempty"`
	SourceChannelProfileID string         `json:"source_channel_profile_id,omitempty"`
	SourceConversationID   string         `json:"source_conversation_id,omitempty"`
	SourceSenderID         string         `json:"source_sender_id,omitempty"`
}

// Transition moves the run to a new state, enforcing the state machine.
func (r *Run) Transition(to, reason string, now time.Time) error {
	if r.State == to {
		r.LastTransitionReason = reason
		r.UpdatedAt = now
		return nil
	}
	for _, allowed := range allowedTransitions[r.State] {
		if allowed == to {
			r.State = to
			r.LastTransitionReason = reason
			r.UpdatedAt = now
			return nil
		}
	}
	return &InvalidRunTransitionError{RunID: r.RunID, From: r.State, To: to}
}

// RunID formats the canonical run id: run-<orch>-<workflow>-<ns>.
func RunID(orchestratorID, workflowID string, ns int64) string {
	return fmt.Sprintf("run-%s-%s-%d", orchestratorID, workflowID, ns)
}

// StepProgress summarizes one step inside the progress snapshot.
type StepProgress struct {
	Attempts   int               `json:"attempts"`
	LastStatus string            `json:"last_status,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

// Progress is the externally readable snapshot at
// workflows/runs/<run_id>/progress.json.
type Progress struct {
	RunID          string                   `json:"run_id"`
	WorkflowID     string                   `json:"workflow_id"`
	State          string                   `json:"state"`
	CurrentStepID  string                   `json:"current_step_id,omitempty"`
	Attempt        int                      `json:"attempt"`
	IterationCount int                      `json:"iteration_count"`
	Reason         string                   `json:"reason,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
	Steps          map[string]*StepProgress `json:"steps,omitempty"`
}

// HistoryEntry records a resume message against a run.
type HistoryEntry struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
