// Package selector turns an inbound chat message into a routing decision by
// invoking the orchestrator's selector agent. The selector never executes
// anything itself; it only decides between starting a workflow, invoking a
// command function, or doing nothing. Every failure path degrades to the
// orchestrator's default workflow so a broken selector cannot strand
// messages.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/engine"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/pkg/envelope"
)

// SelectorIDFor derives the deterministic selector id for a message.
func SelectorIDFor(messageID string) string {
	return "sel-" + queue.SanitizeFilenameComponent(messageID)
}

// Decision is the routing outcome for one message.
type Decision struct {
	SelectorID string
	Action     string // envelope.ActionWorkflowStart, ActionCommandInvoke, ActionNoop
	WorkflowID string
	Inputs     map[string]any
	Function   *envelope.FunctionCall
	FellBack   bool
	Reason     string // populated when FellBack or Action is noop
}

// FunctionSpec describes a command function advertised to the selector.
type FunctionSpec struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Selector drives the selection loop for one orchestrator at a time.
type Selector struct {
	cfg       *config.Config
	paths     statepaths.StatePaths
	runner    *provider.Runner
	logs      *logging.Set
	clk       clock.Clock
	functions []FunctionSpec
}

// New builds a selector. functions lists the invocable command functions
// advertised in the request document.
func New(cfg *config.Config, paths statepaths.StatePaths, runner *provider.Runner, logs *logging.Set, clk clock.Clock, functions []FunctionSpec) *Selector {
	return &Selector{cfg: cfg, paths: paths, runner: runner, logs: logs, clk: clk, functions: functions}
}

// Select decides what to do with msg. It retries invalid or missing selector
// envelopes up to the orchestrator's retry budget, then falls back to the
// default workflow with the raw message as input.
func (s *Selector) Select(ctx context.Context, orch *config.Orchestrator, msg *queue.IncomingMessage) (*Decision, error) {
	selectorID := SelectorIDFor(msg.MessageID)
	resultPath := filepath.Join(s.paths.SelectResults(), selectorID+".json")
	agent, ok := orch.Agent(orch.SelectorAgent)
	if !ok {
		return s.fallback(orch, msg, selectorID, "selector agent not configured"), nil
	}

	request, err := s.buildRequest(orch, msg, selectorID)
	if err != nil {
		return nil, err
	}

	workDir := s.paths.OrchestratorWorkspace(orch.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	maxAttempts := orch.SelectionRetries() + 1
	var lastReason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Stale results from a previous attempt must not be mistaken for
		// fresh output.
		_ = os.Remove(resultPath)

		prompt, err := s.renderPrompt(orch, agent, request, resultPath, attempt)
		if err != nil {
			return nil, err
		}
		promptPath := filepath.Join(s.paths.SelectLogs(), fmt.Sprintf("%s_attempt_%d.prompt.md", selectorID, attempt))
		if err := queue.WriteFileAtomic(promptPath, []byte(prompt)); err != nil {
			return nil, err
		}

		inv, invErr := s.runner.Invoke(ctx, provider.Request{
			Provider:       agent.Provider,
			AgentID:        agent.ID,
			Model:          agent.Model,
			PromptPath:     promptPath,
			ContextPath:    promptPath,
			OutputPath:     resultPath,
			WorkDir:        workDir,
			Deadline:       time.Duration(orch.SelectorTimeout()) * time.Second,
			InvocationPath: filepath.Join(s.paths.SelectLogs(), fmt.Sprintf("%s_attempt_%d.invocation.json", selectorID, attempt)),
		})
		if invErr != nil {
			lastReason = "selector spawn failure: " + invErr.Error()
			s.logs.Runtime.Event("selector.attempt_failed", "selector_id", selectorID, "attempt", attempt, "reason", lastReason)
			continue
		}
		if !inv.OK() {
			if inv.TimedOut {
				lastReason = "selector timeout"
			} else {
				lastReason = fmt.Sprintf("selector exited %d", inv.ExitCode)
			}
			s.logs.Runtime.Event("selector.attempt_failed", "selector_id", selectorID, "attempt", attempt, "reason", lastReason)
			continue
		}

		decision, reason := s.readResult(orch, resultPath, selectorID, inv.Stdout)
		if decision != nil {
			s.logs.Runtime.Event("selector.decided",
				"selector_id", selectorID, "attempt", attempt, "action", decision.Action, "workflow", decision.WorkflowID)
			return decision, nil
		}
		lastReason = reason
		s.logs.Runtime.Event("selector.attempt_failed", "selector_id", selectorID, "attempt", attempt, "reason", reason)
	}

	return s.fallback(orch, msg, selectorID, lastReason), nil
}

// readResult parses the selector envelope from the result file, or from a
// stdout block when the file was not written. A nil decision with a reason
// means the attempt is invalid and should be retried.
func (s *Selector) readResult(orch *config.Orchestrator, resultPath, selectorID, stdout string) (*Decision, string) {
	raw, err := os.ReadFile(resultPath)
	if err != nil {
		block, ok := envelope.ExtractWorkflowResultBlock(stdout)
		if !ok {
			return nil, "no selector result produced"
		}
		raw = block
	}
	res, err := envelope.ParseSelectorResult(raw)
	if err != nil {
		return nil, err.Error()
	}
	if res.SelectorID != selectorID {
		return nil, fmt.Sprintf("selector id mismatch: got %q want %q", res.SelectorID, selectorID)
	}
	if res.Status == envelope.SelectorDeclined || res.Action == envelope.ActionNoop {
		return &Decision{SelectorID: selectorID, Action: envelope.ActionNoop, Reason: "selector declined"}, ""
	}
	switch res.Action {
	case envelope.ActionWorkflowStart:
		if !orch.OwnsWorkflow(res.SelectedWorkflow) {
			return nil, fmt.Sprintf("selected workflow %q not owned by orchestrator", res.SelectedWorkflow)
		}
		return &Decision{
			SelectorID: selectorID,
			Action:     envelope.ActionWorkflowStart,
			WorkflowID: res.SelectedWorkflow,
			Inputs:     res.Inputs,
		}, ""
	case envelope.ActionCommandInvoke:
		known := false
		for _, f := range s.functions {
			if f.ID == res.Function.ID {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Sprintf("unknown command function %q", res.Function.ID)
		}
		return &Decision{SelectorID: selectorID, Action: envelope.ActionCommandInvoke, Function: res.Function}, ""
	}
	return nil, fmt.Sprintf("invalid selector action %q", res.Action)
}

func (s *Selector) fallback(orch *config.Orchestrator, msg *queue.IncomingMessage, selectorID, reason string) *Decision {
	s.logs.Runtime.Event("selector.fallback",
		"selector_id", selectorID, "workflow", orch.DefaultWorkflow, "reason", reason)
	return &Decision{
		SelectorID: selectorID,
		Action:     envelope.ActionWorkflowStart,
		WorkflowID: orch.DefaultWorkflow,
		Inputs:     map[string]any{"user_message": msg.Message},
		FellBack:   true,
		Reason:     reason,
	}
}

// buildRequest assembles the request document handed to the selector agent:
// the message, the candidate workflows with their input schemas, and the
// invocable command functions.
func (s *Selector) buildRequest(orch *config.Orchestrator, msg *queue.IncomingMessage, selectorID string) (string, error) {
	type workflowEntry struct {
		ID     string   `json:"id"`
		Inputs []string `json:"inputs,omitempty"`
	}
	var workflows []workflowEntry
	for _, id := range orch.Workflows {
		wf, ok := s.cfg.Workflow(id)
		if !ok {
			continue
		}
		workflows = append(workflows, workflowEntry{ID: id, Inputs: wf.Inputs})
	}
	doc := map[string]any{
		"selector_id": selectorID,
		"message": map[string]any{
			"message_id":         msg.MessageID,
			"channel":            msg.Channel,
			"channel_profile_id": msg.ChannelProfileID,
			"conversation_id":    msg.ConversationID,
			"sender_id":          msg.SenderID,
			"content":            msg.Message,
			"files":              msg.Files,
		},
		"workflows":        workflows,
		"default_workflow": orch.DefaultWorkflow,
		"functions":        s.functions,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Selector) renderPrompt(orch *config.Orchestrator, agent *config.Agent, requestJSON, resultPath string, attempt int) (string, error) {
	templatePath := filepath.Join(s.paths.OrchestratorPrompts(orch.ID), "selector.md")
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("read selector template: %w", err)
	}
	return engine.RenderSelectorPrompt(string(data), &engine.SelectorVars{
		RequestJSON:    requestJSON,
		ResultPath:     resultPath,
		OrchestratorID: orch.ID,
		AgentID:        agent.ID,
		Attempt:        attempt,
	})
}
