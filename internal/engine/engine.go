// Package engine drives workflow runs: the run state machine, step
// execution against provider subprocesses, the output contract, retries,
// quotas, and resumability. One executor per run is guaranteed upstream by
// the per-key scheduler; the engine holds no run-wide lock of its own.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/pkg/envelope"
)

// StepExecutionError reports a step that failed terminally (retries
// exhausted, blocked/failed status, or a fatal validation).
type StepExecutionError struct {
	RunID  string
	StepID string
	Reason string
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s of run %s failed: %s", e.StepID, e.RunID, e.Reason)
}

// Engine executes workflow runs.
type Engine struct {
	cfg    *config.Config
	paths  statepaths.StatePaths
	runs   *runstore.Store
	runner *provider.Runner
	logs   *logging.Set
	clk    clock.Clock
	tracer trace.Tracer
}

// New builds an engine over an already-bootstrapped state tree.
func New(cfg *config.Config, paths statepaths.StatePaths, runs *runstore.Store, runner *provider.Runner, logs *logging.Set, clk clock.Clock) *Engine {
	return &Engine{
		cfg:    cfg,
		paths:  paths,
		runs:   runs,
		runner: runner,
		logs:   logs,
		clk:    clk,
		tracer: otel.Tracer("direclaw/engine"),
	}
}

// StartRun creates a pending run for a workflow. Unrecognized input keys are
// dropped per the workflow's inputs schema.
func (e *Engine) StartRun(orch *config.Orchestrator, workflowID string, inputs map[string]any, src *queue.IncomingMessage) (*runstore.Run, error) {
	wf, ok := e.cfg.Workflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	accepted := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if wf.RecognizesInput(k) {
			accepted[k] = v
		}
	}

	run := &runstore.Run{
		RunID:           runstore.RunID(orch.ID, workflowID, e.clk.Now().UnixNano()),
		OrchestratorID:  orch.ID,
		WorkflowID:      workflowID,
		WorkflowVersion: wf.Version,
		Inputs:          accepted,
		State:           runstore.StatePending,
		CurrentStepID:   wf.Steps[0].ID,
		Attempt:         1,
	}
	if src != nil {
		run.SourceMessageID = src.MessageID
		run.SourceChannel = src.Channel
		run.SourceChannelProfileID = src.ChannelProfileID
		run.SourceConversationID = src.ConversationID
		run.SourceSenderID = src.SenderID
	}
	if err := e.runs.Create(run); err != nil {
		return nil, err
	}
	e.logs.Engine.Event("engine.run.created", "run_id", run.RunID, "workflow", workflowID, "orchestrator", orch.ID)
	return run, nil
}

// Advance drives a run until it reaches a terminal state. Calling it on a
// terminal run is an invalid transition.
func (e *Engine) Advance(ctx context.Context, run *runstore.Run) error {
	if runstore.IsTerminal(run.State) {
		return &runstore.InvalidRunTransitionError{RunID: run.RunID, From: run.State, To: runstore.StateRunning}
	}
	orch, ok := e.cfg.Orchestrator(run.OrchestratorID)
	if !ok {
		return fmt.Errorf("run %s references unknown orchestrator %q", run.RunID, run.OrchestratorID)
	}
	wf, ok := e.cfg.Workflow(run.WorkflowID)
	if !ok {
		return fmt.Errorf("run %s references unknown workflow %q", run.RunID, run.WorkflowID)
	}

	ctx, span := e.tracer.Start(ctx, "engine.advance",
		trace.WithAttributes(attribute.String("run_id", run.RunID), attribute.String("workflow", run.WorkflowID)))
	defer span.End()

	if run.State == runstore.StatePending {
		if err := e.transition(run, runstore.StateRunning, "engine.start"); err != nil {
			return err
		}
	}

	maxIterations := e.effectiveMaxIterations(orch, wf)
	runTimeout := e.effectiveRunTimeout(orch, wf)

	for !runstore.IsTerminal(run.State) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		step, ok := wf.Step(run.CurrentStepID)
		if !ok {
			return e.failRun(run, fmt.Sprintf("unknown step id %q", run.CurrentStepID))
		}
		if runTimeout > 0 && e.clk.Now().Sub(run.CreatedAt) > runTimeout {
			return e.failRun(run, fmt.Sprintf("run timeout exceeded (%s)", runTimeout))
		}
		if run.IterationCount >= maxIterations {
			return e.failRun(run, fmt.Sprintf("max total iterations exceeded (%d)", maxIterations))
		}

		if step.Type == config.StepAgentReview && run.State == runstore.StateRunning {
			if err := e.transition(run, runstore.StateAwaitingReview, "review gate: "+step.ID); err != nil {
				return err
			}
		}

		outcome, fatalErr := e.executeWithRetries(ctx, run, orch, wf, step)
		if fatalErr != nil {
			return fatalErr
		}
		run.IterationCount++
		if outcome.failure != "" {
			return e.failRun(run, outcome.failure)
		}

		switch step.Type {
		case config.StepAgentTask:
			res := outcome.task
			if res.Status != envelope.StatusComplete {
				return e.failRun(run, fmt.Sprintf("step %s reported %s: %s", step.ID, res.Status, res.Summary))
			}
			next := step.Next
			if next == "" && wf.IsLastStep(step.ID) {
				return e.succeedRun(run, res.Summary)
			}
			if next == "" {
				next = wf.Steps[wf.StepIndex(step.ID)+1].ID
			}
			if err := e.moveCursor(run, wf, next); err != nil {
				return err
			}
		case config.StepAgentReview:
			res := outcome.review
			if err := e.transition(run, runstore.StateRunning, "review decision: "+res.Decision); err != nil {
				return err
			}
			next := step.OnApprove
			if res.Decision == envelope.DecisionReject {
				next = step.OnReject
			}
			if err := e.moveCursor(run, wf, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cancel moves a non-terminal run to canceled.
func (e *Engine) Cancel(runID, reason string) error {
	run, err := e.runs.Load(runID)
	if err != nil {
		return err
	}
	if err := run.Transition(runstore.StateCanceled, reason, e.clk.Now()); err != nil {
		return err
	}
	e.logs.Engine.Event("engine.run.canceled", "run_id", runID, "reason", reason)
	return e.persist(run)
}

type stepOutcome struct {
	task    *envelope.TaskResult
	review  *envelope.ReviewResult
	failure string // terminal failure reason; empty on success
}

// executeWithRetries runs a step, retrying transient failures up to the
// effective budget. Fatal validation failures (output path escapes,
// workspace denials, render errors against a broken template) do not retry.
func (e *Engine) executeWithRetries(ctx context.Context, run *runstore.Run, orch *config.Orchestrator, wf *config.Workflow, step *config.Step) (*stepOutcome, error) {
	maxRetries := e.effectiveStepRetries(orch, step)
	for {
		attempt, err := e.runs.NextAttempt(run.RunID, step.ID)
		if err != nil {
			return nil, err
		}
		run.CurrentStepID = step.ID
		run.Attempt = attempt
		if err := e.persist(run); err != nil {
			return nil, err
		}

		outcome, fatal, err := e.executeAttempt(ctx, run, orch, wf, step, attempt)
		if err != nil {
			return nil, err
		}
		if outcome.failure == "" || fatal {
			return outcome, nil
		}
		e.logs.Engine.Event("engine.step.attempt_failed",
			"run_id", run.RunID, "step", step.ID, "attempt", attempt, "reason", outcome.failure)
		if attempt >= maxRetries {
			outcome.failure = fmt.Sprintf("step %s exhausted retries (%d): %s", step.ID, maxRetries, outcome.failure)
			return outcome, nil
		}
	}
}

func (e *Engine) executeAttempt(ctx context.Context, run *runstore.Run, orch *config.Orchestrator, wf *config.Workflow, step *config.Step, attempt int) (outcome *stepOutcome, fatal bool, err error) {
	outcome = &stepOutcome{}

	attemptDir, err := e.runs.EnsureAttemptDir(run.RunID, step.ID, attempt)
	if err != nil {
		return nil, false, err
	}
	outputsRoot := filepath.Join(attemptDir, "outputs")

	outputPaths, err := resolveAllOutputPaths(outputsRoot, step)
	if err != nil {
		var pathErr *OutputPathError
		if errors.As(err, &pathErr) {
			e.logs.Security.Event("engine.output_path_denied",
				"run_id", run.RunID, "step", step.ID, "template", pathErr.Template, "reason", pathErr.Reason,
				"detail", "output path validation denied")
			outcome.failure = err.Error()
			return outcome, true, nil
		}
		return nil, false, err
	}

	workspace, err := workspaceRoot(e.paths, step, orch.ID, run.RunID)
	if err != nil {
		e.logs.Security.Event("engine.workspace_denied", "run_id", run.RunID, "step", step.ID, "error", err.Error())
		outcome.failure = err.Error()
		return outcome, true, nil
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, false, err
	}

	vars, err := e.buildVars(run, step, attempt, workspace, outputPaths)
	if err != nil {
		return nil, false, err
	}

	promptText, contextText, renderErr := e.renderStepTemplates(orch, step, vars)
	if renderErr != nil {
		outcome.failure = renderErr.Error()
		return outcome, true, nil
	}

	promptPath := filepath.Join(attemptDir, "prompt.md")
	contextPath := filepath.Join(attemptDir, "context.md")
	resultPath := filepath.Join(attemptDir, "result.json")
	if err := queue.WriteFileAtomic(promptPath, []byte(promptText)); err != nil {
		return nil, false, err
	}
	if err := queue.WriteFileAtomic(contextPath, []byte(contextText)); err != nil {
		return nil, false, err
	}

	agent, ok := orch.Agent(step.Agent)
	if !ok {
		outcome.failure = fmt.Sprintf("step %s references unknown agent %q", step.ID, step.Agent)
		return outcome, true, nil
	}

	inv, invErr := e.runner.Invoke(ctx, provider.Request{
		Provider:       agent.Provider,
		AgentID:        agent.ID,
		Model:          agent.Model,
		PromptPath:     promptPath,
		ContextPath:    contextPath,
		OutputPath:     resultPath,
		WorkDir:        workspace,
		Deadline:       e.effectiveStepTimeout(orch, step),
		InvocationPath: filepath.Join(attemptDir, "invocation.json"),
	})
	if invErr != nil && !errors.Is(invErr, provider.ErrSpawn) {
		return nil, false, invErr
	}
	if !inv.OK() {
		switch {
		case inv.TimedOut:
			outcome.failure = "step timeout"
		case inv.Error != "":
			outcome.failure = inv.Error
		default:
			outcome.failure = fmt.Sprintf("provider exited %d", inv.ExitCode)
		}
		return outcome, false, nil
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		// Backward-compatible alternate: envelope carried on stdout.
		if block, ok := envelope.ExtractWorkflowResultBlock(inv.Stdout); ok {
			raw = block
			if werr := queue.WriteFileAtomic(resultPath, block); werr != nil {
				return nil, false, werr
			}
		} else {
			outcome.failure = "no result envelope produced"
			return outcome, false, nil
		}
	}

	switch step.Type {
	case config.StepAgentTask:
		res, perr := envelope.ParseTaskResult(raw, step.Outputs)
		if perr != nil {
			outcome.failure = perr.Error()
			return outcome, false, nil
		}
		for key, value := range res.Outputs {
			if err := writeOutputAtomic(outputPaths[key], rawOutputBytes(value)); err != nil {
				return nil, false, err
			}
		}
		e.recordStepProgress(run, step, attempt, res.Status, res.Outputs)
		outcome.task = res
	case config.StepAgentReview:
		res, perr := envelope.ParseReviewResult(raw)
		if perr != nil {
			outcome.failure = perr.Error()
			return outcome, false, nil
		}
		e.recordStepProgress(run, step, attempt, "decision:"+res.Decision, nil)
		outcome.review = res
	}

	e.runs.AppendTransition(run.RunID, "step.completed", map[string]any{
		"step": step.ID, "attempt": attempt,
	})
	e.logs.Engine.Event("engine.step.completed",
		"run_id", run.RunID, "step", step.ID, "attempt", attempt, "duration_ns", inv.DurationNS)
	return outcome, false, nil
}

func (e *Engine) renderStepTemplates(orch *config.Orchestrator, step *config.Step, vars *WorkflowVars) (prompt, contextText string, err error) {
	promptTemplate := step.Prompt
	contextTemplate := ""
	if step.IsTemplateRef() {
		base := step.Prompt
		if !filepath.IsAbs(base) {
			base = filepath.Join(e.paths.OrchestratorPrompts(orch.ID), base)
		}
		data, readErr := os.ReadFile(base)
		if readErr != nil {
			return "", "", fmt.Errorf("read prompt template: %w", readErr)
		}
		promptTemplate = string(data)
		sidecar := strings.TrimSuffix(base, ".md") + ".context.md"
		if data, readErr := os.ReadFile(sidecar); readErr == nil {
			contextTemplate = string(data)
		}
	}
	prompt, err = RenderWorkflowPrompt(promptTemplate, vars)
	if err != nil {
		return "", "", err
	}
	if contextTemplate == "" {
		contextText = vars.RuntimeContextJSON
		return prompt, contextText, nil
	}
	contextText, err = RenderWorkflowPrompt(contextTemplate, vars)
	if err != nil {
		return "", "", err
	}
	return prompt, contextText, nil
}

func (e *Engine) buildVars(run *runstore.Run, step *config.Step, attempt int, workspace string, outputPaths map[string]string) (*WorkflowVars, error) {
	schemaJSON, _ := json.Marshal(step.Outputs)
	pathsJSON, _ := json.Marshal(outputPaths)

	history, _ := e.runs.LoadHistory(run.RunID)
	var historyLines []string
	for _, h := range history {
		historyLines = append(historyLines, fmt.Sprintf("%s: %s", h.Sender, h.Message))
	}

	runtimeContext := map[string]any{
		"run_id":       run.RunID,
		"workflow_id":  run.WorkflowID,
		"step_id":      step.ID,
		"attempt":      attempt,
		"workspace":    workspace,
		"result_path":  filepath.Join(e.paths.StepAttemptDir(run.RunID, step.ID, attempt), "result.json"),
		"output_paths": outputPaths,
	}
	runtimeJSON, _ := json.Marshal(runtimeContext)

	progress, err := e.runs.LoadProgress(run.RunID)
	if err != nil {
		return nil, err
	}
	stepOutputs := make(map[string]map[string]string, len(progress.Steps))
	for id, sp := range progress.Steps {
		stepOutputs[id] = sp.Outputs
	}

	return &WorkflowVars{
		RunID:              run.RunID,
		StepID:             step.ID,
		Attempt:            attempt,
		RunWorkspace:       workspace,
		OutputSchemaJSON:   string(schemaJSON),
		OutputPathsJSON:    string(pathsJSON),
		RuntimeContextJSON: string(runtimeJSON),
		OutputPaths:        outputPaths,
		Channel:            run.SourceChannel,
		ChannelProfileID:   run.SourceChannelProfileID,
		ConversationID:     run.SourceConversationID,
		SenderID:           run.SourceSenderID,
		SelectorID:         "sel-" + run.SourceMessageID,
		Inputs:             run.Inputs,
		State: map[string]any{
			"run_state":       run.State,
			"iteration_count": run.IterationCount,
			"history":         strings.Join(historyLines, "\n"),
		},
		StepOutputs: stepOutputs,
	}, nil
}

func (e *Engine) recordStepProgress(run *runstore.Run, step *config.Step, attempt int, status string, outputs map[string]json.RawMessage) {
	progress, err := e.runs.LoadProgress(run.RunID)
	if err != nil {
		return
	}
	sp := progress.Steps[step.ID]
	if sp == nil {
		sp = &runstore.StepProgress{}
		progress.Steps[step.ID] = sp
	}
	sp.Attempts = attempt
	sp.LastStatus = status
	if len(outputs) > 0 {
		if sp.Outputs == nil {
			sp.Outputs = make(map[string]string, len(outputs))
		}
		for k, v := range outputs {
			sp.Outputs[k] = string(rawOutputBytes(v))
		}
	}
	progress.State = run.State
	progress.CurrentStepID = run.CurrentStepID
	progress.Attempt = attempt
	progress.IterationCount = run.IterationCount
	e.runs.SaveProgress(progress)
}

func (e *Engine) moveCursor(run *runstore.Run, wf *config.Workflow, next string) error {
	if _, ok := wf.Step(next); !ok {
		return e.failRun(run, fmt.Sprintf("unknown step id %q", next))
	}
	run.CurrentStepID = next
	run.Attempt = 1
	return e.persist(run)
}

func (e *Engine) transition(run *runstore.Run, to, reason string) error {
	if err := run.Transition(to, reason, e.clk.Now()); err != nil {
		return err
	}
	e.runs.AppendTransition(run.RunID, "run.transition", map[string]any{"to": to, "reason": reason})
	return e.persist(run)
}

func (e *Engine) failRun(run *runstore.Run, reason string) error {
	if err := e.transition(run, runstore.StateFailed, reason); err != nil {
		return err
	}
	e.logs.Engine.Event("engine.run.failed", "run_id", run.RunID, "reason", reason)
	return &StepExecutionError{RunID: run.RunID, StepID: run.CurrentStepID, Reason: reason}
}

func (e *Engine) succeedRun(run *runstore.Run, summary string) error {
	if err := e.transition(run, runstore.StateSucceeded, summary); err != nil {
		return err
	}
	e.logs.Engine.Event("engine.run.succeeded", "run_id", run.RunID)
	return nil
}

func (e *Engine) persist(run *runstore.Run) error {
	run.UpdatedAt = e.clk.Now()
	if err := e.runs.Save(run); err != nil {
		return err
	}
	progress, err := e.runs.LoadProgress(run.RunID)
	if err != nil {
		return err
	}
	progress.State = run.State
	progress.CurrentStepID = run.CurrentStepID
	progress.Attempt = run.Attempt
	progress.IterationCount = run.IterationCount
	progress.Reason = run.LastTransitionReason
	return e.runs.SaveProgress(progress)
}

func (e *Engine) effectiveStepRetries(orch *config.Orchestrator, step *config.Step) int {
	if step.Limits != nil && step.Limits.MaxRetries > 0 {
		return step.Limits.MaxRetries
	}
	return orch.Orchestration.StepMaxRetries()
}

func (e *Engine) effectiveStepTimeout(orch *config.Orchestrator, step *config.Step) time.Duration {
	if step.Limits != nil && step.Limits.TimeoutSeconds > 0 {
		return time.Duration(step.Limits.TimeoutSeconds) * time.Second
	}
	return time.Duration(orch.Orchestration.StepTimeoutSeconds()) * time.Second
}

func (e *Engine) effectiveRunTimeout(orch *config.Orchestrator, wf *config.Workflow) time.Duration {
	if wf.Limits != nil && wf.Limits.RunTimeoutSeconds > 0 {
		return time.Duration(wf.Limits.RunTimeoutSeconds) * time.Second
	}
	return time.Duration(orch.Orchestration.RunTimeoutSeconds()) * time.Second
}

func (e *Engine) effectiveMaxIterations(orch *config.Orchestrator, wf *config.Workflow) int {
	if wf.Limits != nil && wf.Limits.MaxTotalIterations > 0 {
		return wf.Limits.MaxTotalIterations
	}
	return orch.Orchestration.MaxIterations()
}

// rawOutputBytes renders an envelope output value for persistence: JSON
// strings are written as their unquoted text, everything else as JSON.
func rawOutputBytes(v json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return []byte(s)
	}
	return []byte(v)
}
