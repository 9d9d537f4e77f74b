// Package orchestrator is the control-flow hub: it claims messages off the
// queue, schedules them per ordering key, routes each one (resume, scheduled
// trigger, or fresh selection), and writes the reply back to the outgoing
// queue. One Processor exists per supervisor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/direclaw/direclaw/internal/automation"
	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/dispatch"
	"github.com/direclaw/direclaw/internal/engine"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/selector"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/pkg/envelope"
)

// DefaultMaxItems bounds how many ordering keys run concurrently.
const DefaultMaxItems = 4

// Processor claims, schedules, and processes queue messages.
type Processor struct {
	cfg       *config.Config
	paths     statepaths.StatePaths
	queue     *queue.Store
	keys      *dispatch.KeyQueue
	runs      *runstore.Store
	engine    *engine.Engine
	selector  *selector.Selector
	scheduler *automation.Scheduler
	registry  *Registry
	logs      *logging.Set
	clk       clock.Clock
	maxItems  int
}

// NewProcessor wires the dispatcher. maxItems <= 0 uses DefaultMaxItems.
func NewProcessor(cfg *config.Config, paths statepaths.StatePaths, q *queue.Store, runs *runstore.Store, eng *engine.Engine, sel *selector.Selector, sched *automation.Scheduler, registry *Registry, logs *logging.Set, clk clock.Clock, maxItems int) *Processor {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Processor{
		cfg:       cfg,
		paths:     paths,
		queue:     q,
		keys:      dispatch.NewKeyQueue(),
		runs:      runs,
		engine:    eng,
		selector:  sel,
		scheduler: sched,
		registry:  registry,
		logs:      logs,
		clk:       clk,
		maxItems:  maxItems,
	}
}

// Registry exposes the function registry (for selector spec advertising).
func (p *Processor) Registry() *Registry { return p.registry }

// ClaimAvailable moves every claimable incoming message onto the key queue.
// Unparsable payloads were already requeued and logged by the store.
func (p *Processor) ClaimAvailable() error {
	for {
		claimed, err := p.queue.ClaimOldest()
		if err != nil {
			var parseErr *queue.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return err
		}
		if claimed == nil {
			return nil
		}
		p.keys.Enqueue(dispatch.Item{
			Key:   queue.DeriveOrderingKey(claimed.Message),
			Claim: claimed,
		})
	}
}

// ProcessRunnable executes one batch of runnable items concurrently and
// waits for the batch to finish.
func (p *Processor) ProcessRunnable(ctx context.Context) {
	items := p.keys.DequeueRunnable(p.maxItems)
	if len(items) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item dispatch.Item) {
			defer wg.Done()
			defer p.keys.Complete(item.Key)
			p.processOne(ctx, item.Claim)
		}(item)
	}
	wg.Wait()
}

// PendingLen reports scheduled-but-unselected messages.
func (p *Processor) PendingLen() int { return p.keys.PendingLen() }

// DrainPending removes all unstarted claims for shutdown requeue.
func (p *Processor) DrainPending() []*queue.Claimed {
	items := p.keys.DrainPending()
	claims := make([]*queue.Claimed, len(items))
	for i, item := range items {
		claims[i] = item.Claim
	}
	return claims
}

// processOne routes a single claimed message and settles its queue file.
func (p *Processor) processOne(ctx context.Context, c *queue.Claimed) {
	msg := c.Message
	p.recordMessage(msg)

	var reply *queue.OutgoingMessage
	var err error
	switch {
	case msg.Channel == config.ChannelScheduler:
		err = p.processTrigger(ctx, msg)
	case msg.WorkflowRunID != "":
		reply, err = p.processResume(ctx, msg)
	default:
		reply, err = p.processFresh(ctx, msg)
	}

	if err != nil {
		requeued, rqErr := p.queue.RequeueFailure(c)
		if rqErr != nil {
			p.logs.Runtime.Event("dispatcher.requeue_failed",
				"message_id", msg.MessageID, "error", rqErr.Error())
			return
		}
		p.logs.Runtime.Event("dispatcher.message_requeued",
			"message_id", msg.MessageID, "requeued_as", filepath.Base(requeued), "error", err.Error())
		return
	}
	if _, err := p.queue.CompleteSuccess(c, reply); err != nil {
		p.logs.Runtime.Event("dispatcher.complete_failed",
			"message_id", msg.MessageID, "error", err.Error())
	}
}

// processFresh runs selection and acts on the decision.
func (p *Processor) processFresh(ctx context.Context, msg *queue.IncomingMessage) (*queue.OutgoingMessage, error) {
	orch, profile, err := p.resolveOrchestrator(msg)
	if err != nil {
		// Misrouted messages get a reply, not a requeue loop.
		return p.reply(msg, orch, err.Error()), nil
	}
	decision, err := p.selector.Select(ctx, orch, msg)
	if err != nil {
		return nil, err
	}
	switch decision.Action {
	case envelope.ActionNoop:
		p.logs.Runtime.Event("dispatcher.noop", "message_id", msg.MessageID, "reason", decision.Reason)
		return nil, nil
	case envelope.ActionCommandInvoke:
		text, err := p.invokeFunction(ctx, decision.Function.ID, decision.Function.Args)
		if err != nil {
			text = "command failed: " + err.Error()
		}
		return p.reply(msg, orch, text), nil
	case envelope.ActionWorkflowStart:
		return p.startAndDrive(ctx, orch, profile, decision.WorkflowID, decision.Inputs, msg)
	}
	return nil, fmt.Errorf("unhandled selector action %q", decision.Action)
}

// startAndDrive starts a run, drives it to its first settle point, and
// builds the chat reply.
func (p *Processor) startAndDrive(ctx context.Context, orch *config.Orchestrator, profile *config.ChannelProfile, workflowID string, inputs map[string]any, msg *queue.IncomingMessage) (*queue.OutgoingMessage, error) {
	if !orch.OwnsWorkflow(workflowID) {
		return p.reply(msg, orch, fmt.Sprintf("workflow `%s` is not available here", workflowID)), nil
	}
	run, err := p.engine.StartRun(orch, workflowID, inputs, msg)
	if err != nil {
		return nil, err
	}
	return p.drive(ctx, orch, run, msg)
}

// drive advances a run and renders the outcome as a reply.
func (p *Processor) drive(ctx context.Context, orch *config.Orchestrator, run *runstore.Run, msg *queue.IncomingMessage) (*queue.OutgoingMessage, error) {
	err := p.engine.Advance(ctx, run)
	var stepErr *engine.StepExecutionError
	switch {
	case err == nil:
	case errors.As(err, &stepErr):
		// Run failed terminally; the reply carries the reason, the queue
		// file is settled.
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, err
	}

	final, loadErr := p.runs.Load(run.RunID)
	if loadErr != nil {
		return nil, loadErr
	}
	var text string
	switch final.State {
	case runstore.StateSucceeded:
		text = final.LastTransitionReason
		if text == "" {
			text = fmt.Sprintf("workflow run `%s` completed", final.RunID)
		}
	case runstore.StateFailed:
		text = fmt.Sprintf("workflow run `%s` failed: %s", final.RunID, final.LastTransitionReason)
	case runstore.StateCanceled:
		text = fmt.Sprintf("workflow run `%s` was canceled", final.RunID)
	case runstore.StateAwaitingReview, runstore.StatePaused:
		text = fmt.Sprintf("workflow run `%s` is %s at step %s", final.RunID, final.State, final.CurrentStepID)
	default:
		text = fmt.Sprintf("workflow run `%s` is %s", final.RunID, final.State)
	}
	return p.reply(msg, orch, text), nil
}

// processResume handles a message bound to an existing run: status queries,
// cancellation, or operator guidance appended to the run history.
func (p *Processor) processResume(ctx context.Context, msg *queue.IncomingMessage) (*queue.OutgoingMessage, error) {
	run, err := p.runs.Load(msg.WorkflowRunID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return p.reply(msg, nil,
				fmt.Sprintf("workflow run `%s` was not found", msg.WorkflowRunID)), nil
		}
		return nil, err
	}
	orch, _ := p.cfg.Orchestrator(run.OrchestratorID)

	command := strings.TrimSpace(msg.Message)
	switch {
	case strings.HasPrefix(command, "/status"):
		progress, err := p.runs.LoadProgress(run.RunID)
		if err != nil {
			return nil, err
		}
		return p.reply(msg, orch, FormatProgress(progress)), nil
	case strings.HasPrefix(command, "/cancel"):
		if err := p.engine.Cancel(run.RunID, "canceled by operator"); err != nil {
			var invalid *runstore.InvalidRunTransitionError
			if errors.As(err, &invalid) {
				return p.reply(msg, orch,
					fmt.Sprintf("workflow run `%s` is already %s", run.RunID, run.State)), nil
			}
			return nil, err
		}
		return p.reply(msg, orch, fmt.Sprintf("workflow run `%s` canceled", run.RunID)), nil
	}

	if runstore.IsTerminal(run.State) {
		return p.reply(msg, orch,
			fmt.Sprintf("workflow run `%s` already finished (%s)", run.RunID, run.State)), nil
	}
	if err := p.runs.AppendHistory(run.RunID, &runstore.HistoryEntry{
		MessageID: msg.MessageID,
		Sender:    msg.SenderID,
		Message:   msg.Message,
	}); err != nil {
		return nil, err
	}
	return p.drive(ctx, orch, run, msg)
}

// processTrigger handles a synthetic scheduler message. Trigger outcomes go
// to the run history and the scheduler state, never to a chat channel.
func (p *Processor) processTrigger(ctx context.Context, msg *queue.IncomingMessage) error {
	trigger, err := envelope.ParseTrigger([]byte(msg.Message))
	if err != nil {
		p.logs.Runtime.Event("scheduler.trigger.unparsable", "message_id", msg.MessageID, "error", err.Error())
		return nil // poison trigger: settle, do not requeue forever
	}
	orch, ok := p.cfg.Orchestrator(trigger.OrchestratorID)
	if !ok {
		p.completeTrigger(trigger, "failed: unknown orchestrator")
		return nil
	}

	switch trigger.TargetAction {
	case envelope.ActionWorkflowStart:
		var ref envelope.WorkflowStartRef
		if err := json.Unmarshal(trigger.TargetRef, &ref); err != nil {
			p.completeTrigger(trigger, "failed: bad target ref")
			return nil
		}
		if !orch.OwnsWorkflow(ref.WorkflowID) {
			p.completeTrigger(trigger, "failed: workflow not owned")
			return nil
		}
		run, err := p.engine.StartRun(orch, ref.WorkflowID, ref.Inputs, msg)
		if err != nil {
			p.completeTrigger(trigger, "failed: "+err.Error())
			return nil
		}
		p.logs.Runtime.Event("scheduler.trigger.started",
			"execution", trigger.ExecutionID, "run_id", run.RunID)
		advErr := p.engine.Advance(ctx, run)
		var stepErr *engine.StepExecutionError
		switch {
		case advErr == nil:
			p.completeTrigger(trigger, "succeeded")
		case errors.As(advErr, &stepErr):
			p.completeTrigger(trigger, "failed: "+stepErr.Reason)
		default:
			p.completeTrigger(trigger, "failed: "+advErr.Error())
			return advErr
		}
		return nil
	case envelope.ActionCommandInvoke:
		var ref envelope.CommandInvokeRef
		if err := json.Unmarshal(trigger.TargetRef, &ref); err != nil {
			p.completeTrigger(trigger, "failed: bad target ref")
			return nil
		}
		out, err := p.invokeFunction(ctx, ref.FunctionID, ref.Args)
		if err != nil {
			p.completeTrigger(trigger, "failed: "+err.Error())
			return nil
		}
		p.logs.Runtime.Event("scheduler.trigger.command_result",
			"execution", trigger.ExecutionID, "function", ref.FunctionID, "result", out)
		p.completeTrigger(trigger, "succeeded")
		return nil
	}
	p.completeTrigger(trigger, "failed: invalid action")
	return nil
}

func (p *Processor) completeTrigger(trigger *envelope.Trigger, outcome string) {
	event := "scheduler.trigger.completed"
	if strings.HasPrefix(outcome, "failed") {
		event = "scheduler.trigger.failed"
	}
	p.logs.Runtime.Event(event,
		"job", trigger.JobID, "execution", trigger.ExecutionID, "outcome", outcome)
	if p.scheduler == nil {
		return
	}
	if err := p.scheduler.CompleteExecution(trigger.JobID, trigger.ExecutionID, outcome); err != nil {
		p.logs.Runtime.Event("scheduler.trigger.complete_failed",
			"execution", trigger.ExecutionID, "error", err.Error())
	}
}

func (p *Processor) invokeFunction(ctx context.Context, id string, args map[string]any) (string, error) {
	f, ok := p.registry.Lookup(id)
	if !ok {
		return "", fmt.Errorf("unknown command function %q", id)
	}
	return f.Run(ctx, p, args)
}

// resolveOrchestrator maps a message to its orchestrator via the channel
// profile, falling back to the default profile.
func (p *Processor) resolveOrchestrator(msg *queue.IncomingMessage) (*config.Orchestrator, *config.ChannelProfile, error) {
	profileID := msg.ChannelProfileID
	if profileID == "" {
		profile, ok := p.cfg.DefaultProfile()
		if !ok {
			return nil, nil, fmt.Errorf("no channel profile configured for this message")
		}
		profileID = profile.ID
	}
	profile, ok := p.cfg.Profile(profileID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown channel profile `%s`", profileID)
	}
	if !profile.Enabled {
		return nil, nil, fmt.Errorf("channel profile `%s` is disabled", profileID)
	}
	orch, err := p.cfg.OrchestratorForProfile(profileID)
	if err != nil {
		return nil, nil, err
	}
	return orch, profile, nil
}

// reply mirrors the incoming message into an outgoing one.
func (p *Processor) reply(msg *queue.IncomingMessage, orch *config.Orchestrator, text string) *queue.OutgoingMessage {
	agent := "direclaw"
	if orch != nil {
		agent = orch.ID
	}
	out := &queue.OutgoingMessage{
		Channel:          msg.Channel,
		ChannelProfileID: msg.ChannelProfileID,
		Agent:            agent,
		Message:          text,
		Timestamp:        p.clk.Now().Unix(),
		MessageID:        uuid.NewString(),
		ConversationID:   msg.ConversationID,
		OriginalMessage:  msg,
	}
	if msg.Channel == config.ChannelSlack {
		channelID, threadTS := splitSlackConversation(msg.ConversationID)
		out.TargetRef = queue.TargetRef{"channel_id": channelID}
		if threadTS != "" {
			out.TargetRef["thread_ts"] = threadTS
		}
	}
	return out
}

func splitSlackConversation(conversationID string) (channelID, threadTS string) {
	if i := strings.IndexByte(conversationID, '/'); i >= 0 {
		return conversationID[:i], conversationID[i+1:]
	}
	return conversationID, ""
}

// recordMessage persists the routing record at orchestrator/messages/<id>.json.
func (p *Processor) recordMessage(msg *queue.IncomingMessage) {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return
	}
	name := queue.SanitizeFilenameComponent(msg.MessageID) + ".json"
	if err := queue.WriteFileAtomic(filepath.Join(p.paths.OrchestratorMessages(), name), data); err != nil {
		p.logs.Runtime.Event("dispatcher.record_failed", "message_id", msg.MessageID, "error", err.Error())
	}
}
