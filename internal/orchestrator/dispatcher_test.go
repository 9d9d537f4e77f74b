package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/direclaw/direclaw/internal/automation"
	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/engine"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/selector"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/internal/templates"
	"github.com/direclaw/direclaw/pkg/envelope"
)

// dualStub answers selector invocations with a matching workflow_start
// envelope and every other invocation with a complete task envelope.
const dualStub = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output-file) out="$2"; shift ;;
  esac
  shift
done
case "$out" in
  */select/results/*)
    id=$(basename "$out" .json)
    printf '{"selectorId":"%s","status":"selected","action":"workflow_start","selectedWorkflow":"triage","inputs":{"user_message":"triage this"}}' "$id" > "$out"
    ;;
  *)
    printf '%s' '{"status":"complete","summary":"triage done","report":"the report"}' > "$out"
    ;;
esac
`

type testEnv struct {
	cfg   *config.Config
	paths statepaths.StatePaths
	queue *queue.Store
	runs  *runstore.Store
	auto  *automation.Store
	proc  *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	script := filepath.Join(t.TempDir(), "stub-claude")
	if err := os.WriteFile(script, []byte(dualStub), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRECLAW_PROVIDER_BIN_ANTHROPIC", script)

	paths := statepaths.New(t.TempDir())
	if err := paths.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	if err := templates.EnsureOrchestratorPrompts(paths, "main"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.StateRoot = paths.Root
	cfg.Workflows["triage"] = &config.Workflow{
		ID:      "triage",
		Version: "1",
		Inputs:  []string{"user_message"},
		Steps: []*config.Step{{
			ID:          "plan",
			Type:        config.StepAgentTask,
			Agent:       "worker",
			Prompt:      "Handle {{inputs.user_message}}.",
			Outputs:     []string{"report"},
			OutputFiles: map[string]string{"report": "report.md"},
		}},
	}
	cfg.Orchestrators["main"] = &config.Orchestrator{
		ID: "main",
		Agents: map[string]*config.Agent{
			"worker": {ID: "worker", Provider: config.ProviderAnthropic},
		},
		SelectorAgent:   "worker",
		DefaultWorkflow: "triage",
		Workflows:       []string{"triage"},
	}
	cfg.Profiles["default"] = &config.ChannelProfile{
		ID:           "default",
		Channel:      config.ChannelLocal,
		Orchestrator: "main",
		Enabled:      true,
		Default:      true,
	}

	logs, err := logging.OpenSet(paths.LogsDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logs.Close)
	clk := clock.System()
	q, err := queue.NewStore(paths, clk, &clock.Counter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := runstore.NewStore(paths, clk)
	if err != nil {
		t.Fatal(err)
	}
	auto, err := automation.NewStore(paths, clk)
	if err != nil {
		t.Fatal(err)
	}
	sched := automation.NewScheduler(auto, q, logs, clk)
	registry := NewRegistry()
	eng := engine.New(cfg, paths, runs, provider.NewRunner(), logs, clk)
	sel := selector.New(cfg, paths, provider.NewRunner(), logs, clk, registry.Specs())
	proc := NewProcessor(cfg, paths, q, runs, eng, sel, sched, registry, logs, clk, 2)
	return &testEnv{cfg: cfg, paths: paths, queue: q, runs: runs, auto: auto, proc: proc}
}

func (e *testEnv) enqueue(t *testing.T, msg *queue.IncomingMessage) {
	t.Helper()
	if msg.Channel == "" {
		msg.Channel = config.ChannelLocal
	}
	if msg.ChannelProfileID == "" {
		msg.ChannelProfileID = "default"
	}
	if _, err := e.queue.WriteIncoming(msg); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) processAll(t *testing.T) {
	t.Helper()
	if err := e.proc.ClaimAvailable(); err != nil {
		t.Fatal(err)
	}
	e.proc.ProcessRunnable(context.Background())
}

func (e *testEnv) replies(t *testing.T) []*queue.OutgoingMessage {
	t.Helper()
	paths, err := e.queue.ListOutgoing()
	if err != nil {
		t.Fatal(err)
	}
	var out []*queue.OutgoingMessage
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		var m queue.OutgoingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, &m)
	}
	return out
}

func (e *testEnv) onlyRunID(t *testing.T) string {
	t.Helper()
	entries, err := os.ReadDir(e.paths.RunsDir())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	if len(ids) != 1 {
		t.Fatalf("runs = %v, want exactly one", ids)
	}
	return ids[0]
}

func TestProcess_FreshMessageRunsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, &queue.IncomingMessage{
		SenderID:       "u1",
		Message:        "please triage this",
		MessageID:      "msg-1",
		ConversationID: "c1",
	})
	env.processAll(t)

	run, err := env.runs.Load(env.onlyRunID(t))
	if err != nil {
		t.Fatal(err)
	}
	if run.State != runstore.StateSucceeded {
		t.Fatalf("run state = %s (%s)", run.State, run.LastTransitionReason)
	}
	if run.Inputs["user_message"] != "triage this" {
		t.Errorf("selector inputs not applied: %v", run.Inputs)
	}

	replies := env.replies(t)
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if replies[0].Agent != "main" || replies[0].ConversationID != "c1" {
		t.Errorf("reply = %+v", replies[0])
	}

	incoming, processing, _ := env.queue.Depths()
	if incoming != 0 || processing != 0 {
		t.Errorf("queues not settled: incoming=%d processing=%d", incoming, processing)
	}

	record := filepath.Join(env.paths.OrchestratorMessages(), "msg-1.json")
	if _, err := os.Stat(record); err != nil {
		t.Errorf("message record missing: %v", err)
	}
}

func TestProcess_StatusCommand(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, &queue.IncomingMessage{
		SenderID: "u1", Message: "go", MessageID: "msg-1", ConversationID: "c1",
	})
	env.processAll(t)
	runID := env.onlyRunID(t)

	env.enqueue(t, &queue.IncomingMessage{
		SenderID: "u1", Message: "/status", MessageID: "msg-2",
		ConversationID: "c1", WorkflowRunID: runID,
	})
	env.processAll(t)

	var status *queue.OutgoingMessage
	for _, r := range env.replies(t) {
		if strings.Contains(r.Message, "run "+runID) {
			status = r
		}
	}
	if status == nil {
		t.Fatal("no status reply found")
	}
	if !strings.Contains(status.Message, "succeeded") {
		t.Errorf("status reply = %q", status.Message)
	}
}

func TestProcess_CancelFinishedRun(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, &queue.IncomingMessage{
		SenderID: "u1", Message: "go", MessageID: "msg-1", ConversationID: "c1",
	})
	env.processAll(t)
	runID := env.onlyRunID(t)

	env.enqueue(t, &queue.IncomingMessage{
		SenderID: "u1", Message: "/cancel", MessageID: "msg-2",
		ConversationID: "c1", WorkflowRunID: runID,
	})
	env.processAll(t)

	found := false
	for _, r := range env.replies(t) {
		if strings.Contains(r.Message, "already") {
			found = true
		}
	}
	if !found {
		t.Error("no already-finished reply for cancel of a terminal run")
	}
}

func TestProcess_UnknownRunReference(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, &queue.IncomingMessage{
		SenderID: "u1", Message: "/status", MessageID: "msg-1",
		ConversationID: "c1", WorkflowRunID: "run-ghost",
	})
	env.processAll(t)

	replies := env.replies(t)
	if len(replies) != 1 || !strings.Contains(replies[0].Message, "not found") {
		t.Errorf("replies = %+v, want not-found reply", replies)
	}
}

func TestProcess_UnknownProfileGetsReply(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, &queue.IncomingMessage{
		ChannelProfileID: "ghost",
		SenderID:         "u1",
		Message:          "hello",
		MessageID:        "msg-1",
		ConversationID:   "c1",
	})
	env.processAll(t)

	replies := env.replies(t)
	if len(replies) != 1 || !strings.Contains(replies[0].Message, "unknown channel profile") {
		t.Errorf("replies = %+v, want misroute reply", replies)
	}
	if incoming, processing, _ := env.queue.Depths(); incoming != 0 || processing != 0 {
		t.Error("misrouted message left in queue")
	}
}

func TestProcess_ScheduledTrigger(t *testing.T) {
	env := newTestEnv(t)

	execID := "exec-nightly-1712000000"
	state, err := env.auto.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	state.Jobs["nightly"] = &automation.JobState{InFlight: execID}
	if err := env.auto.SaveState(state); err != nil {
		t.Fatal(err)
	}

	trigger, _ := json.Marshal(&envelope.Trigger{
		JobID:          "nightly",
		ExecutionID:    execID,
		OrchestratorID: "main",
		TargetAction:   envelope.ActionWorkflowStart,
		TargetRef:      json.RawMessage(`{"workflowId":"triage","inputs":{"user_message":"scheduled sweep"}}`),
	})
	env.enqueue(t, &queue.IncomingMessage{
		Channel:   config.ChannelScheduler,
		SenderID:  "scheduler",
		Message:   string(trigger),
		MessageID: execID,
	})
	env.processAll(t)

	run, err := env.runs.Load(env.onlyRunID(t))
	if err != nil {
		t.Fatal(err)
	}
	if run.State != runstore.StateSucceeded {
		t.Fatalf("triggered run state = %s (%s)", run.State, run.LastTransitionReason)
	}
	if len(env.replies(t)) != 0 {
		t.Error("trigger produced a chat reply")
	}

	state, err = env.auto.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Jobs["nightly"].InFlight != "" {
		t.Errorf("in_flight = %q, want cleared", state.Jobs["nightly"].InFlight)
	}
	log, err := os.ReadFile(env.paths.RuntimeLog())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(log), "scheduler.trigger.completed") {
		t.Error("runtime log missing scheduler.trigger.completed")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("queue_stats"); !ok {
		t.Error("queue_stats not registered")
	}
	if _, ok := r.Lookup("rm_rf"); ok {
		t.Error("unknown function resolved")
	}
	specs := r.Specs()
	if len(specs) == 0 || specs[0].ID != "queue_stats" {
		t.Errorf("specs = %+v, want queue_stats first", specs)
	}
}

func TestFormatProgress(t *testing.T) {
	got := FormatProgress(&runstore.Progress{
		RunID:         "run-1",
		WorkflowID:    "triage",
		State:         "running",
		CurrentStepID: "plan",
		Attempt:       2,
		Steps: map[string]*runstore.StepProgress{
			"plan": {Attempts: 2, LastStatus: "running"},
		},
	})
	for _, want := range []string{"run run-1 (triage): running", "current step: plan (attempt 2)", "- plan: running (attempts 2)"} {
		if !strings.Contains(got, want) {
			t.Errorf("progress %q missing %q", got, want)
		}
	}
}
