package selector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
	"github.com/direclaw/direclaw/internal/templates"
	"github.com/direclaw/direclaw/pkg/envelope"
)

func TestSelectorIDFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"msg-1", "sel-msg-1"},
		{"C042-1712.003400", "sel-C042-1712.003400"},
		{"weird id!", "sel-weird_id_"},
	}
	for _, tt := range tests {
		if got := SelectorIDFor(tt.in); got != tt.want {
			t.Errorf("SelectorIDFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func stubSelectorProvider(t *testing.T, script string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRECLAW_PROVIDER_BIN_ANTHROPIC", path)
}

// resultStub writes the given selector envelope to the output file.
func resultStub(envelopeJSON string) string {
	return `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output-file) out="$2"; shift ;;
  esac
  shift
done
printf '%s' '` + envelopeJSON + `' > "$out"
`
}

func newTestSelector(t *testing.T, functions []FunctionSpec) (*Selector, *config.Orchestrator, statepaths.StatePaths) {
	t.Helper()
	paths := statepaths.New(t.TempDir())
	if err := paths.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	if err := templates.EnsureOrchestratorPrompts(paths, "main"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.StateRoot = paths.Root
	cfg.Workflows["triage"] = &config.Workflow{ID: "triage", Version: "1", Inputs: []string{"user_message"},
		Steps: []*config.Step{{
			ID: "plan", Type: config.StepAgentTask, Agent: "worker", Prompt: "p",
			Outputs: []string{"report"}, OutputFiles: map[string]string{"report": "report.md"},
		}},
	}
	cfg.Workflows["deploy"] = &config.Workflow{ID: "deploy", Version: "1",
		Steps: []*config.Step{{
			ID: "go", Type: config.StepAgentTask, Agent: "worker", Prompt: "p",
			Outputs: []string{"report"}, OutputFiles: map[string]string{"report": "report.md"},
		}},
	}
	orch := &config.Orchestrator{
		ID: "main",
		Agents: map[string]*config.Agent{
			"worker": {ID: "worker", Provider: config.ProviderAnthropic},
		},
		SelectorAgent:       "worker",
		DefaultWorkflow:     "triage",
		Workflows:           []string{"triage"},
		SelectionMaxRetries: 1,
	}
	cfg.Orchestrators["main"] = orch

	logs, err := logging.OpenSet(paths.LogsDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logs.Close)
	sel := New(cfg, paths, provider.NewRunner(), logs, clock.System(), functions)
	return sel, orch, paths
}

func testMessage() *queue.IncomingMessage {
	return &queue.IncomingMessage{
		Channel:        "local",
		SenderID:       "u1",
		Message:        "please triage this",
		MessageID:      "msg-1",
		ConversationID: "c1",
	}
}

func TestSelect_WorkflowStart(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"selected","action":"workflow_start","selectedWorkflow":"triage","inputs":{"user_message":"please triage this"}}`))
	sel, orch, _ := newTestSelector(t, nil)

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != envelope.ActionWorkflowStart || d.WorkflowID != "triage" || d.FellBack {
		t.Errorf("decision = %+v", d)
	}
	if d.SelectorID != "sel-msg-1" {
		t.Errorf("selector id = %q", d.SelectorID)
	}
	if d.Inputs["user_message"] != "please triage this" {
		t.Errorf("inputs = %v", d.Inputs)
	}
}

func TestSelect_DeclinedIsNoop(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"declined","action":"noop"}`))
	sel, orch, _ := newTestSelector(t, nil)

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != envelope.ActionNoop || d.FellBack {
		t.Errorf("decision = %+v", d)
	}
}

func TestSelect_CommandInvoke(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"selected","action":"command_invoke","function":{"id":"queue_stats"}}`))
	sel, orch, _ := newTestSelector(t, []FunctionSpec{{ID: "queue_stats", Description: "queue depths"}})

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != envelope.ActionCommandInvoke || d.Function == nil || d.Function.ID != "queue_stats" {
		t.Errorf("decision = %+v", d)
	}
}

func TestSelect_UnknownFunctionFallsBack(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"selected","action":"command_invoke","function":{"id":"rm_rf"}}`))
	sel, orch, _ := newTestSelector(t, []FunctionSpec{{ID: "queue_stats"}})

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if !d.FellBack || d.WorkflowID != "triage" {
		t.Errorf("decision = %+v, want fallback to default workflow", d)
	}
}

func TestSelect_UnownedWorkflowFallsBack(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"selected","action":"workflow_start","selectedWorkflow":"deploy"}`))
	sel, orch, _ := newTestSelector(t, nil)

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if !d.FellBack || d.WorkflowID != "triage" {
		t.Errorf("decision = %+v, want fallback", d)
	}
}

func TestSelect_IDMismatchFallsBack(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-other","status":"selected","action":"workflow_start","selectedWorkflow":"triage"}`))
	sel, orch, _ := newTestSelector(t, nil)

	d, err := sel.Select(context.Background(), orch, testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if !d.FellBack {
		t.Errorf("decision = %+v, want fallback on id mismatch", d)
	}
}

func TestSelect_ProviderFailureFallsBack(t *testing.T) {
	stubSelectorProvider(t, "#!/bin/sh\nexit 1\n")
	sel, orch, _ := newTestSelector(t, nil)

	msg := testMessage()
	d, err := sel.Select(context.Background(), orch, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !d.FellBack || d.Action != envelope.ActionWorkflowStart || d.WorkflowID != "triage" {
		t.Errorf("decision = %+v, want default-workflow fallback", d)
	}
	if d.Inputs["user_message"] != msg.Message {
		t.Errorf("fallback inputs = %v, want raw message", d.Inputs)
	}
}

func TestSelect_AttemptArtifactsWritten(t *testing.T) {
	stubSelectorProvider(t, resultStub(
		`{"selectorId":"sel-msg-1","status":"selected","action":"workflow_start","selectedWorkflow":"triage"}`))
	sel, orch, paths := newTestSelector(t, nil)

	if _, err := sel.Select(context.Background(), orch, testMessage()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"sel-msg-1_attempt_1.prompt.md", "sel-msg-1_attempt_1.invocation.json"} {
		if _, err := os.Stat(filepath.Join(paths.SelectLogs(), name)); err != nil {
			t.Errorf("attempt artifact %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(paths.SelectResults(), "sel-msg-1.json")); err != nil {
		t.Errorf("result file missing: %v", err)
	}
}
