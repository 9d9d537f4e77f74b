package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/selector"
)

// Function is one invocable command function. Functions are read-only
// queries over runtime state; anything that mutates goes through a workflow.
type Function struct {
	ID          string
	Description string
	Run         func(ctx context.Context, p *Processor, args map[string]any) (string, error)
}

// Registry resolves command functions by id.
type Registry struct {
	functions map[string]*Function
	order     []string
}

// NewRegistry builds the built-in function registry.
func NewRegistry() *Registry {
	r := &Registry{functions: map[string]*Function{}}
	r.register(&Function{
		ID:          "queue_stats",
		Description: "Report queue depths (incoming, processing, outgoing).",
		Run:         runQueueStats,
	})
	r.register(&Function{
		ID:          "workflow_status",
		Description: "Report the progress of a workflow run. Args: run_id.",
		Run:         runWorkflowStatus,
	})
	r.register(&Function{
		ID:          "noop",
		Description: "Do nothing and confirm.",
		Run: func(context.Context, *Processor, map[string]any) (string, error) {
			return "ok", nil
		},
	})
	return r
}

func (r *Registry) register(f *Function) {
	r.functions[f.ID] = f
	r.order = append(r.order, f.ID)
}

// Lookup resolves a function id.
func (r *Registry) Lookup(id string) (*Function, bool) {
	f, ok := r.functions[id]
	return f, ok
}

// Specs returns the advertised function list for the selector request.
func (r *Registry) Specs() []selector.FunctionSpec {
	specs := make([]selector.FunctionSpec, 0, len(r.order))
	for _, id := range r.order {
		f := r.functions[id]
		specs = append(specs, selector.FunctionSpec{ID: f.ID, Description: f.Description})
	}
	return specs
}

func runQueueStats(ctx context.Context, p *Processor, args map[string]any) (string, error) {
	incoming, processing, outgoing := p.queue.Depths()
	return fmt.Sprintf("queue depths: incoming=%d processing=%d outgoing=%d pending_keys=%d",
		incoming, processing, outgoing, p.keys.PendingLen()), nil
}

func runWorkflowStatus(ctx context.Context, p *Processor, args map[string]any) (string, error) {
	runID, _ := args["run_id"].(string)
	if runID == "" {
		return "", fmt.Errorf("workflow_status requires run_id")
	}
	progress, err := p.runs.LoadProgress(runID)
	if err != nil {
		return "", err
	}
	return FormatProgress(progress), nil
}

// FormatProgress renders a progress snapshot as a chat-friendly block.
func FormatProgress(p *runstore.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s): %s", p.RunID, p.WorkflowID, p.State)
	if p.CurrentStepID != "" {
		fmt.Fprintf(&b, "\ncurrent step: %s (attempt %d)", p.CurrentStepID, p.Attempt)
	}
	if p.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", p.Reason)
	}
	if len(p.Steps) > 0 {
		ids := make([]string, 0, len(p.Steps))
		for id := range p.Steps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			sp := p.Steps[id]
			fmt.Fprintf(&b, "\n- %s: %s (attempts %d)", id, sp.LastStatus, sp.Attempts)
		}
	}
	return b.String()
}
