package config

import (
	"fmt"
	"strings"
)

// Step types.
const (
	StepAgentTask   = "agent_task"
	StepAgentReview = "agent_review"
)

// Workspace modes.
const (
	WorkspaceOrchestrator = "orchestrator_workspace"
	WorkspaceRun          = "run_workspace"
	WorkspaceAgent        = "agent_workspace"
)

// PromptFileOutput is the only prompt type currently meaningful; the loader
// rejects anything else.
const PromptFileOutput = "file_output"

// Workflow is a static, ordered list of steps plus optional limits.
type Workflow struct {
	ID      string          `yaml:"-" json:"-"`
	Version string          `yaml:"version" json:"version"`
	Steps   []*Step         `yaml:"steps" json:"steps"`
	Inputs  []string        `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Limits  *WorkflowLimits `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// WorkflowLimits bound a whole run.
type WorkflowLimits struct {
	MaxTotalIterations int `yaml:"max_total_iterations,omitempty" json:"max_total_iterations,omitempty"`
	RunTimeoutSeconds  int `yaml:"run_timeout_seconds,omitempty" json:"run_timeout_seconds,omitempty"`
}

// StepLimits bound one step.
type StepLimits struct {
	MaxRetries     int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Step is an atomic agent task or review gate with a declared output
// contract.
type Step struct {
	ID          string            `yaml:"id" json:"id"`
	Type        string            `yaml:"type" json:"type"`
	Agent       string            `yaml:"agent" json:"agent"`
	Prompt      string            `yaml:"prompt" json:"prompt"`
	PromptType  string            `yaml:"prompt_type,omitempty" json:"prompt_type,omitempty"`
	Workspace   string            `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Next        string            `yaml:"next,omitempty" json:"next,omitempty"`
	OnApprove   string            `yaml:"on_approve,omitempty" json:"on_approve,omitempty"`
	OnReject    string            `yaml:"on_reject,omitempty" json:"on_reject,omitempty"`
	Outputs     []string          `yaml:"outputs" json:"outputs"`
	OutputFiles map[string]string `yaml:"output_files,omitempty" json:"output_files,omitempty"`
	Limits      *StepLimits       `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// IsTemplateRef reports whether the prompt field references a markdown
// template on disk rather than carrying inline text.
func (s *Step) IsTemplateRef() bool {
	return strings.HasSuffix(s.Prompt, ".md") && !strings.ContainsAny(s.Prompt, " \n")
}

// Step resolves a step by id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StepIndex returns the position of a step id, or -1.
func (w *Workflow) StepIndex(id string) int {
	for i, s := range w.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// IsLastStep reports whether id is the final step in declared order.
func (w *Workflow) IsLastStep(id string) bool {
	i := w.StepIndex(id)
	return i >= 0 && i == len(w.Steps)-1
}

// RecognizesInput reports whether key is in the declared inputs schema.
// Workflows without a schema recognize everything.
func (w *Workflow) RecognizesInput(key string) bool {
	if len(w.Inputs) == 0 {
		return true
	}
	for _, k := range w.Inputs {
		if k == key {
			return true
		}
	}
	return false
}

func (w *Workflow) validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", w.ID)
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step with empty id", w.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", w.ID, s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range w.Steps {
		if err := s.validate(w); err != nil {
			return err
		}
	}
	if w.Limits != nil {
		if w.Limits.MaxTotalIterations < 0 || w.Limits.RunTimeoutSeconds < 0 {
			return fmt.Errorf("workflow %s: negative limit", w.ID)
		}
	}
	return nil
}

func (s *Step) validate(w *Workflow) error {
	switch s.Type {
	case StepAgentTask:
		if s.OnApprove != "" || s.OnReject != "" {
			return fmt.Errorf("workflow %s step %s: on_approve/on_reject only valid for agent_review", w.ID, s.ID)
		}
	case StepAgentReview:
		if s.OnApprove == "" || s.OnReject == "" {
			return fmt.Errorf("workflow %s step %s: agent_review requires on_approve and on_reject", w.ID, s.ID)
		}
	default:
		return fmt.Errorf("workflow %s step %s: unknown type %q", w.ID, s.ID, s.Type)
	}
	if s.Agent == "" {
		return fmt.Errorf("workflow %s step %s: missing agent", w.ID, s.ID)
	}
	if s.Prompt == "" {
		return fmt.Errorf("workflow %s step %s: missing prompt", w.ID, s.ID)
	}
	if s.PromptType != "" && s.PromptType != PromptFileOutput {
		return fmt.Errorf("workflow %s step %s: unsupported prompt_type %q", w.ID, s.ID, s.PromptType)
	}
	switch s.Workspace {
	case "", WorkspaceOrchestrator, WorkspaceRun, WorkspaceAgent:
	default:
		return fmt.Errorf("workflow %s step %s: unknown workspace mode %q", w.ID, s.ID, s.Workspace)
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("workflow %s step %s: outputs must not be empty", w.ID, s.ID)
	}
	for _, key := range s.Outputs {
		if key == "" {
			return fmt.Errorf("workflow %s step %s: empty output key", w.ID, s.ID)
		}
		if _, ok := s.OutputFiles[key]; !ok {
			return fmt.Errorf("workflow %s step %s: output %q has no output_files entry", w.ID, s.ID, key)
		}
	}
	for _, next := range []string{s.Next, s.OnApprove, s.OnReject} {
		if next == "" {
			continue
		}
		if _, ok := w.Step(next); !ok {
			return fmt.Errorf("workflow %s step %s: references unknown step %q", w.ID, s.ID, next)
		}
	}
	return nil
}

// WorkspaceMode returns the effective workspace mode (default run workspace).
func (s *Step) WorkspaceMode() string {
	if s.Workspace == "" {
		return WorkspaceRun
	}
	return s.Workspace
}
