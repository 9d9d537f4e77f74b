package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PromptRenderError reports a template that references an unrecognized or
// forbidden placeholder, or a placeholder whose value cannot be resolved.
type PromptRenderError struct {
	Placeholder string
	Reason      string
}

func (e *PromptRenderError) Error() string {
	return fmt.Sprintf("prompt placeholder %q: %s", e.Placeholder, e.Reason)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Placeholders the memory subsystem injects out-of-band; step templates may
// not reference them directly.
var forbiddenInputs = map[string]bool{
	"inputs.memory_bulletin":           true,
	"inputs.memory_bulletin_citations": true,
}

// WorkflowVars carries the workflow-scoped placeholder values for one step
// attempt.
type WorkflowVars struct {
	RunID              string
	StepID             string
	Attempt            int
	RunWorkspace       string
	OutputSchemaJSON   string
	OutputPathsJSON    string
	RuntimeContextJSON string
	OutputPaths        map[string]string
	Channel            string
	ChannelProfileID   string
	ConversationID     string
	SenderID           string
	SelectorID         string
	Inputs             map[string]any
	State              map[string]any
	StepOutputs        map[string]map[string]string
}

// SelectorVars carries the selector-scoped placeholder values.
type SelectorVars struct {
	RequestJSON    string
	ResultPath     string
	OrchestratorID string
	AgentID        string
	Attempt        int
}

// RenderWorkflowPrompt substitutes the recognized workflow placeholders into
// a template. Any unknown placeholder fails the render.
func RenderWorkflowPrompt(template string, vars *WorkflowVars) (string, error) {
	return render(template, func(name string) (string, error) {
		return resolveWorkflowPlaceholder(name, vars)
	})
}

// RenderSelectorPrompt substitutes the recognized selector placeholders.
func RenderSelectorPrompt(template string, vars *SelectorVars) (string, error) {
	return render(template, func(name string) (string, error) {
		switch name {
		case "selector.request_json":
			return vars.RequestJSON, nil
		case "selector.result_path":
			return vars.ResultPath, nil
		case "selector.orchestrator_id":
			return vars.OrchestratorID, nil
		case "selector.agent_id":
			return vars.AgentID, nil
		case "selector.attempt":
			return strconv.Itoa(vars.Attempt), nil
		}
		return "", &PromptRenderError{Placeholder: name, Reason: "not recognized in selector templates"}
	})
}

func render(template string, resolve func(name string) (string, error)) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		if firstErr != nil {
			return m
		}
		name := placeholderPattern.FindStringSubmatch(m)[1]
		val, err := resolve(name)
		if err != nil {
			firstErr = err
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolveWorkflowPlaceholder(name string, vars *WorkflowVars) (string, error) {
	switch name {
	case "workflow.run_id":
		return vars.RunID, nil
	case "workflow.step_id":
		return vars.StepID, nil
	case "workflow.attempt":
		return strconv.Itoa(vars.Attempt), nil
	case "workflow.run_workspace":
		return vars.RunWorkspace, nil
	case "workflow.output_schema_json":
		return vars.OutputSchemaJSON, nil
	case "workflow.output_paths_json":
		return vars.OutputPathsJSON, nil
	case "workflow.runtime_context_json":
		return vars.RuntimeContextJSON, nil
	case "workflow.channel":
		return vars.Channel, nil
	case "workflow.channel_profile_id":
		return vars.ChannelProfileID, nil
	case "workflow.conversation_id":
		return vars.ConversationID, nil
	case "workflow.sender_id":
		return vars.SenderID, nil
	case "workflow.selector_id":
		return vars.SelectorID, nil
	}

	if key, ok := strings.CutPrefix(name, "workflow.output_paths."); ok {
		path, exists := vars.OutputPaths[key]
		if !exists {
			return "", &PromptRenderError{Placeholder: name, Reason: "no such output key"}
		}
		return path, nil
	}

	if path, ok := strings.CutPrefix(name, "inputs."); ok {
		if forbiddenInputs[name] {
			return "", &PromptRenderError{Placeholder: name, Reason: "reserved for the memory subsystem"}
		}
		return resolvePath(name, vars.Inputs, path)
	}

	if path, ok := strings.CutPrefix(name, "state."); ok {
		return resolvePath(name, vars.State, path)
	}

	if rest, ok := strings.CutPrefix(name, "steps."); ok {
		parts := strings.SplitN(rest, ".outputs.", 2)
		if len(parts) == 2 {
			stepID := parts[0]
			outputs, exists := vars.StepOutputs[stepID]
			if !exists {
				return "", &PromptRenderError{Placeholder: name, Reason: "step has no recorded outputs"}
			}
			key := parts[1]
			// Nested access into a JSON output value: outputs.<key>.<sub>...
			if val, exists := outputs[key]; exists {
				return val, nil
			}
			head, sub, hasSub := strings.Cut(key, ".")
			if hasSub {
				if val, exists := outputs[head]; exists {
					var doc any
					if err := json.Unmarshal([]byte(val), &doc); err == nil {
						if m, ok := doc.(map[string]any); ok {
							return resolvePath(name, m, sub)
						}
					}
				}
			}
			return "", &PromptRenderError{Placeholder: name, Reason: "no such step output"}
		}
	}

	return "", &PromptRenderError{Placeholder: name, Reason: "not recognized in workflow templates"}
}

// resolvePath walks a dotted path through nested maps and renders the leaf.
func resolvePath(placeholder string, root map[string]any, path string) (string, error) {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", &PromptRenderError{Placeholder: placeholder, Reason: "path traverses a non-object value"}
		}
		cur, ok = m[part]
		if !ok {
			return "", &PromptRenderError{Placeholder: placeholder, Reason: "path not found"}
		}
	}
	return renderValue(cur), nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
