package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// OutputPathError rejects an output_files template that would escape the
// attempt's outputs root. Logged to security.log by the engine.
type OutputPathError struct {
	Template string
	Reason   string
}

func (e *OutputPathError) Error() string {
	return fmt.Sprintf("output path validation failed for %q: %s", e.Template, e.Reason)
}

// resolveOutputPath validates an output_files template against the attempt's
// outputs root and returns the absolute target path. Templates must be
// relative, contain no parent or rooted components, and the realized path
// must stay a proper descendant of outputsRoot.
func resolveOutputPath(outputsRoot, template string) (string, error) {
	if template == "" {
		return "", &OutputPathError{Template: template, Reason: "empty template"}
	}
	if filepath.IsAbs(template) {
		return "", &OutputPathError{Template: template, Reason: "must be relative"}
	}
	cleaned := filepath.Clean(template)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &OutputPathError{Template: template, Reason: "contains parent components"}
	}
	if cleaned == "." {
		return "", &OutputPathError{Template: template, Reason: "resolves to the outputs root itself"}
	}

	abs := filepath.Join(outputsRoot, cleaned)
	// Re-check after join; Clean on the joined path catches sneaky prefixes.
	rel, err := filepath.Rel(outputsRoot, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &OutputPathError{Template: template, Reason: "escapes the outputs root"}
	}
	return abs, nil
}

// resolveAllOutputPaths resolves every declared output key of a step.
func resolveAllOutputPaths(outputsRoot string, step *config.Step) (map[string]string, error) {
	paths := make(map[string]string, len(step.Outputs))
	for _, key := range step.Outputs {
		abs, err := resolveOutputPath(outputsRoot, step.OutputFiles[key])
		if err != nil {
			return nil, err
		}
		paths[key] = abs
	}
	return paths, nil
}

// WorkspaceError rejects a workspace that cannot be realized.
type WorkspaceError struct {
	Mode   string
	Reason string
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace access denied (%s): %s", e.Mode, e.Reason)
}

// workspaceRoot computes the step's exclusive workspace from its mode.
func workspaceRoot(paths statepaths.StatePaths, step *config.Step, orchestratorID, runID string) (string, error) {
	switch step.WorkspaceMode() {
	case config.WorkspaceOrchestrator:
		return paths.OrchestratorWorkspace(orchestratorID), nil
	case config.WorkspaceRun:
		return paths.RunWorkspace(runID), nil
	case config.WorkspaceAgent:
		if step.Agent == "" {
			return "", &WorkspaceError{Mode: step.WorkspaceMode(), Reason: "no agent bound"}
		}
		return paths.AgentWorkspace(orchestratorID, step.Agent), nil
	}
	return "", &WorkspaceError{Mode: step.WorkspaceMode(), Reason: "unknown workspace mode"}
}

// writeOutputAtomic persists one output value, creating directories as
// needed. String JSON values are written as their raw text; everything else
// as JSON.
func writeOutputAtomic(path string, raw []byte) error {
	return queue.WriteFileAtomic(path, raw)
}
