package engine

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/direclaw/direclaw/internal/config"
)

func TestResolveOutputPath(t *testing.T) {
	root := "/state/runs/run-1/steps/plan/attempts/1/outputs"
	tests := []struct {
		name     string
		template string
		want     string
		wantErr  bool
	}{
		{"plain file", "summary.md", filepath.Join(root, "summary.md"), false},
		{"nested file", "docs/report.md", filepath.Join(root, "docs/report.md"), false},
		{"internal dotdot that stays inside", "docs/../summary.md", filepath.Join(root, "summary.md"), false},
		{"empty", "", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"single parent", "../sibling.md", "", true},
		{"double parent escape", "../../escape.md", "", true},
		{"dotdot after clean", "docs/../../escape.md", "", true},
		{"bare dot", ".", "", true},
		{"dotdot only", "..", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveOutputPath(root, tt.template)
			if tt.wantErr {
				var ope *OutputPathError
				if !errors.As(err, &ope) {
					t.Fatalf("resolveOutputPath(%q) = %q, %v; want OutputPathError", tt.template, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveOutputPath(%q): %v", tt.template, err)
			}
			if got != tt.want {
				t.Errorf("resolveOutputPath(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestResolveAllOutputPaths_FailsClosed(t *testing.T) {
	step := &config.Step{
		ID:      "plan",
		Outputs: []string{"good", "bad"},
		OutputFiles: map[string]string{
			"good": "summary.md",
			"bad":  "../../escape.md",
		},
	}
	if _, err := resolveAllOutputPaths("/outputs", step); err == nil {
		t.Fatal("expected rejection for escaping template")
	}
}

func TestWorkspaceRoot(t *testing.T) {
	paths := newTestPaths(t)
	tests := []struct {
		name    string
		step    *config.Step
		wantEnd string
		wantErr bool
	}{
		{
			name:    "default is run workspace",
			step:    &config.Step{ID: "s", Agent: "worker"},
			wantEnd: filepath.Join("workflows", "runs", "run-1", "workspace"),
		},
		{
			name:    "orchestrator workspace",
			step:    &config.Step{ID: "s", Agent: "worker", Workspace: config.WorkspaceOrchestrator},
			wantEnd: filepath.Join("orchestrator", "workspaces", "main"),
		},
		{
			name:    "agent workspace",
			step:    &config.Step{ID: "s", Agent: "worker", Workspace: config.WorkspaceAgent},
			wantEnd: filepath.Join("orchestrator", "workspaces", "main", "agents", "worker"),
		},
		{
			name:    "agent workspace without agent",
			step:    &config.Step{ID: "s", Workspace: config.WorkspaceAgent},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := workspaceRoot(paths, tt.step, "main", "run-1")
			if tt.wantErr {
				var we *WorkspaceError
				if !errors.As(err, &we) {
					t.Fatalf("err = %v, want WorkspaceError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if want := filepath.Join(paths.Root, tt.wantEnd); got != want {
				t.Errorf("workspaceRoot = %q, want %q", got, want)
			}
		})
	}
}
