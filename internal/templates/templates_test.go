package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/direclaw/direclaw/internal/statepaths"
)

func TestEnsureOrchestratorPrompts(t *testing.T) {
	paths := statepaths.New(t.TempDir())
	if err := paths.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	if err := EnsureOrchestratorPrompts(paths, "main"); err != nil {
		t.Fatal(err)
	}
	dir := paths.OrchestratorPrompts("main")
	for _, name := range []string{"selector.md", "step.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("template %s not installed: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("template %s is empty", name)
		}
	}
}

func TestEnsureOrchestratorPrompts_NeverOverwrites(t *testing.T) {
	paths := statepaths.New(t.TempDir())
	if err := paths.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	if err := EnsureOrchestratorPrompts(paths, "main"); err != nil {
		t.Fatal(err)
	}

	edited := filepath.Join(paths.OrchestratorPrompts("main"), "selector.md")
	if err := os.WriteFile(edited, []byte("operator-edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureOrchestratorPrompts(paths, "main"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(edited)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "operator-edited" {
		t.Error("operator edit clobbered by reinstall")
	}
}
