// Package templates ships the default prompt templates and installs them
// into an orchestrator's prompt directory. Existing files are never touched:
// operators edit templates in place and upgrades must not clobber them.
package templates

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/direclaw/direclaw/internal/statepaths"
)

//go:embed assets/*.md
var assets embed.FS

// EnsureOrchestratorPrompts writes any missing default template under the
// orchestrator's prompts directory. Idempotent; never overwrites.
func EnsureOrchestratorPrompts(paths statepaths.StatePaths, orchestratorID string) error {
	dir := paths.OrchestratorPrompts(orchestratorID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(assets, "assets")
	if err != nil {
		return err
	}
	for _, e := range entries {
		target := filepath.Join(dir, e.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		data, err := assets.ReadFile("assets/" + e.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
