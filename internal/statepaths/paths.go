// Package statepaths owns the on-disk state tree. Every other component
// receives an already-bootstrapped StatePaths and only derives paths from it;
// nothing outside the supervisor creates or deletes top-level subtrees.
package statepaths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// StatePaths is rooted at a single state directory.
type StatePaths struct {
	Root string
}

// New returns a StatePaths rooted at root. Call Bootstrap before use.
func New(root string) StatePaths {
	return StatePaths{Root: root}
}

// Queue directories.

func (p StatePaths) QueueIncoming() string   { return filepath.Join(p.Root, "queue", "incoming") }
func (p StatePaths) QueueProcessing() string { return filepath.Join(p.Root, "queue", "processing") }
func (p StatePaths) QueueOutgoing() string   { return filepath.Join(p.Root, "queue", "outgoing") }

// Workflow run tree.

func (p StatePaths) RunsDir() string { return filepath.Join(p.Root, "workflows", "runs") }

// RunFile is the run record itself (sibling of the run directory).
func (p StatePaths) RunFile(runID string) string {
	return filepath.Join(p.RunsDir(), runID+".json")
}

func (p StatePaths) RunDir(runID string) string { return filepath.Join(p.RunsDir(), runID) }

func (p StatePaths) RunProgress(runID string) string {
	return filepath.Join(p.RunDir(runID), "progress.json")
}

func (p StatePaths) RunEngineLog(runID string) string {
	return filepath.Join(p.RunDir(runID), "engine.log")
}

func (p StatePaths) RunHistory(runID string) string {
	return filepath.Join(p.RunDir(runID), "messages.jsonl")
}

func (p StatePaths) RunWorkspace(runID string) string {
	return filepath.Join(p.RunDir(runID), "workspace")
}

func (p StatePaths) StepAttemptDir(runID, stepID string, attempt int) string {
	return filepath.Join(p.RunDir(runID), "steps", stepID, "attempts", strconv.Itoa(attempt))
}

func (p StatePaths) StepAttemptsDir(runID, stepID string) string {
	return filepath.Join(p.RunDir(runID), "steps", stepID, "attempts")
}

// Orchestrator tree.

func (p StatePaths) OrchestratorMessages() string {
	return filepath.Join(p.Root, "orchestrator", "messages")
}

func (p StatePaths) SelectResults() string {
	return filepath.Join(p.Root, "orchestrator", "select", "results")
}

func (p StatePaths) SelectLogs() string {
	return filepath.Join(p.Root, "orchestrator", "select", "logs")
}

// OrchestratorWorkspace is the orchestrator's private workspace.
func (p StatePaths) OrchestratorWorkspace(orchestratorID string) string {
	return filepath.Join(p.Root, "orchestrator", "workspaces", orchestratorID)
}

// AgentWorkspace lives inside the orchestrator's private workspace.
func (p StatePaths) AgentWorkspace(orchestratorID, agentID string) string {
	return filepath.Join(p.OrchestratorWorkspace(orchestratorID), "agents", agentID)
}

// OrchestratorPrompts holds the prompt template tree for one orchestrator.
func (p StatePaths) OrchestratorPrompts(orchestratorID string) string {
	return filepath.Join(p.Root, "orchestrator", "prompts", orchestratorID)
}

// Automation tree.

func (p StatePaths) AutomationJobs() string { return filepath.Join(p.Root, "automation", "jobs") }

func (p StatePaths) AutomationJobFile(jobID string) string {
	return filepath.Join(p.AutomationJobs(), jobID+".json")
}

func (p StatePaths) AutomationRuns(jobID string) string {
	return filepath.Join(p.Root, "automation", "runs", jobID)
}

func (p StatePaths) SchedulerState() string {
	return filepath.Join(p.Root, "automation", "scheduler_state.json")
}

// Channels tree.

func (p StatePaths) ChannelsDir() string { return filepath.Join(p.Root, "channels") }

func (p StatePaths) ChannelProfileDir(channel, profileID string) string {
	return filepath.Join(p.ChannelsDir(), channel, profileID)
}

func (p StatePaths) ChannelCursor(channel, profileID string) string {
	return filepath.Join(p.ChannelProfileDir(channel, profileID), "cursor.json")
}

// Logs.

func (p StatePaths) LogsDir() string     { return filepath.Join(p.Root, "logs") }
func (p StatePaths) RuntimeLog() string  { return filepath.Join(p.LogsDir(), "runtime.log") }
func (p StatePaths) EngineLog() string   { return filepath.Join(p.LogsDir(), "engine.log") }
func (p StatePaths) SecurityLog() string { return filepath.Join(p.LogsDir(), "security.log") }
func (p StatePaths) MemoryLog() string   { return filepath.Join(p.LogsDir(), "memory.log") }

// Supervisor files.

func (p StatePaths) SupervisorState() string   { return filepath.Join(p.Root, "supervisor.state") }
func (p StatePaths) SupervisorLock() string    { return filepath.Join(p.Root, "supervisor.lock") }
func (p StatePaths) SupervisorRequest() string { return filepath.Join(p.Root, "supervisor.request") }

// Secrets directory for auth-sync targets.
func (p StatePaths) SecretsDir() string { return filepath.Join(p.Root, "secrets") }

func (p StatePaths) requiredDirs() []string {
	return []string{
		p.QueueIncoming(),
		p.QueueProcessing(),
		p.QueueOutgoing(),
		p.RunsDir(),
		p.OrchestratorMessages(),
		p.SelectResults(),
		p.SelectLogs(),
		p.AutomationJobs(),
		filepath.Join(p.Root, "automation", "runs"),
		p.ChannelsDir(),
		p.LogsDir(),
		p.SecretsDir(),
	}
}

// Bootstrap creates any missing directory in the state tree. It is
// idempotent and never deletes anything.
func (p StatePaths) Bootstrap() error {
	for _, dir := range p.requiredDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("bootstrap state tree: %w", err)
		}
	}
	return nil
}

// Verify fails closed when a required subtree is missing. Components that
// receive a StatePaths call this once at construction.
func (p StatePaths) Verify() error {
	for _, dir := range p.requiredDirs() {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state tree missing %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state tree entry %s is not a directory", dir)
		}
	}
	return nil
}
