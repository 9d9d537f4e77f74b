// Package config defines the direclaw configuration model: orchestrators,
// agents, workflows, channel profiles, and runtime settings. The file format
// is YAML (config.yaml); a json5 document is accepted as an alternate. CLI
// mutations go through load-modify-save on the same file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Provider ids understood by the provider runner.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Channel kinds understood by the adapter layer.
const (
	ChannelSlack     = "slack"
	ChannelLocal     = "local"
	ChannelScheduler = "scheduler"
	ChannelHeartbeat = "heartbeat"
)

// Config is the root configuration document.
type Config struct {
	mu sync.RWMutex `yaml:"-" json:"-"`

	// StateRoot is the directory owning all runtime state. Relative paths
	// and ~ are expanded at load time.
	StateRoot string `yaml:"state_root" json:"state_root"`

	Monitoring    Monitoring                 `yaml:"monitoring" json:"monitoring"`
	AuthSync      AuthSync                   `yaml:"auth_sync" json:"auth_sync"`
	Orchestrators map[string]*Orchestrator   `yaml:"orchestrators" json:"orchestrators"`
	Workflows     map[string]*Workflow       `yaml:"workflows" json:"workflows"`
	Profiles      map[string]*ChannelProfile `yaml:"channel_profiles" json:"channel_profiles"`
}

// Monitoring controls the heartbeat worker.
type Monitoring struct {
	// HeartbeatIntervalSeconds of 0 disables the heartbeat worker.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	// HeartbeatOrchestrator receives the synthetic heartbeat messages.
	HeartbeatOrchestrator string `yaml:"heartbeat_orchestrator,omitempty" json:"heartbeat_orchestrator,omitempty"`
}

// AuthSync lists secrets pulled into files before the supervisor starts.
type AuthSync struct {
	Secrets []SecretMapping `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// SecretMapping maps a secret source to a target file under the state root's
// secrets directory. Source is either an op:// reference (fetched via the
// 1Password CLI) or the name of an environment variable.
type SecretMapping struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// Orchestrator owns agents, workflows, a selector agent, and a default
// workflow.
type Orchestrator struct {
	ID                     string            `yaml:"-" json:"-"`
	Agents                 map[string]*Agent `yaml:"agents" json:"agents"`
	SelectorAgent          string            `yaml:"selector_agent" json:"selector_agent"`
	DefaultWorkflow        string            `yaml:"default_workflow" json:"default_workflow"`
	Workflows              []string          `yaml:"workflows" json:"workflows"`
	SelectorTimeoutSeconds int               `yaml:"selector_timeout_seconds,omitempty" json:"selector_timeout_seconds,omitempty"`
	SelectionMaxRetries    int               `yaml:"selection_max_retries,omitempty" json:"selection_max_retries,omitempty"`
	Orchestration          Orchestration     `yaml:"workflow_orchestration" json:"workflow_orchestration"`
}

// Orchestration holds the per-orchestrator workflow defaults.
type Orchestration struct {
	DefaultStepMaxRetries     int `yaml:"default_step_max_retries,omitempty" json:"default_step_max_retries,omitempty"`
	DefaultStepTimeoutSeconds int `yaml:"default_step_timeout_seconds,omitempty" json:"default_step_timeout_seconds,omitempty"`
	DefaultRunTimeoutSeconds  int `yaml:"default_run_timeout_seconds,omitempty" json:"default_run_timeout_seconds,omitempty"`
	MaxTotalIterations        int `yaml:"max_total_iterations,omitempty" json:"max_total_iterations,omitempty"`
}

// Agent is a (provider, model) pair plus workspace flags.
type Agent struct {
	ID                  string `yaml:"-" json:"-"`
	Provider            string `yaml:"provider" json:"provider"`
	Model               string `yaml:"model,omitempty" json:"model,omitempty"`
	RestrictToWorkspace bool   `yaml:"restrict_to_workspace,omitempty" json:"restrict_to_workspace,omitempty"`
}

// ChannelProfile binds an external channel identity to an orchestrator.
type ChannelProfile struct {
	ID           string `yaml:"-" json:"-"`
	Channel      string `yaml:"channel" json:"channel"`
	Orchestrator string `yaml:"orchestrator" json:"orchestrator"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Default      bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// SelectorTimeout returns the effective selector deadline.
func (o *Orchestrator) SelectorTimeout() int {
	if o.SelectorTimeoutSeconds > 0 {
		return o.SelectorTimeoutSeconds
	}
	return 120
}

// SelectionRetries returns the effective selector retry budget.
func (o *Orchestrator) SelectionRetries() int {
	if o.SelectionMaxRetries > 0 {
		return o.SelectionMaxRetries
	}
	return 2
}

// StepMaxRetries returns the orchestrator-level step retry default.
func (o *Orchestration) StepMaxRetries() int {
	if o.DefaultStepMaxRetries > 0 {
		return o.DefaultStepMaxRetries
	}
	return 1
}

// StepTimeoutSeconds returns the orchestrator-level step timeout default.
func (o *Orchestration) StepTimeoutSeconds() int {
	if o.DefaultStepTimeoutSeconds > 0 {
		return o.DefaultStepTimeoutSeconds
	}
	return 600
}

// RunTimeoutSeconds returns the orchestrator-level run timeout default.
func (o *Orchestration) RunTimeoutSeconds() int {
	if o.DefaultRunTimeoutSeconds > 0 {
		return o.DefaultRunTimeoutSeconds
	}
	return 3600
}

// MaxIterations returns the orchestrator-level total iteration budget.
func (o *Orchestration) MaxIterations() int {
	if o.MaxTotalIterations > 0 {
		return o.MaxTotalIterations
	}
	return 50
}

// Orchestrator resolves an orchestrator by id.
func (c *Config) Orchestrator(id string) (*Orchestrator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.Orchestrators[id]
	return o, ok
}

// Workflow resolves a workflow by id.
func (c *Config) Workflow(id string) (*Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.Workflows[id]
	return w, ok
}

// Profile resolves a channel profile by id.
func (c *Config) Profile(id string) (*ChannelProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Profiles[id]
	return p, ok
}

// DefaultProfile returns the profile marked default, or the only one.
func (c *Config) DefaultProfile() (*ChannelProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Profiles) == 1 {
		for _, p := range c.Profiles {
			return p, true
		}
	}
	for _, p := range c.Profiles {
		if p.Default {
			return p, true
		}
	}
	return nil, false
}

// OrchestratorForProfile resolves the orchestrator bound to a profile id.
func (c *Config) OrchestratorForProfile(profileID string) (*Orchestrator, error) {
	p, ok := c.Profile(profileID)
	if !ok {
		return nil, fmt.Errorf("unknown channel profile %q", profileID)
	}
	o, ok := c.Orchestrator(p.Orchestrator)
	if !ok {
		return nil, fmt.Errorf("channel profile %q references unknown orchestrator %q", profileID, p.Orchestrator)
	}
	return o, nil
}

// Agent resolves an agent within an orchestrator.
func (o *Orchestrator) Agent(id string) (*Agent, bool) {
	a, ok := o.Agents[id]
	return a, ok
}

// OwnsWorkflow reports whether the orchestrator lists the workflow id.
func (o *Orchestrator) OwnsWorkflow(id string) bool {
	for _, w := range o.Workflows {
		if w == id {
			return true
		}
	}
	return false
}

// SlackProfileIDs returns the enabled slack profile ids, sorted by map
// iteration being irrelevant to callers (callers sort when it matters).
func (c *Config) SlackProfileIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, p := range c.Profiles {
		if p.Channel == ChannelSlack && p.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DefaultHome returns the direclaw config root: $DIRECLAW_HOME or ~/.direclaw.
func DefaultHome() string {
	if v := os.Getenv("DIRECLAW_HOME"); v != "" {
		return v
	}
	return ExpandHome("~/.direclaw")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultHome(), "config.yaml")
}
