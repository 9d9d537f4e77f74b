package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateRoot: "~/.direclaw/state",
		Monitoring: Monitoring{
			HeartbeatIntervalSeconds: 0,
		},
		Orchestrators: map[string]*Orchestrator{},
		Workflows:     map[string]*Workflow{},
		Profiles:      map[string]*ChannelProfile{},
	}
}

// Load reads config from a YAML file (json5 accepted for .json/.json5
// paths), overlays env vars, then validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.fillIDs()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML. Used by the CLI load-modify-save commands.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DIRECLAW_STATE_ROOT"); v != "" {
		c.StateRoot = v
	}
	c.StateRoot = ExpandHome(c.StateRoot)
}

// fillIDs copies map keys into the ID fields so callers can pass the objects
// around without dragging the key along.
func (c *Config) fillIDs() {
	for id, o := range c.Orchestrators {
		if o == nil {
			continue
		}
		o.ID = id
		for aid, a := range o.Agents {
			if a != nil {
				a.ID = aid
			}
		}
	}
	for id, w := range c.Workflows {
		if w != nil {
			w.ID = id
		}
	}
	for id, p := range c.Profiles {
		if p != nil {
			p.ID = id
		}
	}
}

// Validate enforces the structural invariants the runtime depends on. The
// supervisor refuses to start on a validation error; nothing retries to
// "fix" invalid config.
func (c *Config) Validate() error {
	if c.StateRoot == "" {
		return fmt.Errorf("config: state_root is required")
	}
	for id, w := range c.Workflows {
		if w == nil {
			return fmt.Errorf("config: workflow %q is empty", id)
		}
		if err := w.validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	for id, o := range c.Orchestrators {
		if o == nil {
			return fmt.Errorf("config: orchestrator %q is empty", id)
		}
		if len(o.Agents) == 0 {
			return fmt.Errorf("config: orchestrator %s has no agents", id)
		}
		for aid, a := range o.Agents {
			if a == nil {
				return fmt.Errorf("config: orchestrator %s agent %q is empty", id, aid)
			}
			switch a.Provider {
			case ProviderAnthropic, ProviderOpenAI:
			default:
				return fmt.Errorf("config: orchestrator %s agent %s: unknown provider %q", id, aid, a.Provider)
			}
		}
		if o.SelectorAgent == "" {
			return fmt.Errorf("config: orchestrator %s has no selector_agent", id)
		}
		if _, ok := o.Agents[o.SelectorAgent]; !ok {
			return fmt.Errorf("config: orchestrator %s selector_agent %q not in agents", id, o.SelectorAgent)
		}
		if o.DefaultWorkflow == "" {
			return fmt.Errorf("config: orchestrator %s has no default_workflow", id)
		}
		if _, ok := c.Workflows[o.DefaultWorkflow]; !ok {
			return fmt.Errorf("config: orchestrator %s default_workflow %q not defined", id, o.DefaultWorkflow)
		}
		for _, wid := range o.Workflows {
			if _, ok := c.Workflows[wid]; !ok {
				return fmt.Errorf("config: orchestrator %s references unknown workflow %q", id, wid)
			}
		}
		for _, wid := range o.Workflows {
			w := c.Workflows[wid]
			for _, s := range w.Steps {
				if _, ok := o.Agents[s.Agent]; !ok {
					return fmt.Errorf("config: workflow %s step %s: agent %q not in orchestrator %s", wid, s.ID, s.Agent, id)
				}
			}
		}
	}
	defaults := 0
	for id, p := range c.Profiles {
		if p == nil {
			return fmt.Errorf("config: channel profile %q is empty", id)
		}
		switch p.Channel {
		case ChannelSlack, ChannelLocal:
		default:
			return fmt.Errorf("config: channel profile %s: unknown channel %q", id, p.Channel)
		}
		if _, ok := c.Orchestrators[p.Orchestrator]; !ok {
			return fmt.Errorf("config: channel profile %s references unknown orchestrator %q", id, p.Orchestrator)
		}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("config: more than one default channel profile")
	}
	if c.Monitoring.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("config: monitoring.heartbeat_interval_seconds must be >= 0")
	}
	if c.Monitoring.HeartbeatIntervalSeconds > 0 && c.Monitoring.HeartbeatOrchestrator != "" {
		if _, ok := c.Orchestrators[c.Monitoring.HeartbeatOrchestrator]; !ok {
			return fmt.Errorf("config: monitoring.heartbeat_orchestrator %q not defined", c.Monitoring.HeartbeatOrchestrator)
		}
	}
	for _, s := range c.AuthSync.Secrets {
		if s.Source == "" || s.Target == "" {
			return fmt.Errorf("config: auth_sync secret with empty source or target")
		}
		if filepath.IsAbs(s.Target) || strings.Contains(s.Target, "..") {
			return fmt.Errorf("config: auth_sync target %q must be a plain relative path", s.Target)
		}
	}
	return nil
}
