package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/config"
)

// mutateConfig runs a load-modify-save cycle against the config file,
// re-validating before the write.
func mutateConfig(fn func(cfg *config.Config) error) error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func orchestratorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Manage orchestrators",
	}
	cmd.AddCommand(orchestratorListCmd())
	cmd.AddCommand(orchestratorAddCmd())
	cmd.AddCommand(orchestratorRemoveCmd())
	cmd.AddCommand(orchestratorAgentCmd())
	return cmd
}

func orchestratorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orchestrators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Orchestrators))
			for id := range cfg.Orchestrators {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				o := cfg.Orchestrators[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tagents=%d\tworkflows=%d\tdefault=%s\n",
					id, len(o.Agents), len(o.Workflows), o.DefaultWorkflow)
			}
			return nil
		},
	}
}

func orchestratorAddCmd() *cobra.Command {
	var (
		selectorAgent   string
		defaultWorkflow string
		workflows       []string
	)
	cmd := &cobra.Command{
		Use:   "add <orchestrator_id>",
		Short: "Add an orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				if _, exists := cfg.Orchestrators[args[0]]; exists {
					return fmt.Errorf("orchestrator %q already exists", args[0])
				}
				cfg.Orchestrators[args[0]] = &config.Orchestrator{
					ID:              args[0],
					Agents:          map[string]*config.Agent{},
					SelectorAgent:   selectorAgent,
					DefaultWorkflow: defaultWorkflow,
					Workflows:       workflows,
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added orchestrator %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&selectorAgent, "selector-agent", "", "agent id used for message selection")
	cmd.Flags().StringVar(&defaultWorkflow, "default-workflow", "", "fallback workflow id")
	cmd.Flags().StringArrayVar(&workflows, "workflow", nil, "workflow id owned by this orchestrator (repeatable)")
	return cmd
}

func orchestratorRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <orchestrator_id>",
		Short: "Remove an orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				if _, exists := cfg.Orchestrators[args[0]]; !exists {
					return fmt.Errorf("unknown orchestrator %q", args[0])
				}
				delete(cfg.Orchestrators, args[0])
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed orchestrator %s\n", args[0])
			return nil
		},
	}
}

func orchestratorAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage an orchestrator's agents",
	}
	cmd.AddCommand(orchestratorAgentAddCmd())
	cmd.AddCommand(orchestratorAgentRemoveCmd())
	return cmd
}

func orchestratorAgentAddCmd() *cobra.Command {
	var (
		providerID string
		model      string
		restrict   bool
	)
	cmd := &cobra.Command{
		Use:   "add <orchestrator_id> <agent_id>",
		Short: "Add an agent to an orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				o, ok := cfg.Orchestrators[args[0]]
				if !ok {
					return fmt.Errorf("unknown orchestrator %q", args[0])
				}
				if o.Agents == nil {
					o.Agents = map[string]*config.Agent{}
				}
				o.Agents[args[1]] = &config.Agent{
					ID:                  args[1],
					Provider:            providerID,
					Model:               model,
					RestrictToWorkspace: restrict,
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added agent %s to %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", config.ProviderAnthropic, "provider id (anthropic or openai)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&restrict, "restrict-to-workspace", false, "confine the agent to its workspace")
	return cmd
}

func orchestratorAgentRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <orchestrator_id> <agent_id>",
		Short: "Remove an agent from an orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				o, ok := cfg.Orchestrators[args[0]]
				if !ok {
					return fmt.Errorf("unknown orchestrator %q", args[0])
				}
				if _, ok := o.Agents[args[1]]; !ok {
					return fmt.Errorf("unknown agent %q", args[1])
				}
				delete(o.Agents, args[1])
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed agent %s from %s\n", args[1], args[0])
			return nil
		},
	}
}

func channelProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel-profile",
		Short: "Manage channel profiles",
	}
	cmd.AddCommand(channelProfileListCmd())
	cmd.AddCommand(channelProfileAddCmd())
	cmd.AddCommand(channelProfileRemoveCmd())
	return cmd
}

func channelProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channel profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Profiles))
			for id := range cfg.Profiles {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				p := cfg.Profiles[id]
				flags := ""
				if p.Default {
					flags += " default"
				}
				if !p.Enabled {
					flags += " disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s -> %s%s\n", id, p.Channel, p.Orchestrator, flags)
			}
			return nil
		},
	}
}

func channelProfileAddCmd() *cobra.Command {
	var (
		channel    string
		orchID     string
		setDefault bool
	)
	cmd := &cobra.Command{
		Use:   "add <profile_id>",
		Short: "Add a channel profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				if _, exists := cfg.Profiles[args[0]]; exists {
					return fmt.Errorf("channel profile %q already exists", args[0])
				}
				if setDefault {
					for _, p := range cfg.Profiles {
						p.Default = false
					}
				}
				cfg.Profiles[args[0]] = &config.ChannelProfile{
					ID:           args[0],
					Channel:      channel,
					Orchestrator: orchID,
					Enabled:      true,
					Default:      setDefault,
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added channel profile %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", config.ChannelLocal, "channel kind (slack or local)")
	cmd.Flags().StringVar(&orchID, "orchestrator", "", "orchestrator bound to this profile")
	cmd.Flags().BoolVar(&setDefault, "default", false, "make this the default profile")
	cmd.MarkFlagRequired("orchestrator")
	return cmd
}

func channelProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <profile_id>",
		Short: "Remove a channel profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := mutateConfig(func(cfg *config.Config) error {
				if _, exists := cfg.Profiles[args[0]]; !exists {
					return fmt.Errorf("unknown channel profile %q", args[0])
				}
				delete(cfg.Profiles, args[0])
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed channel profile %s\n", args[0])
			return nil
		},
	}
}
