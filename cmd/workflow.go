package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/engine"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/orchestrator"
	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/runstore"
	"github.com/direclaw/direclaw/internal/statepaths"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and drive workflows",
	}
	cmd.AddCommand(workflowListCmd())
	cmd.AddCommand(workflowShowCmd())
	cmd.AddCommand(workflowRunCmd())
	cmd.AddCommand(workflowStatusCmd())
	cmd.AddCommand(workflowProgressCmd())
	cmd.AddCommand(workflowCancelCmd())
	return cmd
}

// workflowRuntime bundles what the run/cancel subcommands need.
type workflowRuntime struct {
	cfg    *config.Config
	paths  statepaths.StatePaths
	logs   *logging.Set
	runs   *runstore.Store
	engine *engine.Engine
}

func buildWorkflowRuntime() (*workflowRuntime, error) {
	cfg, paths, err := loadPaths()
	if err != nil {
		return nil, err
	}
	logs, err := logging.OpenSet(paths.LogsDir())
	if err != nil {
		return nil, err
	}
	clk := clock.System()
	runs, err := runstore.NewStore(paths, clk)
	if err != nil {
		logs.Close()
		return nil, err
	}
	eng := engine.New(cfg, paths, runs, provider.NewRunner(), logs, clk)
	return &workflowRuntime{cfg: cfg, paths: paths, logs: logs, runs: runs, engine: eng}, nil
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Workflows))
			for id := range cfg.Workflows {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				wf := cfg.Workflows[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion=%s\tsteps=%d\n", id, wf.Version, len(wf.Steps))
			}
			return nil
		},
	}
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow>",
		Short: "Print one workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wf, ok := cfg.Workflow(args[0])
			if !ok {
				return fmt.Errorf("unknown workflow %q", args[0])
			}
			data, err := yaml.Marshal(wf)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func workflowRunCmd() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "run <orchestrator> <workflow>",
		Short: "Start a workflow run and drive it to completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildWorkflowRuntime()
			if err != nil {
				return err
			}
			defer rt.logs.Close()
			orch, ok := rt.cfg.Orchestrator(args[0])
			if !ok {
				return fmt.Errorf("unknown orchestrator %q", args[0])
			}
			if !orch.OwnsWorkflow(args[1]) {
				return fmt.Errorf("orchestrator %q does not list workflow %q", args[0], args[1])
			}
			inputMap := make(map[string]any, len(inputs))
			for _, kv := range inputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("bad --input %q: want key=value", kv)
				}
				inputMap[k] = v
			}
			run, err := rt.engine.StartRun(orch, args[1], inputMap, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", run.RunID)
			if err := rt.engine.Advance(cmd.Context(), run); err != nil {
				return err
			}
			final, err := rt.runs.Load(run.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", final.RunID, final.State)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "workflow input as key=value (repeatable)")
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Print a run's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildWorkflowRuntime()
			if err != nil {
				return err
			}
			defer rt.logs.Close()
			run, err := rt.runs.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tstep=%s\tattempt=%d\n",
				run.RunID, run.State, run.CurrentStepID, run.Attempt)
			if run.LastTransitionReason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", run.LastTransitionReason)
			}
			return nil
		},
	}
}

func workflowProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <run_id>",
		Short: "Print a run's progress snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildWorkflowRuntime()
			if err != nil {
				return err
			}
			defer rt.logs.Close()
			progress, err := rt.runs.LoadProgress(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), orchestrator.FormatProgress(progress))
			return nil
		},
	}
}

func workflowCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a non-terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildWorkflowRuntime()
			if err != nil {
				return err
			}
			defer rt.logs.Close()
			if err := rt.engine.Cancel(args[0], "canceled via CLI"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", args[0])
			return nil
		},
	}
}
