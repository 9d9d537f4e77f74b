package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/automation"
	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/pkg/envelope"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled automation jobs",
	}
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleAddCmd())
	cmd.AddCommand(scheduleRemoveCmd())
	cmd.AddCommand(scheduleSetStateCmd("enable", automation.StateEnabled))
	cmd.AddCommand(scheduleSetStateCmd("pause", automation.StatePaused))
	cmd.AddCommand(scheduleSetStateCmd("disable", automation.StateDisabled))
	cmd.AddCommand(scheduleRunsCmd())
	return cmd
}

func buildAutomationStore() (*automation.Store, error) {
	_, paths, err := loadPaths()
	if err != nil {
		return nil, err
	}
	return automation.NewStore(paths, clock.System())
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List automation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildAutomationStore()
			if err != nil {
				return err
			}
			jobs, err := store.ListJobs()
			if err != nil {
				return err
			}
			for _, job := range jobs {
				schedule := job.CronExpr
				switch {
				case job.RunAt != nil:
					schedule = "once at " + job.RunAt.Format(time.RFC3339)
				case schedule == "":
					schedule = fmt.Sprintf("every %ds", job.IntervalSeconds)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s -> %s\n",
					job.ID, job.State, schedule, job.OrchestratorID, job.TargetAction)
			}
			return nil
		},
	}
}

func scheduleAddCmd() *cobra.Command {
	var (
		cronExpr     string
		timezone     string
		intervalSecs int
		runAt        string
		anchorAt     string
		orchID       string
		workflowID   string
		functionID   string
		inputs       []string
		allowOverlap bool
		skipMissed   bool
		fireRecovery bool
	)
	cmd := &cobra.Command{
		Use:   "add <job_id>",
		Short: "Create or replace an automation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.Orchestrator(orchID); !ok {
				return fmt.Errorf("unknown orchestrator %q", orchID)
			}
			inputMap := make(map[string]any, len(inputs))
			for _, kv := range inputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("bad --input %q: want key=value", kv)
				}
				inputMap[k] = v
			}

			job := &automation.Job{
				ID:                 args[0],
				OrchestratorID:     orchID,
				CronExpr:           cronExpr,
				Timezone:           timezone,
				IntervalSeconds:    intervalSecs,
				State:              automation.StateEnabled,
				AllowOverlap:       allowOverlap,
				SkipMissed:         skipMissed,
				FireOnceOnRecovery: fireRecovery,
			}
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("bad --at %q: want RFC 3339", runAt)
				}
				job.RunAt = &at
			}
			if anchorAt != "" {
				anchor, err := time.Parse(time.RFC3339, anchorAt)
				if err != nil {
					return fmt.Errorf("bad --anchor %q: want RFC 3339", anchorAt)
				}
				job.AnchorAt = anchor
			}
			switch {
			case workflowID != "" && functionID != "":
				return fmt.Errorf("pass --workflow or --function, not both")
			case workflowID != "":
				ref, _ := json.Marshal(envelope.WorkflowStartRef{WorkflowID: workflowID, Inputs: inputMap})
				job.TargetAction = envelope.ActionWorkflowStart
				job.TargetRef = ref
			case functionID != "":
				ref, _ := json.Marshal(envelope.CommandInvokeRef{FunctionID: functionID, Args: inputMap})
				job.TargetAction = envelope.ActionCommandInvoke
				job.TargetRef = ref
			default:
				return fmt.Errorf("pass --workflow or --function")
			}

			store, err := buildAutomationStore()
			if err != nil {
				return err
			}
			if err := store.SaveJob(job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved job %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for --cron (default UTC)")
	cmd.Flags().IntVar(&intervalSecs, "interval", 0, "interval in seconds (alternative to --cron)")
	cmd.Flags().StringVar(&runAt, "at", "", "fire once at an RFC 3339 time (alternative to --cron/--interval)")
	cmd.Flags().StringVar(&anchorAt, "anchor", "", "RFC 3339 epoch aligning --interval firings")
	cmd.Flags().StringVar(&orchID, "orchestrator", "", "orchestrator that handles the trigger")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow to start")
	cmd.Flags().StringVar(&functionID, "function", "", "command function to invoke")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "trigger input as key=value (repeatable)")
	cmd.Flags().BoolVar(&allowOverlap, "allow-overlap", false, "allow firing while a previous execution is in flight")
	cmd.Flags().BoolVar(&skipMissed, "skip-missed", false, "collapse missed windows into a single firing")
	cmd.Flags().BoolVar(&fireRecovery, "fire-on-recovery", false, "fire once for windows missed while stopped")
	cmd.MarkFlagRequired("orchestrator")
	return cmd
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job_id>",
		Short: "Delete an automation job (terminal; history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildAutomationStore()
			if err != nil {
				return err
			}
			if err := store.DeleteJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed job %s\n", args[0])
			return nil
		},
	}
}

func scheduleSetStateCmd(name, state string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job_id>",
		Short: "Move an automation job to " + state,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildAutomationStore()
			if err != nil {
				return err
			}
			if err := store.Transition(args[0], state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is now %s\n", args[0], state)
			return nil
		},
	}
}

func scheduleRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <job_id>",
		Short: "Show a job's execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildAutomationStore()
			if err != nil {
				return err
			}
			recs, err := store.ListExecutions(args[0])
			if err != nil {
				return err
			}
			for _, rec := range recs {
				completed := "-"
				if !rec.CompletedAt.IsZero() {
					completed = rec.CompletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					rec.ExecutionID, rec.TriggeredAt.Format(time.RFC3339), completed, rec.Outcome)
			}
			return nil
		},
	}
}
