package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/supervisor"
)

func startCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor",
		Long:  "Runs the supervisor in the foreground. With --detach the process re-executes itself in the background and returns once the lock is held.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadPaths()
			if err != nil {
				return err
			}
			if info := supervisor.Status(paths); info.Status == supervisor.StatusRunning {
				return fmt.Errorf("supervisor already running (pid %d)", info.PID)
			}
			if detach {
				return startDetached(cmd)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return supervisor.New(cfg, clock.System()).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "run the supervisor in the background")
	return cmd
}

// startDetached re-executes `direclaw start` without --detach as a detached
// child, then waits briefly for the lock to appear.
func startDetached(cmd *cobra.Command) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"start"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	child := exec.Command(self, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	if err := child.Start(); err != nil {
		return err
	}
	if err := child.Process.Release(); err != nil {
		return err
	}

	_, paths, err := loadPaths()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info := supervisor.Status(paths); info.Status == supervisor.StatusRunning {
			fmt.Fprintf(cmd.OutOrStdout(), "supervisor started (pid %d)\n", info.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("supervisor did not come up within 5s")
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			forced, err := supervisor.StopActive(paths)
			if err != nil {
				return err
			}
			if forced {
				fmt.Fprintln(cmd.OutOrStdout(), "supervisor stopped (forced)")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "supervisor stopped")
			}
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the supervisor in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			if info := supervisor.Status(paths); info.Status == supervisor.StatusRunning {
				if _, err := supervisor.StopActive(paths); err != nil {
					return err
				}
			}
			return startDetached(cmd)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report supervisor status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			info := supervisor.Status(paths)
			out := cmd.OutOrStdout()
			switch info.Status {
			case supervisor.StatusNotRunning:
				fmt.Fprintln(out, "not running")
			case supervisor.StatusStale:
				fmt.Fprintf(out, "stale (lock pid %d is dead)\n", info.LockPID)
			case supervisor.StatusRunning:
				fmt.Fprintf(out, "running (pid %d)\n", info.PID)
				if info.State != nil {
					names := make([]string, 0, len(info.State.Workers))
					for name := range info.State.Workers {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						fmt.Fprintf(out, "  %-10s last beat %s\n",
							name, info.State.Workers[name].Format(time.RFC3339))
					}
				}
			}
			return nil
		},
	}
}
