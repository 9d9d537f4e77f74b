package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/provider"
	"github.com/direclaw/direclaw/internal/supervisor"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the installation and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Fprintf(out, "✗ %s: %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "✓ %s\n", name)
			}

			cfg, err := loadConfig()
			check("config "+resolveConfigPath(), err)
			if err != nil {
				return fmt.Errorf("doctor found problems")
			}

			_, paths, err := loadPaths()
			check("state root "+cfg.StateRoot, err)
			if err == nil {
				probe := filepath.Join(cfg.StateRoot, ".doctor-probe")
				werr := os.WriteFile(probe, []byte("ok"), 0o644)
				if werr == nil {
					os.Remove(probe)
				}
				check("state root writable", werr)
			}

			providers := map[string]bool{}
			for _, orch := range cfg.Orchestrators {
				for _, agent := range orch.Agents {
					providers[agent.Provider] = true
				}
			}
			ids := make([]string, 0, len(providers))
			for id := range providers {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				binary, berr := provider.BinaryFor(id)
				if berr != nil {
					check("provider "+id, berr)
					continue
				}
				if !filepath.IsAbs(binary) {
					_, berr = exec.LookPath(binary)
				} else {
					_, berr = os.Stat(binary)
				}
				check(fmt.Sprintf("provider %s (%s)", id, binary), berr)
			}

			info := supervisor.Status(paths)
			switch info.Status {
			case supervisor.StatusRunning:
				fmt.Fprintf(out, "✓ supervisor running (pid %d)\n", info.PID)
			case supervisor.StatusStale:
				failed = true
				fmt.Fprintf(out, "✗ supervisor lock is stale (pid %d is dead)\n", info.LockPID)
			default:
				fmt.Fprintln(out, "✓ supervisor not running")
			}

			if err == nil {
				incoming, _ := os.ReadDir(paths.QueueIncoming())
				processing, _ := os.ReadDir(paths.QueueProcessing())
				outgoing, _ := os.ReadDir(paths.QueueOutgoing())
				fmt.Fprintf(out, "✓ queue depths: incoming=%d processing=%d outgoing=%d\n",
					len(incoming), len(processing), len(outgoing))
			}

			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}
