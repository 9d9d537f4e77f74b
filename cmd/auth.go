package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/authsync"
	"github.com/direclaw/direclaw/internal/logging"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Credential materialization",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Materialize configured secrets into the state root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadPaths()
			if err != nil {
				return err
			}
			if len(cfg.AuthSync.Secrets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no secrets configured")
				return nil
			}
			logs, err := logging.OpenSet(paths.LogsDir())
			if err != nil {
				return err
			}
			defer logs.Close()
			if err := authsync.Sync(cmd.Context(), &cfg.AuthSync, paths, logs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d secrets\n", len(cfg.AuthSync.Secrets))
			return nil
		},
	})
	return cmd
}
