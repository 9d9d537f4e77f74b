// Package cmd is the direclaw CLI surface. Every subcommand is a thin layer
// over the internal packages: load config, do one thing, print one result.
// Errors go to stderr as a single "error: ..." line with a non-zero exit.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// Version is set at build time via -ldflags "-X github.com/direclaw/direclaw/cmd.Version=v1.0.0"
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "direclaw",
	Short:         "direclaw — multi-agent workflow runtime",
	Long:          "direclaw turns chat messages into deterministic, resumable multi-step agent workflows: filesystem queue, per-conversation ordering, workflow engine, selector routing, and scheduled automation.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $DIRECLAW_HOME/config.yaml)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(orchestratorCmd())
	rootCmd.AddCommand(channelProfileCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(authCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("direclaw %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// loadPaths loads config and returns the bootstrapped state tree.
func loadPaths() (*config.Config, statepaths.StatePaths, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, statepaths.StatePaths{}, err
	}
	paths := statepaths.New(cfg.StateRoot)
	if err := paths.Bootstrap(); err != nil {
		return nil, statepaths.StatePaths{}, err
	}
	return cfg, paths, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
