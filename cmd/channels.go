package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	slackchannel "github.com/direclaw/direclaw/internal/channels/slack"
	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/supervisor"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and operate channel adapters",
	}
	cmd.AddCommand(channelsStatusCmd())
	cmd.AddCommand(channelsSlackCmd())
	cmd.AddCommand(channelsResetCmd())
	return cmd
}

func channelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured channel profiles",
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
			tokens, tokenErr := slackchannel.ResolveTokens(cfg.SlackProfileIDs())
			for _, id := range ids {
				p := cfg.Profiles[id]
				note := ""
				if !p.Enabled {
					note = "\tdisabled"
				} else if p.Channel == config.ChannelSlack {
					if _, ok := tokens[id]; ok {
						note = "\ttokens ok"
					} else {
						note = "\ttokens missing"
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s -> %s%s\n", id, p.Channel, p.Orchestrator, note)
			}
			if tokenErr != nil && len(cfg.SlackProfileIDs()) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "slack tokens: %v\n", tokenErr)
			}
			return nil
		},
	}
}

func channelsSlackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack",
		Short: "Slack channel operations",
	}
	cmd.AddCommand(channelsSlackSyncCmd())
	cmd.AddCommand(channelsSlackSocketCmd())
	cmd.AddCommand(channelsSlackBackfillCmd())
	return cmd
}

// slackClients resolves tokens and builds one API client per enabled slack
// profile, optionally narrowed to a single profile id.
func slackClients(cfg *config.Config, only string) (map[string]*slackchannel.Client, error) {
	profiles := cfg.SlackProfileIDs()
	if only != "" {
		found := false
		for _, id := range profiles {
			if id == only {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown or disabled slack profile %q", only)
		}
		profiles = []string{only}
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no enabled slack channel profiles configured")
	}
	tokens, err := slackchannel.ResolveTokens(profiles)
	if err != nil {
		return nil, err
	}
	clients := make(map[string]*slackchannel.Client, len(tokens))
	for id, t := range tokens {
		clients[id] = slackchannel.NewClient(t.Bot, t.App)
	}
	return clients, nil
}

func channelsSlackSyncCmd() *cobra.Command {
	var profileID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Verify slack credentials and conversation access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			clients, err := slackClients(cfg, profileID)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(clients))
			for id := range clients {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				convos, err := clients[id].ListConversations(cmd.Context())
				if err != nil {
					return fmt.Errorf("profile %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d conversations visible\n", id, len(convos))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "limit to one slack profile")
	return cmd
}

func channelsSlackSocketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socket",
		Short: "Socket-mode worker operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show supervisor and socket worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			info := supervisor.Status(paths)
			fmt.Fprintf(cmd.OutOrStdout(), "supervisor: %s", info.Status)
			if info.PID != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (pid %d)", info.PID)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if info.State != nil {
				if beat, ok := info.State.Workers["channels"]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "channels worker: last beat %s\n", beat.Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reconnect",
		Short: "Ask the running supervisor to restart slack adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			info := supervisor.Status(paths)
			if info.Status != supervisor.StatusRunning {
				return fmt.Errorf("supervisor is %s; nothing to reconnect", info.Status)
			}
			if err := supervisor.RequestReconnectSlack(paths); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reconnect requested")
			return nil
		},
	})
	return cmd
}

func channelsSlackBackfillCmd() *cobra.Command {
	var profileID string
	var limit int
	backfill := &cobra.Command{
		Use:   "run",
		Short: "Pull slack history into the incoming queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadPaths()
			if err != nil {
				return err
			}
			clients, err := slackClients(cfg, profileID)
			if err != nil {
				return err
			}
			logs, err := logging.OpenSet(paths.LogsDir())
			if err != nil {
				return err
			}
			defer logs.Close()
			store, err := queue.NewStore(paths, clock.System(), &clock.Counter{}, logs.Security)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(clients))
			for id := range clients {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				res, err := slackchannel.Backfill(cmd.Context(), clients[id], store, paths, logs, id, limit)
				if err != nil {
					return fmt.Errorf("profile %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d conversations, %d enqueued, %d skipped\n",
					id, res.Conversations, res.Enqueued, res.Skipped)
			}
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Channel history backfill",
	}
	cmd.AddCommand(backfill)
	backfill.Flags().StringVar(&profileID, "profile", "", "limit to one slack profile")
	backfill.Flags().IntVar(&limit, "limit", 100, "max messages per conversation")
	return cmd
}

func channelsResetCmd() *cobra.Command {
	var profileID string
	var channel string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete channel cursors so ingest starts fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadPaths()
			if err != nil {
				return err
			}
			removed := 0
			for id, p := range cfg.Profiles {
				if profileID != "" && id != profileID {
					continue
				}
				if channel != "" && p.Channel != channel {
					continue
				}
				path := paths.ChannelCursor(p.Channel, id)
				switch err := os.Remove(path); {
				case err == nil:
					removed++
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s/%s\n", p.Channel, id)
				case os.IsNotExist(err):
				default:
					return err
				}
			}
			if removed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cursors to reset")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "", "reset only this profile")
	cmd.Flags().StringVar(&channel, "channel", "", "reset only this channel kind")
	return cmd
}
