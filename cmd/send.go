package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
)

func sendCmd() *cobra.Command {
	var conversation string
	var runID string
	cmd := &cobra.Command{
		Use:   "send <profile_id> <message...>",
		Short: "Send a message into the incoming queue (local channel)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadPaths()
			if err != nil {
				return err
			}
			profileID := args[0]
			if _, ok := cfg.Profile(profileID); !ok {
				return fmt.Errorf("unknown channel profile %q", profileID)
			}
			logs, err := logging.OpenSet(paths.LogsDir())
			if err != nil {
				return err
			}
			defer logs.Close()
			clk := clock.System()
			store, err := queue.NewStore(paths, clk, &clock.Counter{}, logs.Security)
			if err != nil {
				return err
			}
			msg := &queue.IncomingMessage{
				Channel:          "local",
				ChannelProfileID: profileID,
				SenderID:         "cli",
				Message:          strings.Join(args[1:], " "),
				Timestamp:        clk.Now().Unix(),
				MessageID:        uuid.NewString(),
				ConversationID:   conversation,
				WorkflowRunID:    runID,
			}
			path, err := store.WriteIncoming(msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (message %s)\n", path, msg.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "conversation id for ordering")
	cmd.Flags().StringVar(&runID, "run", "", "bind the message to an existing workflow run")
	return cmd
}
