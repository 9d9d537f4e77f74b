package slack

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// backfillCursor tracks the newest ingested ts per conversation.
type backfillCursor struct {
	// Conversations maps channel id to the last ingested message ts.
	Conversations map[string]string `json:"conversations"`
}

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	Conversations int
	Enqueued      int
	Skipped       int
}

// Backfill pulls conversation history for a profile and enqueues messages
// newer than the stored cursor. Bot messages and already-seen ts values are
// skipped; the cursor advances only after the queue write succeeds.
func Backfill(ctx context.Context, api InboundAPI, store *queue.Store, paths statepaths.StatePaths, logs *logging.Set, profileID string, limit int) (*BackfillResult, error) {
	cursorPath := paths.ChannelCursor("slack", profileID)
	cur := &backfillCursor{Conversations: map[string]string{}}
	if data, err := os.ReadFile(cursorPath); err == nil {
		_ = json.Unmarshal(data, cur)
	}
	if cur.Conversations == nil {
		cur.Conversations = map[string]string{}
	}

	convos, err := api.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{Conversations: len(convos)}
	for _, convo := range convos {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		oldest := cur.Conversations[convo.ID]
		msgs, err := api.ConversationHistory(ctx, convo.ID, oldest, limit)
		if err != nil {
			logs.Runtime.Event("slack.backfill.history_failed",
				"profile", profileID, "conversation", convo.ID, "error", err.Error())
			continue
		}
		// History arrives newest-first; ingest oldest-first so queue order
		// matches wall order.
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].TS < msgs[j].TS })
		for _, m := range msgs {
			if m.BotID != "" || m.Text == "" {
				res.Skipped++
				continue
			}
			if oldest != "" && m.TS <= oldest {
				res.Skipped++
				continue
			}
			conversation := convo.ID
			if m.ThreadTS != "" && m.ThreadTS != m.TS {
				conversation = convo.ID + "/" + m.ThreadTS
			}
			_, err := store.WriteIncoming(&queue.IncomingMessage{
				Channel:          "slack",
				ChannelProfileID: profileID,
				SenderID:         m.User,
				Message:          m.Text,
				Timestamp:        tsToUnix(m.TS),
				MessageID:        convo.ID + "-" + m.TS,
				ConversationID:   conversation,
				IsThreadReply:    m.ThreadTS != "" && m.ThreadTS != m.TS,
			})
			if err != nil {
				logs.Runtime.Event("slack.backfill.enqueue_failed",
					"profile", profileID, "conversation", convo.ID, "error", err.Error())
				continue
			}
			res.Enqueued++
			if m.TS > cur.Conversations[convo.ID] {
				cur.Conversations[convo.ID] = m.TS
			}
		}
	}

	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return res, err
	}
	if err := queue.WriteFileAtomic(cursorPath, data); err != nil {
		return res, err
	}
	logs.Runtime.Event("slack.backfill.completed",
		"profile", profileID, "conversations", res.Conversations, "enqueued", res.Enqueued, "skipped", res.Skipped)
	return res, nil
}
