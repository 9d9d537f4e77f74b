package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
)

// Adapter serves one slack channel profile: socket-mode ingest into the
// incoming queue, Web API egress from the outgoing queue.
type Adapter struct {
	profileID string
	client    *Client
	store     *queue.Store
	logs      *logging.Set

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	worker  *SocketWorker
}

// New builds a slack adapter for a profile.
func New(profileID string, client *Client, store *queue.Store, logs *logging.Set) *Adapter {
	return &Adapter{profileID: profileID, client: client, store: store, logs: logs}
}

func (a *Adapter) Name() string      { return "slack" }
func (a *Adapter) ProfileID() string { return a.profileID }

func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start launches the socket worker and the event consumer. A socket
// disconnect stops this adapter only; the rest of the runtime keeps going.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.worker = NewSocketWorker(a.client, a.logs, a.profileID)
	a.done = make(chan struct{})
	a.running = true

	go func() {
		defer close(a.done)
		err := a.worker.Run(workerCtx)
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		if err != nil && workerCtx.Err() == nil {
			a.logs.Runtime.Event("slack.worker_stopped", "profile", a.profileID, "error", err.Error())
		}
	}()
	go a.consume(workerCtx)
	return nil
}

// Stop cancels the socket worker and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// consume converts socket events into incoming queue payloads.
func (a *Adapter) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.worker.Events():
			if ev.Type != "message" || ev.Text == "" {
				continue
			}
			// Bot messages include our own replies; enqueueing them loops.
			if ev.BotID != "" {
				continue
			}
			conversation := ev.ChannelID
			if ev.ThreadTS != "" {
				conversation = ev.ChannelID + "/" + ev.ThreadTS
			}
			msg := &queue.IncomingMessage{
				Channel:          "slack",
				ChannelProfileID: a.profileID,
				SenderID:         ev.User,
				Message:          ev.Text,
				Timestamp:        tsToUnix(ev.TS),
				MessageID:        ev.ChannelID + "-" + ev.TS,
				ConversationID:   conversation,
				IsThreadReply:    ev.ThreadTS != "",
			}
			if _, err := a.store.WriteIncoming(msg); err != nil {
				a.logs.Runtime.Event("slack.enqueue_failed",
					"profile", a.profileID, "message_id", msg.MessageID, "error", err.Error())
			}
		}
	}
}

// Deliver posts one outgoing message via chat.postMessage. The target
// conversation comes from the TargetRef when present, otherwise from the
// original message's conversation.
func (a *Adapter) Deliver(ctx context.Context, msg *queue.OutgoingMessage) error {
	channelID := msg.TargetRef["channel_id"]
	threadTS := msg.TargetRef["thread_ts"]
	if channelID == "" && msg.OriginalMessage != nil {
		channelID, threadTS = splitConversation(msg.OriginalMessage.ConversationID)
	}
	if channelID == "" {
		channelID, threadTS = splitConversation(msg.ConversationID)
	}
	if channelID == "" {
		return fmt.Errorf("slack delivery for %s: no target conversation", msg.MessageID)
	}
	if _, err := a.client.PostMessage(ctx, channelID, threadTS, msg.Message); err != nil {
		return err
	}
	// File payloads ride as plain links until upload support lands.
	for _, f := range msg.Files {
		if _, err := a.client.PostMessage(ctx, channelID, threadTS, "[file] "+f); err != nil {
			return err
		}
	}
	return nil
}

// splitConversation parses "<channel_id>" or "<channel_id>/<thread_ts>".
func splitConversation(conversationID string) (channelID, threadTS string) {
	for i := 0; i < len(conversationID); i++ {
		if conversationID[i] == '/' {
			return conversationID[:i], conversationID[i+1:]
		}
	}
	return conversationID, ""
}

// tsToUnix truncates a slack ts ("1712345678.000200") to whole seconds.
func tsToUnix(ts string) int64 {
	var sec int64
	for i := 0; i < len(ts) && ts[i] != '.'; i++ {
		if ts[i] < '0' || ts[i] > '9' {
			return 0
		}
		sec = sec*10 + int64(ts[i]-'0')
	}
	return sec
}
