package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/direclaw/direclaw/internal/logging"
)

// eventBuffer is the socket worker's channel capacity. A full buffer drops
// events rather than blocking the read loop: Slack disconnects slow readers,
// which loses everything instead of one event.
const eventBuffer = 256

// Event is one events-api payload delivered over socket mode.
type Event struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel"`
	User      string `json:"user"`
	BotID     string `json:"bot_id,omitempty"`
	Text      string `json:"text"`
	TS        string `json:"ts"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// ErrDisconnected reports that Slack closed the socket. Fatal to the worker;
// the supervisor decides whether to restart.
var ErrDisconnected = errors.New("slack socket disconnected")

type socketFrame struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Payload    struct {
		Event Event `json:"event"`
	} `json:"payload"`
}

type socketAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// SocketWorker reads socket-mode frames into a buffered event channel.
type SocketWorker struct {
	api       SocketAPI
	logs      *logging.Set
	profileID string
	events    chan Event
	// dropped is bumped on the read loop and read from other goroutines.
	dropped atomic.Int64
}

// NewSocketWorker builds a socket worker for one profile.
func NewSocketWorker(api SocketAPI, logs *logging.Set, profileID string) *SocketWorker {
	return &SocketWorker{
		api:       api,
		logs:      logs,
		profileID: profileID,
		events:    make(chan Event, eventBuffer),
	}
}

// Events is the consumer side of the buffer.
func (w *SocketWorker) Events() <-chan Event { return w.events }

// Dropped returns the count of events discarded on a full buffer.
func (w *SocketWorker) Dropped() int64 { return w.dropped.Load() }

// Run connects and pumps frames until disconnect or cancellation. It returns
// ErrDisconnected when Slack closes the connection; callers treat that as a
// fatal worker error.
func (w *SocketWorker) Run(ctx context.Context) error {
	wssURL, err := w.api.ConnectionsOpen(ctx)
	if err != nil {
		return fmt.Errorf("open socket connection: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wssURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 20)

	w.logs.Runtime.Event("slack.socket.connected", "profile", w.profileID)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logs.Runtime.Event("slack.socket.disconnected", "profile", w.profileID, "error", err.Error())
			return ErrDisconnected
		}
		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		// Every enveloped frame is acked before processing; Slack redelivers
		// unacked envelopes and that shows up as duplicate messages.
		if frame.EnvelopeID != "" {
			ack, _ := json.Marshal(socketAck{EnvelopeID: frame.EnvelopeID})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return ErrDisconnected
			}
		}
		switch frame.Type {
		case "hello":
			continue
		case "disconnect":
			w.logs.Runtime.Event("slack.socket.server_disconnect", "profile", w.profileID)
			return ErrDisconnected
		case "events_api":
			select {
			case w.events <- frame.Payload.Event:
			default:
				w.logs.Runtime.Event("slack.socket.event_dropped",
					"profile", w.profileID, "dropped_total", w.dropped.Add(1))
			}
		}
	}
}
