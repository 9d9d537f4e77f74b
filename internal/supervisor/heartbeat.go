package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/direclaw/direclaw/internal/clock"
	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
)

// heartbeatWorker writes a periodic health ping to the outgoing queue.
// Heartbeat files use the stable name <message_id>.json, so each ping
// replaces the previous one instead of accumulating.
type heartbeatWorker struct {
	cfg   *config.Config
	queue *queue.Store
	logs  *logging.Set
	clk   clock.Clock
	state *stateHolder
}

type heartbeatBody struct {
	PID     int                  `json:"pid"`
	At      time.Time            `json:"at"`
	Workers map[string]time.Time `json:"workers,omitempty"`
	Queue   struct {
		Incoming   int `json:"incoming"`
		Processing int `json:"processing"`
		Outgoing   int `json:"outgoing"`
	} `json:"queue"`
}

// run emits a heartbeat every interval. An interval of 0 disables the
// worker; it still parks on the context so the group shuts down cleanly.
func (w *heartbeatWorker) run(ctx context.Context) error {
	interval := time.Duration(w.cfg.Monitoring.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.emit()
			w.state.Beat("heartbeat")
		}
	}
}

func (w *heartbeatWorker) emit() {
	snap := w.state.snapshot()
	body := heartbeatBody{PID: snap.PID, At: w.clk.Now(), Workers: snap.Workers}
	body.Queue.Incoming, body.Queue.Processing, body.Queue.Outgoing = w.queue.Depths()
	payload, err := json.Marshal(&body)
	if err != nil {
		return
	}
	_, err = w.queue.WriteOutgoing(&queue.OutgoingMessage{
		Channel:   config.ChannelHeartbeat,
		Agent:     "supervisor",
		Message:   string(payload),
		Timestamp: w.clk.Now().Unix(),
		MessageID: "heartbeat",
	})
	if err != nil {
		w.logs.Runtime.Event("heartbeat.write_failed", "error", err.Error())
	}
}
