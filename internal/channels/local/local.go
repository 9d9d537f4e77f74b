// Package local implements the local channel: outbound messages append to an
// outbox file under the state tree and the inbound side is the send CLI
// writing straight into the incoming queue. It exists so the runtime can be
// exercised end to end without any external platform.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/direclaw/direclaw/internal/queue"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// Adapter serves one local channel profile.
type Adapter struct {
	paths     statepaths.StatePaths
	profileID string
	running   bool
}

// New builds a local adapter for a profile.
func New(paths statepaths.StatePaths, profileID string) *Adapter {
	return &Adapter{paths: paths, profileID: profileID}
}

func (a *Adapter) Name() string      { return "local" }
func (a *Adapter) ProfileID() string { return a.profileID }
func (a *Adapter) Running() bool     { return a.running }

// Start creates the profile directory. There is no inbound listener; the
// send CLI writes incoming messages directly.
func (a *Adapter) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.paths.ChannelProfileDir("local", a.profileID), 0o755); err != nil {
		return err
	}
	a.running = true
	return nil
}

// Stop marks the adapter stopped.
func (a *Adapter) Stop(ctx context.Context) error {
	a.running = false
	return nil
}

// OutboxPath returns the append-only delivery file for this profile.
func (a *Adapter) OutboxPath() string {
	return filepath.Join(a.paths.ChannelProfileDir("local", a.profileID), "outbox.jsonl")
}

// Deliver appends the message to the outbox and advances the cursor.
func (a *Adapter) Deliver(ctx context.Context, msg *queue.OutgoingMessage) error {
	if err := os.MkdirAll(filepath.Dir(a.OutboxPath()), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(a.OutboxPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return a.advanceCursor(msg.MessageID)
}

type cursor struct {
	LastMessageID string `json:"last_message_id"`
	Delivered     int    `json:"delivered"`
}

func (a *Adapter) advanceCursor(messageID string) error {
	path := a.paths.ChannelCursor("local", a.profileID)
	var c cursor
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &c)
	}
	c.LastMessageID = messageID
	c.Delivered++
	data, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return queue.WriteFileAtomic(path, data)
}

// ReadOutbox returns the last n delivered messages (all when n <= 0).
func (a *Adapter) ReadOutbox(n int) ([]*queue.OutgoingMessage, error) {
	f, err := os.Open(a.OutboxPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var msgs []*queue.OutgoingMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m queue.OutgoingMessage
		if json.Unmarshal(sc.Bytes(), &m) == nil {
			msgs = append(msgs, &m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}
