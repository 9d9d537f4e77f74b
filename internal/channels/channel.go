// Package channels provides the channel abstraction layer between external
// messaging platforms and the filesystem queue. Adapters write inbound
// payloads into the incoming queue; the manager drains the outgoing queue and
// routes each file to the adapter bound to its (channel, profile) pair.
package channels

import (
	"context"

	"github.com/direclaw/direclaw/internal/queue"
)

// InternalChannels never have an adapter; their outgoing files are consumed
// by the runtime itself (heartbeat) or exist only as triggers (scheduler).
var InternalChannels = map[string]bool{
	"scheduler": true,
	"heartbeat": true,
}

// IsInternalChannel reports whether a channel name is runtime-internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Adapter is one channel binding for one channel profile.
type Adapter interface {
	// Name returns the channel kind ("slack", "local").
	Name() string

	// ProfileID returns the channel profile this adapter serves.
	ProfileID() string

	// Start begins ingesting inbound messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// Deliver sends one outbound message to the platform. A nil return means
	// the queue file may be deleted; an error leaves it for retry.
	Deliver(ctx context.Context, msg *queue.OutgoingMessage) error

	// Running reports whether the adapter is actively ingesting.
	Running() bool
}

// routeKey identifies the adapter for an outgoing message.
type routeKey struct {
	channel string
	profile string
}
