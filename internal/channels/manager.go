package channels

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/queue"
)

// Manager owns adapter lifecycle and the outbound dispatch loop. Egress is
// paced with a shared rate limiter so a burst of workflow replies cannot
// trip platform limits.
type Manager struct {
	store    *queue.Store
	logs     *logging.Set
	limiter  *rate.Limiter
	mu       sync.RWMutex
	adapters map[routeKey]Adapter
	fallback map[string]Adapter // channel -> adapter used when no profile match
}

// NewManager builds a channel manager over the queue store. perSecond bounds
// outbound deliveries across all adapters.
func NewManager(store *queue.Store, logs *logging.Set, perSecond float64) *Manager {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Manager{
		store:    store,
		logs:     logs,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		adapters: make(map[routeKey]Adapter),
		fallback: make(map[string]Adapter),
	}
}

// Register binds an adapter to its (channel, profile) route. The first
// adapter registered for a channel also serves messages without a profile id.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[routeKey{channel: a.Name(), profile: a.ProfileID()}] = a
	if _, ok := m.fallback[a.Name()]; !ok {
		m.fallback[a.Name()] = a
	}
}

// StartAll starts every registered adapter. A failing adapter is logged and
// skipped; the dispatch loop runs regardless.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			m.logs.Runtime.Event("channels.start_failed",
				"channel", key.channel, "profile", key.profile, "error", err.Error())
		}
	}
}

// StopAll stops every registered adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			m.logs.Runtime.Event("channels.stop_failed",
				"channel", key.channel, "profile", key.profile, "error", err.Error())
		}
	}
}

// RestartChannel stops and restarts every adapter registered for a channel.
func (m *Manager) RestartChannel(ctx context.Context, channel string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, a := range m.adapters {
		if key.channel != channel {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			m.logs.Runtime.Event("channels.stop_failed",
				"channel", key.channel, "profile", key.profile, "error", err.Error())
		}
		if err := a.Start(ctx); err != nil {
			m.logs.Runtime.Event("channels.start_failed",
				"channel", key.channel, "profile", key.profile, "error", err.Error())
		}
	}
}

// Status reports per-route running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.adapters))
	for key, a := range m.adapters {
		out[key.channel+"/"+key.profile] = a.Running()
	}
	return out
}

// DispatchOnce drains the outgoing queue once. Messages for internal
// channels and channels without an adapter are left in place.
func (m *Manager) DispatchOnce(ctx context.Context) error {
	paths, err := m.store.ListOutgoing()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg queue.OutgoingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logs.Runtime.Event("channels.outgoing_unparsable", "path", path, "error", err.Error())
			continue
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		adapter := m.route(&msg)
		if adapter == nil {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := adapter.Deliver(ctx, &msg); err != nil {
			m.logs.Runtime.Event("channels.deliver_failed",
				"channel", msg.Channel, "message_id", msg.MessageID, "error", err.Error())
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logs.Runtime.Event("channels.outgoing_remove_failed", "path", path, "error", err.Error())
		}
	}
	return nil
}

// RunDispatch loops DispatchOnce until the context is canceled. beat, when
// non-nil, is called after every cycle (the supervisor wires its worker
// heartbeat here).
func (m *Manager) RunDispatch(ctx context.Context, interval time.Duration, beat func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			m.logs.Runtime.Event("channels.dispatch_error", "error", err.Error())
		}
		if beat != nil {
			beat()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) route(msg *queue.OutgoingMessage) Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.adapters[routeKey{channel: msg.Channel, profile: msg.ChannelProfileID}]; ok {
		return a
	}
	return m.fallback[msg.Channel]
}
