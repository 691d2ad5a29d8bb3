package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// Manager owns the lifecycle of all enabled channels. Each channel is
// subscribed to the bus under its own name; the bus dispatcher fans outbound
// messages to the matching Send.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel

	dispatchCancel context.CancelFunc
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel and wires its Send to the bus. Suppressed control
// replies are skipped here so no adapter has to remember the rule.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()

	m.bus.Subscribe(ch.Name(), func(msg bus.OutboundMessage) error {
		if msg.Suppressed() {
			return nil
		}
		return ch.Send(context.Background(), msg)
	})
}

// StartAll starts the bus dispatcher and every registered channel. A channel
// that fails to start is logged and left stopped; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	go m.bus.Dispatch(dispatchCtx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every channel then the dispatcher.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		m.dispatchCancel = nil
	}
	return nil
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Status reports the running state of each registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
