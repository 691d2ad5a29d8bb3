package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// Channel is the adapter contract every transport implements. Start and Stop
// bound the transport lifecycle; Send delivers one outbound message that the
// bus dispatcher routed to this channel.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the pieces every adapter shares: the channel name, the
// bus handle, and a running flag. Adapters embed it and publish inbound
// messages through it so session keys and trace propagation stay uniform.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	running atomic.Bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus}
}

func (b *BaseChannel) Name() string        { return b.name }
func (b *BaseChannel) IsRunning() bool     { return b.running.Load() }
func (b *BaseChannel) SetRunning(on bool)  { b.running.Store(on) }
func (b *BaseChannel) Bus() *bus.MessageBus { return b.bus }

// PublishInbound forwards a user message to the agent loop. sessionKey may be
// empty, in which case the loop derives "<channel>:<chatId>".
func (b *BaseChannel) PublishInbound(senderID, chatID, content string, media []string, sessionKey string, extra map[string]string) {
	metadata := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		metadata[k] = v
	}
	if sessionKey != "" {
		metadata["session_key"] = sessionKey
	}
	b.bus.PublishInbound(bus.InboundMessage{
		Channel:  b.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
}

// GroupSessionKey returns the base key for a group conversation.
func GroupSessionKey(channel, groupID string) string {
	return channel + ":group:" + groupID
}

// DirectSessionKey returns the base key for a one-on-one conversation.
func DirectSessionKey(channel, userID string) string {
	return channel + ":p2p:" + userID
}

// StreamAssembler reassembles streaming deltas into full messages for
// transports that cannot render partial text. Collect returns the complete
// content once the final chunk arrives; non-stream messages pass through.
type StreamAssembler struct {
	mu   sync.Mutex
	bufs map[string]*strings.Builder
}

func NewStreamAssembler() *StreamAssembler {
	return &StreamAssembler{bufs: make(map[string]*strings.Builder)}
}

func (a *StreamAssembler) Collect(msg bus.OutboundMessage) (string, bool) {
	if !msg.IsStream() {
		return msg.Content, true
	}
	id := msg.Metadata[bus.MetaStreamID]
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.bufs[id]
	if !ok {
		buf = &strings.Builder{}
		a.bufs[id] = buf
	}
	buf.WriteString(msg.Content)
	if !msg.IsFinal() {
		return "", false
	}
	delete(a.bufs, id)
	return buf.String(), true
}

// Truncate shortens s to max runes for log previews.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
