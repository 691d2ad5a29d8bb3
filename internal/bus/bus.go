package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultQueueSize = 256

// MessageBus is the in-process pub/sub hub between channels and the agent loop.
// Inbound flows channel → loop; outbound flows loop → per-channel subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]SubscribeFunc
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultQueueSize),
		outbound:    make(chan OutboundMessage, defaultQueueSize),
		subscribers: make(map[string][]SubscribeFunc),
	}
}

// PublishInbound enqueues a message from a channel. If the inbound queue is
// full the message is dropped and logged; channels must not block forever on
// a stalled loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	stampEnqueued(&msg.Metadata)
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
// The second return is false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for dispatch to channel subscribers.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	stampEnqueued(&msg.Metadata)
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// Subscribe registers a callback for outbound messages on a channel.
// Registration is startup-time only; the dispatcher reads under RLock.
func (b *MessageBus) Subscribe(channel string, fn SubscribeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// Dispatch runs the outbound fan-out until ctx is cancelled. Callbacks for one
// message run sequentially; a failing callback is logged and skipped so one
// broken channel never poisons the others.
func (b *MessageBus) Dispatch(ctx context.Context) {
	slog.Info("bus: outbound dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("bus: outbound dispatcher stopped")
			return
		case msg := <-b.outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()

			if len(subs) == 0 {
				slog.Debug("bus: no subscribers for channel", "channel", msg.Channel)
				continue
			}
			for _, fn := range subs {
				if err := safeInvoke(fn, msg); err != nil {
					slog.Warn("bus: subscriber failed",
						"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
				}
			}
		}
	}
}

func safeInvoke(fn SubscribeFunc, msg OutboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(msg)
}

func stampEnqueued(meta *map[string]string) {
	if *meta == nil {
		*meta = make(map[string]string, 2)
	}
	(*meta)[MetaEnqueuedAt] = fmt.Sprintf("%d", time.Now().UnixMilli())
}
