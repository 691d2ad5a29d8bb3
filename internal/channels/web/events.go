package web

import (
	"sync"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// eventBufferCap bounds the per-chat replay buffer.
const eventBufferCap = 256

// event is one outbound message as seen by web clients, with a monotonic
// per-chat sequence number so reconnecting clients can resume.
type event struct {
	Seq      uint64            `json:"seq"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// eventHub keeps a capped replay buffer per chat and fans live events out to
// SSE and websocket subscribers. A subscriber whose queue is full misses that
// event but stays registered.
type eventHub struct {
	mu    sync.Mutex
	chats map[string]*chatEvents
}

type chatEvents struct {
	nextSeq uint64
	buffer  []event
	subs    map[chan event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{chats: make(map[string]*chatEvents)}
}

func (h *eventHub) chat(chatID string) *chatEvents {
	c, ok := h.chats[chatID]
	if !ok {
		c = &chatEvents{subs: make(map[chan event]struct{})}
		h.chats[chatID] = c
	}
	return c
}

// Publish buffers an outbound message and delivers it to live subscribers.
// Streaming deltas are delivered live but not buffered; replay only carries
// complete messages.
func (h *eventHub) Publish(msg bus.OutboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.chat(msg.ChatID)
	c.nextSeq++
	ev := event{
		Seq:      c.nextSeq,
		Content:  msg.Content,
		Media:    msg.Media,
		Metadata: msg.Metadata,
	}

	if !msg.IsStream() || msg.IsFinal() {
		c.buffer = append(c.buffer, ev)
		if len(c.buffer) > eventBufferCap {
			c.buffer = c.buffer[len(c.buffer)-eventBufferCap:]
		}
	}

	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live feed for a chat and returns any buffered events
// newer than since.
func (h *eventHub) Subscribe(chatID string, since uint64) (<-chan event, []event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.chat(chatID)
	ch := make(chan event, 32)
	c.subs[ch] = struct{}{}

	var replay []event
	for _, ev := range c.buffer {
		if ev.Seq > since {
			replay = append(replay, ev)
		}
	}

	cancel := func() {
		h.mu.Lock()
		delete(c.subs, ch)
		h.mu.Unlock()
	}
	return ch, replay, cancel
}
