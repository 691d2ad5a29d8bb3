package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"

	"github.com/google/uuid"
)

// streamState buffers adapter text deltas and flushes them to the bus as
// streaming chunks. Flushing is both size- and time-triggered; the terminal
// chunk carries the turn metadata.
type streamState struct {
	bus      *bus.MessageBus
	channel  string
	chatID   string
	traceID  string
	streamID string

	minChars    int
	minInterval time.Duration

	buf       strings.Builder
	lastFlush time.Time
	sentAny   bool
	seq       int
}

func newStreamState(b *bus.MessageBus, channel, chatID, traceID string, minChars int, minInterval time.Duration) *streamState {
	return &streamState{
		bus:         b,
		channel:     channel,
		chatID:      chatID,
		traceID:     traceID,
		streamID:    uuid.NewString()[:8],
		minChars:    minChars,
		minInterval: minInterval,
		lastFlush:   time.Now(),
	}
}

// onDelta is handed to the adapter; it accumulates and flushes when both the
// size and interval thresholds are met.
func (s *streamState) onDelta(text string) {
	s.buf.WriteString(text)
	if s.buf.Len() >= s.minChars && time.Since(s.lastFlush) >= s.minInterval {
		s.flush(false, nil)
	}
}

// discard drops the buffered deltas of a response that turned out to carry
// tool calls rather than user-facing text.
func (s *streamState) discard() {
	s.buf.Reset()
}

// finish emits the terminal chunk with any remaining buffer and the turn
// metadata. Only meaningful when at least one chunk was already sent.
func (s *streamState) finish(meta map[string]string) {
	s.flush(true, meta)
}

func (s *streamState) flush(final bool, extra map[string]string) {
	content := s.buf.String()
	s.buf.Reset()
	if content == "" && !final {
		return
	}

	meta := map[string]string{
		bus.MetaStream:   "true",
		bus.MetaStreamID: s.streamID,
		bus.MetaFinal:    fmt.Sprint(final),
		"traceId":        s.traceID,
		"seq":            fmt.Sprint(s.seq),
	}
	for k, v := range extra {
		meta[k] = v
	}
	s.seq++
	s.sentAny = true
	s.lastFlush = time.Now()

	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  s.channel,
		ChatID:   s.chatID,
		Content:  content,
		Metadata: meta,
	})
}
