package bus

// InboundMessage represents a message received from a channel (Discord, Telegram, web, cli).
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`    // local paths or HTTP(S) URLs
	Metadata map[string]string `json:"metadata,omitempty"` // trace_id, session_key, channel extras
}

// SessionKey returns the session base key pinned in metadata, or the
// default "<channel>:<chatId>" base key.
func (m InboundMessage) SessionKey() string {
	if k := m.Metadata["session_key"]; k != "" {
		return k
	}
	return m.Channel + ":" + m.ChatID
}

// TraceID returns the propagated trace id, if any.
func (m InboundMessage) TraceID() string {
	return m.Metadata["trace_id"]
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Streaming metadata keys. A streaming delta carries MetaStream="true" with a
// shared MetaStreamID; the terminating chunk has MetaFinal="true".
const (
	MetaStream   = "stream"
	MetaStreamID = "stream_id"
	MetaFinal    = "final"

	// MetaSuppress marks control replies already delivered by another path
	// (e.g. the message tool); subscribers must not render them.
	MetaSuppress = "_suppress_outbound"

	// MetaEnqueuedAt is stamped by the bus on every enqueue (unix ms).
	MetaEnqueuedAt = "_enqueuedAt"
)

// IsStream reports whether this message is a streaming delta.
func (m OutboundMessage) IsStream() bool { return m.Metadata[MetaStream] == "true" }

// IsFinal reports whether this is the terminating chunk of a stream.
func (m OutboundMessage) IsFinal() bool { return m.Metadata[MetaFinal] == "true" }

// Suppressed reports whether delivery happened elsewhere already.
func (m OutboundMessage) Suppressed() bool { return m.Metadata[MetaSuppress] == "true" }

// SubscribeFunc handles an outbound message for one channel.
type SubscribeFunc func(OutboundMessage) error
