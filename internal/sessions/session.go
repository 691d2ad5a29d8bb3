// Package sessions persists conversation history as per-session JSONL files
// with an "active pointer" index.
//
// Base keys identify a conversation scope:
//
//	Group: {channel}:group:{groupId}
//	DM:    {channel}:p2p:{userId}
//	Web:   web:{chatId}:{sessionName}   (channel pins the exact active key)
//
// The active key is the base key plus a timestamp suffix:
//
//	telegram:p2p:386246614#20260824153000
//
// active.json maps base key to active key and is the single source of truth
// for which session is current. A /new command mints a fresh active key;
// prior session files stay on disk and remain readable.
package sessions

import (
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Message is one persisted conversation record.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Media     []string  `json:"media,omitempty"`
}

// ContextMeta tracks the rolling summary over the message log prefix.
type ContextMeta struct {
	Summary          string    `json:"summary,omitempty"`
	SummaryIndex     int       `json:"summaryIndex,omitempty"`
	SummaryUpdatedAt time.Time `json:"summaryUpdatedAt,omitempty"`
}

// LLMSessionMeta tracks provider-side conversation state and context telemetry.
type LLMSessionMeta struct {
	PreviousResponseID   string          `json:"previousResponseId,omitempty"`
	ConversationID       string          `json:"conversationId,omitempty"`
	BootstrapFingerprint string          `json:"bootstrapFingerprint,omitempty"`
	PendingReset         bool            `json:"pendingReset,omitempty"`
	LastContextTokens    int             `json:"lastContextTokens,omitempty"`
	LastContextRatio     float64         `json:"lastContextRatio,omitempty"`
	LastFinishReason     string          `json:"lastFinishReason,omitempty"`
	LastUsage            *providers.Usage `json:"lastUsage,omitempty"`
	Model                string          `json:"model,omitempty"`
}

// Metadata is the session-level metadata persisted in the JSONL header.
type Metadata struct {
	Context    ContextMeta    `json:"context"`
	LLMSession LLMSessionMeta `json:"llmSession"`
}

// Session is the in-memory form of one conversation log. It is owned by the
// agent loop for the duration of a turn; concurrent writers are forbidden.
type Session struct {
	Key       string    `json:"key"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Metadata  Metadata  `json:"metadata"`
}

// AddMessage appends one record and bumps UpdatedAt.
func (s *Session) AddMessage(role, content string, media []string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Media:     media,
	})
	s.UpdatedAt = time.Now()
}

// BaseKey strips the timestamp suffix from an active key.
func BaseKey(key string) string {
	if i := strings.LastIndex(key, "#"); i >= 0 {
		return key[:i]
	}
	return key
}

// IsActiveKey reports whether key carries a timestamp suffix.
func IsActiveKey(key string) bool {
	return strings.Contains(key, "#")
}
