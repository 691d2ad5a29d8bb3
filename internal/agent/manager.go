package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
)

// Context modes. Native rides a provider-side session referenced by
// previousResponseId; reset rebuilds the full prompt on a native-capable
// provider; stateless rebuilds every turn.
const (
	ModeNative    = "native"
	ModeReset     = "reset"
	ModeStateless = "stateless"
)

const summaryPreamble = "[Previous conversation summary]\n"

const summarizePrompt = "Summarize the conversation below for your own future reference. " +
	"Preserve goals, decisions, open TODOs, and stated facts. " +
	"Write the summary in the same language as the conversation."

// Manager decides the per-turn context mode, performs rolling summarization,
// shrinks the prompt to budget, and records provider feedback on the session.
type Manager struct {
	builder  *Builder
	provider providers.Provider
	model    string
	cfg      config.ContextConfig
}

func NewManager(builder *Builder, provider providers.Provider, model string, cfg config.ContextConfig) *Manager {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = 200000
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 4000
	}
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = 0.7
	}
	if cfg.HardLimitThreshold <= 0 {
		cfg.HardLimitThreshold = 0.85
	}
	if cfg.RecentMessages <= 0 {
		cfg.RecentMessages = 20
	}
	if cfg.MinRecentMessages <= 0 {
		cfg.MinRecentMessages = 4
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	return &Manager{builder: builder, provider: provider, model: model, cfg: cfg}
}

// BuildResult is the assembled context for one turn.
type BuildResult struct {
	Messages     []providers.Message
	SessionState *providers.SessionState
	Mode         string
	EstTokens    int
	EstRatio     float64
	Summarized   bool
}

// Build assembles the turn context per the mode decision table.
func (m *Manager) Build(ctx context.Context, sess *sessions.Session, content string, media []string, requestedSkills []string) (*BuildResult, error) {
	summarized := m.maybeSummarize(ctx, sess)

	meta := &sess.Metadata.LLMSession
	fingerprint := m.builder.Fingerprint()
	forceReset := summarized ||
		meta.PendingReset ||
		meta.LastContextRatio >= m.cfg.HardLimitThreshold ||
		strings.Contains(meta.LastFinishReason, "length") ||
		(meta.PreviousResponseID != "" && meta.BootstrapFingerprint != fingerprint)

	nativeCapable := m.cfg.EnableNativeSession && m.provider.SupportsNativeSession()

	if nativeCapable && meta.PreviousResponseID != "" && !forceReset {
		msgs := []providers.Message{userMessage(content, media)}
		est := estimateTokens(msgs)
		return &BuildResult{
			Messages:     msgs,
			SessionState: &providers.SessionState{PreviousResponseID: meta.PreviousResponseID, ConversationID: meta.ConversationID},
			Mode:         ModeNative,
			EstTokens:    est,
			EstRatio:     float64(est) / float64(m.cfg.WindowTokens),
			Summarized:   summarized,
		}, nil
	}

	msgs, err := m.buildFull(sess, content, media, requestedSkills)
	if err != nil {
		return nil, err
	}

	mode := ModeStateless
	var state *providers.SessionState
	if nativeCapable {
		mode = ModeReset
		state = &providers.SessionState{}
	}
	meta.BootstrapFingerprint = fingerprint
	meta.PreviousResponseID = ""
	meta.PendingReset = false

	est := estimateTokens(msgs)
	return &BuildResult{
		Messages:     msgs,
		SessionState: state,
		Mode:         mode,
		EstTokens:    est,
		EstRatio:     float64(est) / float64(m.cfg.WindowTokens),
		Summarized:   summarized,
	}, nil
}

// buildFull produces system + summary + recent history + current user turn,
// then shrinks to budget by dropping the oldest retained messages.
func (m *Manager) buildFull(sess *sessions.Session, content string, media []string, requestedSkills []string) ([]providers.Message, error) {
	system, err := m.builder.SystemPrompt(requestedSkills)
	if err != nil {
		return nil, err
	}

	cm := sess.Metadata.Context
	start := cm.SummaryIndex
	if start > len(sess.Messages) {
		start = len(sess.Messages)
	}
	recent := sess.Messages[start:]

	budget := m.cfg.WindowTokens - m.cfg.ReserveTokens
	for {
		msgs := make([]providers.Message, 0, len(recent)+4)
		msgs = append(msgs, providers.Message{Role: "system", Content: system})
		if cm.Summary != "" {
			msgs = append(msgs,
				providers.Message{Role: "user", Content: summaryPreamble + cm.Summary},
				providers.Message{Role: "assistant", Content: "Understood, I will continue from that context."},
			)
		}
		msgs = append(msgs, foldHistory(recent)...)
		msgs = append(msgs, userMessage(content, media))

		if estimateTokens(msgs) <= budget || len(recent) <= m.cfg.MinRecentMessages {
			return msgs, nil
		}
		recent = recent[1:]
	}
}

// maybeSummarize rolls the summary forward when the unsummarized prefix has
// outgrown the threshold. A failed LLM call leaves state unchanged and is
// not retried this turn.
func (m *Manager) maybeSummarize(ctx context.Context, sess *sessions.Session) bool {
	cm := &sess.Metadata.Context
	total := len(sess.Messages)
	cutoff := total - m.cfg.RecentMessages
	if cutoff < cm.SummaryIndex {
		cutoff = cm.SummaryIndex
	}
	if cutoff <= cm.SummaryIndex {
		return false
	}

	pending := sess.Messages[cm.SummaryIndex:cutoff]
	cost := len(cm.Summary) / 4
	for _, msg := range pending {
		cost += (len(msg.Role) + len(msg.Content)) / 4
	}
	threshold := int(m.cfg.SummarizeThreshold * float64(m.cfg.WindowTokens-m.cfg.ReserveTokens))
	if cost <= threshold {
		return false
	}

	var sb strings.Builder
	if cm.Summary != "" {
		sb.WriteString("Existing context: " + cm.Summary + "\n\n")
	}
	for _, msg := range pending {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}

	model := m.cfg.SummaryModel
	if model == "" {
		model = m.model
	}
	resp := m.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: sb.String()},
		},
		Model:       model,
		MaxTokens:   m.cfg.SummaryMaxTokens,
		Temperature: 0.3,
	})
	if resp.IsError() || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("rolling summarization failed", "error", resp.Content)
		return false
	}

	cm.Summary = strings.TrimSpace(resp.Content)
	cm.SummaryIndex = cutoff
	cm.SummaryUpdatedAt = time.Now()
	slog.Info("conversation summarized", "session", sess.Key, "summary_index", cutoff)
	return true
}

// UpdateAfterResponse records provider feedback on the session metadata and
// arms pendingReset when the context is nearly full or was truncated.
func (m *Manager) UpdateAfterResponse(sess *sessions.Session, resp *providers.ChatResponse, estTokens int) {
	meta := &sess.Metadata.LLMSession
	meta.LastFinishReason = resp.FinishReason
	if resp.ResponseID != "" {
		meta.PreviousResponseID = resp.ResponseID
	}
	if resp.ConversationID != "" {
		meta.ConversationID = resp.ConversationID
	}
	if resp.Model != "" {
		meta.Model = resp.Model
	}

	tokens := estTokens
	if resp.Usage != nil {
		meta.LastUsage = resp.Usage
		tokens = resp.Usage.PromptTokens
	}
	meta.LastContextTokens = tokens
	meta.LastContextRatio = float64(tokens) / float64(m.cfg.WindowTokens)
	meta.PendingReset = meta.LastContextRatio >= m.cfg.HardLimitThreshold ||
		strings.Contains(resp.FinishReason, "length")
}

// estimateTokens approximates prompt cost as character count / 4 across role
// labels, content, tool-call payloads, and a flat charge per inline image.
func estimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Role) + len(m.Content) + len(m.ToolCallID) + len(m.Name)
		if len(m.ToolCalls) > 0 {
			if data, err := json.Marshal(m.ToolCalls); err == nil {
				chars += len(data)
			}
		}
		chars += len(m.Images) * 4400
	}
	return chars / 4
}
