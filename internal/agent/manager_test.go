package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
)

func newTestManager(t *testing.T, ws string, provider providers.Provider, cfg config.ContextConfig) *Manager {
	t.Helper()
	builder := NewBuilder(ws, memory.NewStore(ws), skills.NewLoader(ws, ""))
	return NewManager(builder, provider, "test-model", cfg)
}

func seededSession(key string, turns int) *sessions.Session {
	sess := &sessions.Session{Key: key}
	for i := 0; i < turns; i++ {
		sess.AddMessage("user", strings.Repeat("question ", 50), nil)
		sess.AddMessage("assistant", strings.Repeat("answer ", 50), nil)
	}
	return sess
}

func TestModeNativeWhenStateCarried(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{native: true}
	m := newTestManager(t, ws, provider, config.ContextConfig{EnableNativeSession: true})

	sess := seededSession("test:1", 2)
	sess.Metadata.LLMSession.PreviousResponseID = "resp_1"
	sess.Metadata.LLMSession.BootstrapFingerprint = m.builder.Fingerprint()

	build, err := m.Build(context.Background(), sess, "hi again", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if build.Mode != ModeNative {
		t.Fatalf("mode = %q, want native", build.Mode)
	}
	if len(build.Messages) != 1 || build.Messages[0].Role != "user" {
		t.Errorf("native messages = %+v", build.Messages)
	}
	if build.SessionState == nil || build.SessionState.PreviousResponseID != "resp_1" {
		t.Errorf("session state = %+v", build.SessionState)
	}
}

func TestModeResetOnPendingReset(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{native: true}
	m := newTestManager(t, ws, provider, config.ContextConfig{EnableNativeSession: true})

	sess := seededSession("test:1", 2)
	sess.Metadata.LLMSession.PreviousResponseID = "resp_1"
	sess.Metadata.LLMSession.BootstrapFingerprint = m.builder.Fingerprint()
	sess.Metadata.LLMSession.PendingReset = true

	build, err := m.Build(context.Background(), sess, "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if build.Mode != ModeReset {
		t.Fatalf("mode = %q, want reset", build.Mode)
	}
	if build.Messages[0].Role != "system" {
		t.Error("reset build lacks system prompt")
	}
	if build.SessionState == nil || build.SessionState.PreviousResponseID != "" {
		t.Errorf("session state = %+v", build.SessionState)
	}
	if sess.Metadata.LLMSession.PendingReset {
		t.Error("pendingReset not consumed")
	}
}

func TestModeResetOnBootstrapChange(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{native: true}
	m := newTestManager(t, ws, provider, config.ContextConfig{EnableNativeSession: true})

	sess := seededSession("test:1", 1)
	sess.Metadata.LLMSession.PreviousResponseID = "resp_1"
	sess.Metadata.LLMSession.BootstrapFingerprint = "stale-fingerprint"

	build, err := m.Build(context.Background(), sess, "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if build.Mode != ModeReset {
		t.Fatalf("mode = %q, want reset after bootstrap change", build.Mode)
	}
}

func TestModeStatelessWithoutNativeSupport(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{native: false}
	m := newTestManager(t, ws, provider, config.ContextConfig{EnableNativeSession: true})

	build, err := m.Build(context.Background(), seededSession("test:1", 1), "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if build.Mode != ModeStateless {
		t.Fatalf("mode = %q, want stateless", build.Mode)
	}
	if build.SessionState != nil {
		t.Errorf("stateless build carries session state: %+v", build.SessionState)
	}
}

func TestSummarizeIdempotentOnEmptyGrowth(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{}
	m := newTestManager(t, ws, provider, config.ContextConfig{RecentMessages: 20})

	sess := seededSession("test:1", 5) // 10 messages, all within the recent window
	if m.maybeSummarize(context.Background(), sess) {
		t.Fatal("summarized despite no growth past the recent window")
	}
	if sess.Metadata.Context.Summary != "" || sess.Metadata.Context.SummaryIndex != 0 {
		t.Errorf("summary state mutated: %+v", sess.Metadata.Context)
	}
	if len(provider.recorded()) != 0 {
		t.Error("provider called for a no-op summarization")
	}
}

func TestSummarizeRollsForward(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "condensed history", FinishReason: "stop"},
	}}
	m := newTestManager(t, ws, provider, config.ContextConfig{
		WindowTokens:   2000,
		ReserveTokens:  100,
		RecentMessages: 2,
	})

	sess := seededSession("test:1", 10)
	if !m.maybeSummarize(context.Background(), sess) {
		t.Fatal("expected summarization to run")
	}
	cm := sess.Metadata.Context
	if cm.Summary != "condensed history" {
		t.Errorf("summary = %q", cm.Summary)
	}
	if want := len(sess.Messages) - 2; cm.SummaryIndex != want {
		t.Errorf("summaryIndex = %d, want %d", cm.SummaryIndex, want)
	}
}

func TestSummarizeFailureLeavesStateUnchanged(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		providers.ErrorResponse("rate limited"),
	}}
	m := newTestManager(t, ws, provider, config.ContextConfig{
		WindowTokens:   2000,
		ReserveTokens:  100,
		RecentMessages: 2,
	})

	sess := seededSession("test:1", 10)
	if m.maybeSummarize(context.Background(), sess) {
		t.Fatal("failed summarization reported success")
	}
	if sess.Metadata.Context.Summary != "" || sess.Metadata.Context.SummaryIndex != 0 {
		t.Errorf("summary state mutated on failure: %+v", sess.Metadata.Context)
	}
}

func TestShrinkToBudgetKeepsMinimumRecent(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		providers.ErrorResponse("no summaries in this test"),
	}}
	m := newTestManager(t, ws, provider, config.ContextConfig{
		WindowTokens:      800,
		ReserveTokens:     100,
		RecentMessages:    50,
		MinRecentMessages: 2,
	})

	sess := seededSession("test:1", 20)
	build, err := m.Build(context.Background(), sess, "one more question", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(build.Messages) >= 2+len(sess.Messages) {
		t.Errorf("messages = %d, shrink did not engage", len(build.Messages))
	}
	// The loop stops once the estimate fits the budget or only the minimum
	// recent window remains.
	if estimateTokens(build.Messages) > 700 && len(build.Messages) > 1+2+1 {
		t.Errorf("estimate over budget with %d messages retained", len(build.Messages))
	}
	if build.Messages[len(build.Messages)-1].Content != "one more question" {
		t.Error("current user turn missing after shrink")
	}
}

func TestUpdateAfterResponse(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	m := newTestManager(t, ws, &scriptedProvider{}, config.ContextConfig{
		WindowTokens:       1000,
		HardLimitThreshold: 0.8,
	})

	sess := seededSession("test:1", 1)
	m.UpdateAfterResponse(sess, &providers.ChatResponse{
		Content:      "hi",
		FinishReason: "stop",
		ResponseID:   "resp_9",
		Model:        "test-model-2",
		Usage:        &providers.Usage{PromptTokens: 900, TotalTokens: 950},
	}, 123)

	meta := sess.Metadata.LLMSession
	if meta.PreviousResponseID != "resp_9" || meta.Model != "test-model-2" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.LastContextTokens != 900 || meta.LastContextRatio != 0.9 {
		t.Errorf("context telemetry = %d / %v", meta.LastContextTokens, meta.LastContextRatio)
	}
	if !meta.PendingReset {
		t.Error("pendingReset not set at 90% of window")
	}

	m.UpdateAfterResponse(sess, &providers.ChatResponse{FinishReason: "length"}, 10)
	if !sess.Metadata.LLMSession.PendingReset {
		t.Error("pendingReset not set on length finish")
	}
}
