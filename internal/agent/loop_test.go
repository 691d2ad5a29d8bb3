package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// scriptedProvider replays a fixed response sequence and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
	native    bool
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) *providers.ChatResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return providers.ErrorResponse("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	if req.OnDelta != nil && resp.Content != "" && len(resp.ToolCalls) == 0 {
		req.OnDelta(resp.Content)
	}
	return resp
}

func (p *scriptedProvider) SupportsNativeSession() bool { return p.native }
func (p *scriptedProvider) DefaultModel() string        { return "test-model" }
func (p *scriptedProvider) Name() string                { return "scripted" }

func (p *scriptedProvider) recorded() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.requests...)
}

// recordingTool accepts any arguments and records each execution.
type recordingTool struct {
	name  string
	reply string

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool " + r.name }
func (r *recordingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (r *recordingTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	reply := r.reply
	if reply == "" {
		reply = "ok"
	}
	return tools.NewResult(reply)
}

func (r *recordingTool) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type outboundCollector struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (c *outboundCollector) add(m bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *outboundCollector) wait(t *testing.T, n int) []bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]bus.OutboundMessage(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d outbound messages, got %d", n, len(c.msgs))
	return nil
}

type fixture struct {
	loop      *Loop
	provider  *scriptedProvider
	store     *sessions.Store
	collector *outboundCollector
	tools     map[string]*recordingTool
	workspace string
}

func writeAgents(t *testing.T, ws string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(ws, bootstrap.AgentsFile), []byte("# Agent\nBe helpful."), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeSkill(t *testing.T, ws, name, body string) {
	t.Helper()
	dir := filepath.Join(ws, "skills", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, ws string, responses []*providers.ChatResponse, mutate func(*config.AgentDefaults), native bool) *fixture {
	t.Helper()

	provider := &scriptedProvider{responses: responses, native: native}
	b := bus.NewMessageBus()
	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	recorded := make(map[string]*recordingTool)
	for _, name := range []string{"web_search", "web_fetch", "exec", "write_file", "read_file"} {
		rt := &recordingTool{name: name, reply: name + " done"}
		recorded[name] = rt
		registry.Register(rt)
	}
	registry.Register(tools.NewMessageTool(b))

	defaults := config.AgentDefaults{
		Model:             "test-model",
		MaxTokens:         1024,
		MaxToolIterations: 10,
		MaxSkills:         3,
		Context: config.ContextConfig{
			WindowTokens:   100000,
			ReserveTokens:  1000,
			RecentMessages: 20,
		},
	}
	if mutate != nil {
		mutate(&defaults)
	}

	loop := New(Config{
		Bus:       b,
		Sessions:  store,
		Memory:    memory.NewStore(ws),
		Skills:    skills.NewLoader(ws, ""),
		Registry:  registry,
		Provider:  provider,
		Workspace: ws,
		Defaults:  defaults,
	})

	collector := &outboundCollector{}
	b.Subscribe("test", collector.add)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Dispatch(ctx)
	t.Cleanup(cancel)

	return &fixture{
		loop:      loop,
		provider:  provider,
		store:     store,
		collector: collector,
		tools:     recorded,
		workspace: ws,
	}
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "test", SenderID: "u1", ChatID: "42", Content: content}
}

func toolNames(defs []providers.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Function.Name
	}
	return names
}

func hasSystemReminder(msgs []providers.Message, substr string) bool {
	for _, m := range msgs {
		if m.Role == "system" && strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}

func TestRealtimeForcing(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "web_search", Arguments: map[string]interface{}{"query": "today ai news"}}}, FinishReason: "tool_calls"},
		{Content: "top 3 news with links", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("帮我搜索今天 AI 领域最重要的三条新闻"))

	reqs := fx.provider.recorded()
	if len(reqs) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(reqs))
	}
	if reqs[0].ToolChoice != providers.ToolChoiceRequired {
		t.Errorf("first call toolChoice = %q, want required", reqs[0].ToolChoice)
	}
	names := toolNames(reqs[0].Tools)
	if len(names) != 2 || names[0] != "web_search" || names[1] != "web_fetch" {
		t.Errorf("first call tools = %v", names)
	}

	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "top 3 news with links" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}
}

func TestRealtimeRetry(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "I cannot browse right now.", FinishReason: "stop"},
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "web_search", Arguments: map[string]interface{}{"query": "latest ai news"}}}, FinishReason: "tool_calls"},
		{Content: "verified answer with links", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("帮我搜索今天 AI 领域最重要的三条新闻"))

	reqs := fx.provider.recorded()
	if len(reqs) != 3 {
		t.Fatalf("adapter calls = %d, want 3", len(reqs))
	}
	if !hasSystemReminder(reqs[1].Messages, "Realtime verification retry") {
		t.Error("second call lacks the realtime retry reminder")
	}
	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "verified answer with links" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}
}

const researchSkill = `---
name: research
description: Deep research with mandatory write-up
metadata:
  nanobot:
    triggers: ["研究"]
    workflow:
      completion:
        requireToolCalls:
          - name: write_file
            args:
              path: "^memory/learnings/[^/]+\\.md$"
      retry:
        enforcementRetries: 2
---
Research the topic and persist findings under memory/learnings/.
`

func TestWorkflowPass(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	writeSkill(t, ws, "research", researchSkill)

	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "我先研究一下这个话题。", FinishReason: "stop"},
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "write_file", Arguments: map[string]interface{}{
			"path": "memory/learnings/python-performance-optimization.md", "content": "# 研究结论",
		}}}, FinishReason: "tool_calls"},
		{Content: "主人，研究已完成并已落盘。", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("研究一下 python 性能优化"))

	if n := fx.tools["write_file"].callCount(); n != 1 {
		t.Errorf("write_file executions = %d, want 1", n)
	}
	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "主人，研究已完成并已落盘。" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}
}

const researchSkillOneRetry = `---
name: research
description: Deep research with mandatory write-up
metadata:
  nanobot:
    triggers: ["研究"]
    workflow:
      completion:
        requireToolCalls:
          - name: write_file
            args:
              path: "^memory/learnings/[^/]+\\.md$"
      retry:
        enforcementRetries: 1
        failureMode: explain_missing
---
Research the topic and persist findings under memory/learnings/.
`

func TestWorkflowExplainMissing(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	writeSkill(t, ws, "research", researchSkillOneRetry)

	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "研究完成了。", FinishReason: "stop"},
		{Content: "我真的研究完成了。", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("研究一下 rust 性能优化"))

	reqs := fx.provider.recorded()
	if len(reqs) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(reqs))
	}
	if !hasSystemReminder(reqs[1].Messages, "Workflow enforcement retry") {
		t.Error("second call lacks the workflow retry reminder")
	}
	out := fx.collector.wait(t, 1)
	final := out[len(out)-1].Content
	if !strings.Contains(final, "Workflow requirements not yet satisfied") {
		t.Errorf("final content = %q", final)
	}
	if !strings.Contains(final, `write_file(path_regex=^memory/learnings/[^/]+\.md$)`) {
		t.Errorf("final content missing rule listing: %q", final)
	}
}

const monitorSkill = `---
name: monitor
description: Live server monitoring
metadata:
  nanobot:
    triggers: ["监控"]
    tags: ["realtime"]
---
Check live infrastructure state with exec.
`

func TestToolRoundLimit(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	writeSkill(t, ws, "monitor", monitorSkill)

	fx := newFixture(t, ws, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "exec", Arguments: map[string]interface{}{"command": "uptime"}}}, FinishReason: "tool_calls"},
		{ToolCalls: []providers.ToolCall{{ID: "2", Name: "exec", Arguments: map[string]interface{}{"command": "df -h"}}}, FinishReason: "tool_calls"},
		{Content: "forced summary", FinishReason: "stop"},
	}, func(d *config.AgentDefaults) {
		d.Context.SkillToolRoundLimit = 2
	}, false)

	fx.loop.HandleMessage(context.Background(), inbound("帮我监控服务器状态"))

	if n := fx.tools["exec"].callCount(); n != 2 {
		t.Errorf("exec executions = %d, want 2", n)
	}
	reqs := fx.provider.recorded()
	if len(reqs) != 3 {
		t.Fatalf("adapter calls = %d, want 3", len(reqs))
	}
	if len(reqs[2].Tools) != 0 || reqs[2].ToolChoice != providers.ToolChoiceNone {
		t.Errorf("forced call tools = %v choice = %q", toolNames(reqs[2].Tools), reqs[2].ToolChoice)
	}
	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "forced summary" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}
}

func TestAttachmentAutoInfer(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	target := filepath.Join(ws, "memory", "learnings", "js-performance-optimization.md")
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("# js perf"), 0644); err != nil {
		t.Fatal(err)
	}

	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "主人，已发你了，附件就是 `js-performance-optimization.md`。", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("把昨天的js学习笔记发我"))

	out := fx.collector.wait(t, 1)
	final := out[len(out)-1]
	if len(final.Media) != 1 || !strings.HasSuffix(final.Media[0], "js-performance-optimization.md") {
		t.Fatalf("outbound media = %v", final.Media)
	}
	if !filepath.IsAbs(final.Media[0]) {
		t.Errorf("media path not absolute: %q", final.Media[0])
	}

	sess, err := fx.store.GetOrCreate("test:42")
	if err != nil {
		t.Fatal(err)
	}
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != "assistant" || len(last.Media) != 1 || last.Media[0] != final.Media[0] {
		t.Errorf("persisted assistant message = %+v", last)
	}
}

func TestNativeProbeRecovery(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)

	fx := newFixture(t, ws, []*providers.ChatResponse{
		providers.ErrorResponse("previous response not found"),
		{Content: "recovered", FinishReason: "stop", ResponseID: "resp_new"},
	}, func(d *config.AgentDefaults) {
		d.Context.EnableNativeSession = true
	}, true)

	sess, err := fx.store.GetOrCreate("test:42")
	if err != nil {
		t.Fatal(err)
	}
	sess.Metadata.LLMSession.PreviousResponseID = "resp_old"
	sess.Metadata.LLMSession.BootstrapFingerprint = bootstrap.Fingerprint(ws)
	if err := fx.store.Save(sess); err != nil {
		t.Fatal(err)
	}

	fx.loop.HandleMessage(context.Background(), inbound("continue where we left off"))

	reqs := fx.provider.recorded()
	if len(reqs) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(reqs))
	}
	if reqs[0].SessionState == nil || reqs[0].SessionState.PreviousResponseID != "resp_old" {
		t.Errorf("probe session state = %+v", reqs[0].SessionState)
	}
	for _, m := range reqs[0].Messages {
		if m.Role == "system" {
			t.Error("native probe carried a system message")
		}
	}
	if len(reqs[1].Messages) == 0 || reqs[1].Messages[0].Role != "system" {
		t.Error("reset call lacks a full system prompt")
	}
	if reqs[1].SessionState == nil || reqs[1].SessionState.PreviousResponseID != "" {
		t.Errorf("reset session state = %+v", reqs[1].SessionState)
	}

	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "recovered" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}

	sess, _ = fx.store.GetOrCreate("test:42")
	if sess.Metadata.LLMSession.PreviousResponseID != "resp_new" {
		t.Errorf("previousResponseId = %q, want resp_new", sess.Metadata.LLMSession.PreviousResponseID)
	}
}

func TestNewCommandStartsFreshSession(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, nil, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("/new"))

	out := fx.collector.wait(t, 1)
	if out[0].Content != newSessionGreeting {
		t.Errorf("greeting = %q", out[0].Content)
	}
	if len(fx.provider.recorded()) != 0 {
		t.Errorf("adapter calls on empty-session /new = %d, want 0", len(fx.provider.recorded()))
	}
}

func TestNewCommandMatchesExactly(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "here is a newsletter draft", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("/newsletter draft please"))

	if n := len(fx.provider.recorded()); n != 1 {
		t.Fatalf("adapter calls = %d, want 1", n)
	}
	out := fx.collector.wait(t, 1)
	if out[0].Content != "here is a newsletter draft" {
		t.Errorf("final content = %q", out[0].Content)
	}
}

func TestDuplicateFinalAfterMessageToolSuppressed(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "message", Arguments: map[string]interface{}{"content": "Report is ready."}}}, FinishReason: "tool_calls"},
		{Content: "Report is ready.", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("ping me when the report is ready"))

	out := fx.collector.wait(t, 2)
	if out[0].Content != "Report is ready." || out[0].Suppressed() {
		t.Errorf("message-tool send = %+v", out[0])
	}
	final := out[len(out)-1]
	if final.Content != "Report is ready." {
		t.Errorf("final content = %q", final.Content)
	}
	if !final.Suppressed() {
		t.Error("duplicate final delivery not suppressed")
	}
	if final.Metadata["traceId"] == "" {
		t.Error("suppressed final dropped its metadata")
	}
}

func TestDistinctFinalAfterMessageToolNotSuppressed(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: "message", Arguments: map[string]interface{}{"content": "Halfway there."}}}, FinishReason: "tool_calls"},
		{Content: "All done, see the summary above.", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("long task with a progress ping"))

	out := fx.collector.wait(t, 2)
	final := out[len(out)-1]
	if final.Content != "All done, see the summary above." {
		t.Errorf("final content = %q", final.Content)
	}
	if final.Suppressed() {
		t.Error("distinct final delivery wrongly suppressed")
	}
}

func TestDuplicateAdjacentToolCallsDeduped(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
			{ID: "2", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
		}, FinishReason: "tool_calls"},
		{Content: "done", FinishReason: "stop"},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("read a.txt twice"))

	if n := fx.tools["read_file"].callCount(); n != 1 {
		t.Errorf("read_file executions = %d, want 1", n)
	}
	out := fx.collector.wait(t, 1)
	if out[len(out)-1].Content != "done" {
		t.Errorf("final content = %q", out[len(out)-1].Content)
	}
}

func TestTurnMetadataOnFinalOutbound(t *testing.T) {
	ws := t.TempDir()
	writeAgents(t, ws)
	fx := newFixture(t, ws, []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 500, TotalTokens: 520}},
	}, nil, false)

	fx.loop.HandleMessage(context.Background(), inbound("hello"))

	out := fx.collector.wait(t, 1)
	meta := out[len(out)-1].Metadata
	for _, key := range []string{"traceId", "agentTotalS", "agentLlmS", "agentToolsS", "contextMode", "contextEstTokens", "contextEstRatio"} {
		if meta[key] == "" {
			t.Errorf("metadata missing %s: %v", key, meta)
		}
	}
	if meta["contextMode"] != ModeStateless {
		t.Errorf("contextMode = %q", meta["contextMode"])
	}
	if meta["contextSource"] != "usage" {
		t.Errorf("contextSource = %q", meta["contextSource"])
	}
}
