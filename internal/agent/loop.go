// Package agent drives the per-message think/act/observe cycle: context
// assembly, LLM calls with tool execution, workflow enforcement, streaming,
// and session persistence.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/internal/tracing"
)

const newSessionGreeting = "✨ Started a fresh session. The previous conversation is archived but stays on disk."

const realtimeRetryReminder = "Realtime verification retry: you must call a web tool " +
	"(web_search or web_fetch) to verify before answering this real-time question."

const fallbackErrorText = "Something went wrong while processing your message. Please try again."

var realtimeWebTools = []string{"web_search", "web_fetch"}

// Loop is the single-concurrent agent runtime. It owns the sessions for the
// duration of each turn; channels only ever talk to it through the bus.
type Loop struct {
	bus      *bus.MessageBus
	store    *sessions.Store
	memory   *memory.Store
	skills   *skills.Loader
	registry *tools.Registry
	provider providers.Provider
	builder  *Builder
	ctxmgr   *Manager

	workspace string
	defaults  config.AgentDefaults
}

// Config wires the loop's collaborators.
type Config struct {
	Bus       *bus.MessageBus
	Sessions  *sessions.Store
	Memory    *memory.Store
	Skills    *skills.Loader
	Registry  *tools.Registry
	Provider  providers.Provider
	Workspace string
	Defaults  config.AgentDefaults
}

func New(cfg Config) *Loop {
	if cfg.Defaults.MaxToolIterations <= 0 {
		cfg.Defaults.MaxToolIterations = 20
	}
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = cfg.Provider.DefaultModel()
	}
	if cfg.Defaults.StreamMinChars <= 0 {
		cfg.Defaults.StreamMinChars = 60
	}
	if cfg.Defaults.StreamMinIntervalS <= 0 {
		cfg.Defaults.StreamMinIntervalS = 1.0
	}
	builder := NewBuilder(cfg.Workspace, cfg.Memory, cfg.Skills)
	return &Loop{
		bus:       cfg.Bus,
		store:     cfg.Sessions,
		memory:    cfg.Memory,
		skills:    cfg.Skills,
		registry:  cfg.Registry,
		provider:  cfg.Provider,
		builder:   builder,
		ctxmgr:    NewManager(builder, cfg.Provider, cfg.Defaults.Model, cfg.Defaults.Context),
		workspace: cfg.Workspace,
		defaults:  cfg.Defaults,
	}
}

// Run consumes inbound messages until ctx is cancelled. Turns are processed
// one at a time; session ordering follows inbound-queue order.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("agent loop started", "model", l.defaults.Model, "provider", l.provider.Name())
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("agent loop stopped")
			return
		}
		l.HandleMessage(ctx, msg)
	}
}

// turnState carries the working set of one inbound turn.
type turnState struct {
	channel string
	chatID  string
	traceID string

	sess      *sessions.Session
	requested []string
	build     *BuildResult

	messages     []providers.Message
	sessionState *providers.SessionState

	turnCtx *tools.TurnContext
	wf      *workflowEngine

	realtime          bool
	realtimeSatisfied bool
	realtimeRetried   bool

	toolRounds     int
	forceSummary   bool
	seenSignatures map[string]bool
	lastSig        string
	lastSigResult  string

	wfRetries int

	llmDur  time.Duration
	toolDur time.Duration

	stream *streamState

	milestoneMsgs []string
}

// HandleMessage processes one inbound message end to end. Nothing escapes:
// panics and errors become a single fallback outbound text.
func (l *Loop) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	channel, chatID := msg.Channel, msg.ChatID
	sessionKey := msg.SessionKey()

	// Sub-agent completion announces arrive on the system channel with the
	// originating "channel:chatId" packed into ChatID.
	if msg.Channel == "system" {
		if ch, id, ok := strings.Cut(msg.ChatID, ":"); ok {
			channel, chatID = ch, id
			sessionKey = ch + ":" + id
		}
	}

	traceID := msg.TraceID()
	if traceID == "" {
		traceID = fmt.Sprintf("%s-%d", channel, time.Now().UnixMilli())
	}

	ctx, span := tracing.StartTurn(ctx, channel, chatID, traceID)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent turn panicked", "trace_id", traceID, "panic", r)
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel: channel, ChatID: chatID, Content: fallbackErrorText,
				Metadata: map[string]string{"traceId": traceID},
			})
		}
	}()

	content := strings.TrimSpace(msg.Content)

	if content == "/new" || strings.HasPrefix(content, "/new ") {
		l.startNewSession(ctx, sessionKey, channel, chatID, traceID)
		return
	}

	start := time.Now()

	sess, err := l.store.GetOrCreate(sessionKey)
	if err != nil {
		slog.Error("session load failed", "key", sessionKey, "error", err)
		l.emitError(channel, chatID, traceID, fallbackErrorText)
		return
	}

	t := &turnState{
		channel:        channel,
		chatID:         chatID,
		traceID:        traceID,
		sess:           sess,
		turnCtx:        &tools.TurnContext{Channel: channel, ChatID: chatID},
		seenSignatures: make(map[string]bool),
	}

	t.requested = l.skills.SelectForMessage(content, l.defaults.MaxSkills)
	t.wf = newWorkflowEngine(l.skills.WorkflowPolicyFor(t.requested))
	t.realtime = channel != "system" && isRealtimeQuery(content)

	t.build, err = l.ctxmgr.Build(ctx, sess, content, msg.Media, t.requested)
	if err != nil {
		slog.Error("context build failed", "trace_id", traceID, "error", err)
		l.emitError(channel, chatID, traceID, "Error: "+err.Error())
		return
	}
	t.messages = t.build.Messages
	t.sessionState = t.build.SessionState

	if l.defaults.Stream && channel != "cli" {
		t.stream = newStreamState(l.bus, channel, chatID, traceID,
			l.defaults.StreamMinChars, time.Duration(l.defaults.StreamMinIntervalS*float64(time.Second)))
	}

	final, lastResp := l.runIterations(ctx, t, content)

	// Persist: user turn, message-tool sends, milestones, then the final
	// assistant content, all in one save.
	sess.AddMessage("user", content, msg.Media)
	deliveredMedia := false
	for _, sent := range t.turnCtx.Sent {
		sess.AddMessage("assistant", sent.Content, sent.Media)
		if len(sent.Media) > 0 {
			deliveredMedia = true
		}
	}
	for _, m := range t.milestoneMsgs {
		sess.AddMessage("assistant", m, nil)
	}

	var media []string
	final, media = reconcileAttachments(final, l.workspace, deliveredMedia)
	sess.AddMessage("assistant", final, media)

	if lastResp != nil {
		l.ctxmgr.UpdateAfterResponse(sess, lastResp, t.build.EstTokens)
	}
	if err := l.store.Save(sess); err != nil {
		slog.Error("session save failed", "key", sess.Key, "error", err)
	}

	meta := l.turnMetadata(t, lastResp, time.Since(start))
	if t.stream != nil && t.stream.sentAny {
		t.stream.finish(meta)
		return
	}
	if len(media) == 0 && t.alreadyDelivered(final) {
		meta[bus.MetaSuppress] = "true"
	}
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  final,
		Media:    media,
		Metadata: meta,
	})
}

// runIterations drives the tool-call fixed point and returns the final
// assistant content plus the last adapter response.
func (l *Loop) runIterations(ctx context.Context, t *turnState, content string) (string, *providers.ChatResponse) {
	toolCtx := tools.WithTurn(ctx, t.turnCtx)

	roundLimit := 0
	if l.skills.ToolRoundLimited(t.requested) {
		roundLimit = l.defaults.Context.SkillToolRoundLimit
	}
	stagnationLimit := l.defaults.Context.SkillToolStagnationLimit
	stagnantRounds := 0

	var pending *providers.ChatResponse

	// Native probe: a first error clears the server-side session and rebuilds
	// as reset; any other outcome is reused as the first iteration's response.
	if t.build.Mode == ModeNative {
		probe := l.callLLM(ctx, t, l.chatRequest(t, false), false)
		if probe.IsError() {
			slog.Warn("native session probe failed, falling back to reset",
				"trace_id", t.traceID, "error", probe.Content)
			t.sess.Metadata.LLMSession.PreviousResponseID = ""
			t.sess.Metadata.LLMSession.PendingReset = true
			rebuild, err := l.ctxmgr.Build(ctx, t.sess, content, nil, t.requested)
			if err != nil {
				return "Error: " + err.Error(), probe
			}
			t.build = rebuild
			t.messages = rebuild.Messages
			t.sessionState = rebuild.SessionState
		} else {
			pending = probe
		}
	}

	var lastResp *providers.ChatResponse

	for iter := 0; iter < l.defaults.MaxToolIterations; iter++ {
		var resp *providers.ChatResponse
		if pending != nil {
			resp, pending = pending, nil
		} else {
			resp = l.callLLM(ctx, t, l.chatRequest(t, t.forceSummary), t.stream != nil)
		}
		lastResp = resp

		if resp.IsError() {
			slog.Error("provider error", "trace_id", t.traceID, "error", resp.Content)
			return "Sorry, the model call failed: " + resp.Content, resp
		}

		// The forced-summary response is final regardless of content.
		if t.forceSummary {
			return sanitizeAssistantContent(resp.Content), resp
		}

		if len(resp.ToolCalls) == 0 {
			final := sanitizeAssistantContent(resp.Content)

			if t.realtime && !t.realtimeSatisfied && !t.realtimeRetried {
				t.realtimeRetried = true
				l.appendAssistant(t, resp)
				t.appendSystem(realtimeRetryReminder)
				continue
			}

			if retryNote, ok := l.finalWorkflowCheck(t, final); !ok {
				if retryNote != "" {
					l.appendAssistant(t, resp)
					t.appendSystem(retryNote)
					continue
				}
				// Retries exhausted.
				unmet := t.wf.unmetCompletionRules()
				if t.wf.claimViolated(final) && len(unmet) == 0 {
					unmet = []string{"a substantive tool call backing the completion claim"}
				}
				if t.wf.failureMode() == skills.FailureHard {
					return "Error: workflow requirements not satisfied: " + strings.Join(unmet, "; "), resp
				}
				return explainMissing(unmet), resp
			}

			if m := t.wf.completionMilestone(); m != "" {
				l.emitMilestone(t, m)
			}
			return final, resp
		}

		// Tool round.
		l.appendAssistant(t, resp)
		l.executeToolCalls(toolCtx, t, resp.ToolCalls)
		t.toolRounds++

		newSigs := false
		for _, tc := range resp.ToolCalls {
			if sig := callSignature(tc); !t.seenSignatures[sig] {
				t.seenSignatures[sig] = true
				newSigs = true
			}
		}
		if newSigs {
			stagnantRounds = 0
		} else {
			stagnantRounds++
		}

		if m := t.wf.milestoneDue(); m != "" {
			l.emitMilestone(t, m)
		}
		if correction := t.wf.kickoffViolation(); correction != "" {
			t.appendSystem(correction)
		}

		if roundLimit > 0 && t.toolRounds >= roundLimit {
			t.forceSummary = true
		}
		if stagnationLimit > 0 && stagnantRounds >= stagnationLimit {
			slog.Warn("tool-call stagnation, forcing summary", "trace_id", t.traceID, "rounds", t.toolRounds)
			t.forceSummary = true
		}
	}

	slog.Warn("tool iteration limit reached", "trace_id", t.traceID)
	if lastResp != nil && lastResp.Content != "" {
		return sanitizeAssistantContent(lastResp.Content), lastResp
	}
	return "I could not finish this task within the allowed number of steps.", lastResp
}

// finalWorkflowCheck validates the final content against the workflow policy.
// ok=false with a note means retry; ok=false with "" means retries exhausted.
func (l *Loop) finalWorkflowCheck(t *turnState, final string) (string, bool) {
	if !t.wf.active() {
		return "", true
	}
	unmet := t.wf.unmetCompletionRules()
	violated := len(unmet) > 0 || t.wf.claimViolated(final)
	if !violated {
		return "", true
	}
	if t.wfRetries >= t.wf.enforcementRetries() {
		return "", false
	}
	t.wfRetries++
	note := "Workflow enforcement retry: required tool calls not satisfied"
	if len(unmet) > 0 {
		note += ": " + strings.Join(unmet, "; ")
	} else {
		note += ": completion claims require a substantive tool call first"
	}
	return note, false
}

// chatRequest assembles the adapter request for the current state.
func (l *Loop) chatRequest(t *turnState, forceSummary bool) providers.ChatRequest {
	req := providers.ChatRequest{
		Messages:     t.messages,
		Model:        l.defaults.Model,
		MaxTokens:    l.defaults.MaxTokens,
		Temperature:  l.defaults.Temperature,
		SessionState: t.sessionState,
	}

	switch {
	case forceSummary:
		req.Tools = nil
		req.ToolChoice = providers.ToolChoiceNone
	case t.realtime && !t.realtimeSatisfied:
		req.Tools = l.registry.Definitions(realtimeWebTools)
		req.ToolChoice = providers.ToolChoiceRequired
	default:
		allowed := l.skills.AllowedToolsFor(t.requested)
		req.Tools = l.registry.Definitions(allowed)
		if len(allowed) == 0 {
			req.Tools = l.registry.Definitions(nil)
		}
	}
	return req
}

// callLLM invokes the adapter with timing and optional streaming.
func (l *Loop) callLLM(ctx context.Context, t *turnState, req providers.ChatRequest, stream bool) *providers.ChatResponse {
	if stream && t.stream != nil {
		req.OnDelta = t.stream.onDelta
	}
	llmCtx, span := tracing.StartLLM(ctx, req.Model, len(req.Tools))
	begin := time.Now()
	resp := l.provider.Chat(llmCtx, req)
	t.llmDur += time.Since(begin)
	if resp.IsError() {
		tracing.RecordError(span, fmt.Errorf("%s", resp.Content))
	}
	span.End()
	if t.stream != nil && len(resp.ToolCalls) > 0 {
		t.stream.discard()
	}
	return resp
}

// appendAssistant records an assistant response in the working message list.
// Native mode rides the provider-side state instead of replaying history.
func (l *Loop) appendAssistant(t *turnState, resp *providers.ChatResponse) {
	if t.build.Mode == ModeNative && resp.ResponseID != "" {
		t.sessionState = &providers.SessionState{PreviousResponseID: resp.ResponseID}
		t.messages = nil
		return
	}
	t.messages = append(t.messages, providers.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
}

// alreadyDelivered reports whether the final content repeats a message-tool
// send from this turn. The channel has already rendered that text, so the
// terminal outbound is marked suppressed and carries only metadata.
func (t *turnState) alreadyDelivered(final string) bool {
	want := strings.TrimSpace(final)
	if want == "" {
		return false
	}
	for _, sent := range t.turnCtx.Sent {
		if strings.TrimSpace(sent.Content) == want {
			return true
		}
	}
	return false
}

func (t *turnState) appendSystem(note string) {
	t.messages = append(t.messages, providers.Message{Role: "system", Content: note})
}

// executeToolCalls runs each requested tool, deduplicating identical adjacent
// calls, and appends the results as tool messages.
func (l *Loop) executeToolCalls(ctx context.Context, t *turnState, calls []providers.ToolCall) {
	for _, call := range calls {
		sig := callSignature(call)

		var output string
		if sig == t.lastSig {
			output = t.lastSigResult
			slog.Debug("duplicate adjacent tool call skipped", "tool", call.Name)
		} else {
			toolCtx, span := tracing.StartTool(ctx, call.Name)
			begin := time.Now()
			result := l.registry.Execute(toolCtx, call.Name, call.Arguments)
			t.toolDur += time.Since(begin)
			span.End()
			output = result.ForLLM
			if !result.IsError {
				t.wf.record(call.Name, call.Arguments)
				if call.Name == "web_search" || call.Name == "web_fetch" {
					t.realtimeSatisfied = true
				}
			}
			t.lastSig, t.lastSigResult = sig, output
		}

		t.messages = append(t.messages, providers.Message{
			Role:       "tool",
			Content:    output,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
	}
}

// callSignature canonicalizes name + arguments; JSON map keys marshal sorted.
func callSignature(call providers.ToolCall) string {
	data, err := json.Marshal(call.Arguments)
	if err != nil {
		data = []byte(fmt.Sprint(call.Arguments))
	}
	return call.Name + "\x00" + string(data)
}

// emitMilestone pushes a progress message to the channel and queues it for
// session persistence.
func (l *Loop) emitMilestone(t *turnState, content string) {
	t.milestoneMsgs = append(t.milestoneMsgs, content)
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  t.channel,
		ChatID:   t.chatID,
		Content:  content,
		Metadata: map[string]string{"traceId": t.traceID, "milestone": "true"},
	})
}

// startNewSession handles /new: consolidate the old session into memory,
// roll the active pointer forward, and greet.
func (l *Loop) startNewSession(ctx context.Context, sessionKey, channel, chatID, traceID string) {
	baseKey := sessions.BaseKey(sessionKey)

	if old, err := l.store.GetOrCreate(sessionKey); err == nil && len(old.Messages) > 0 {
		l.consolidateMemory(ctx, old)
	}

	sess, err := l.store.StartNew(baseKey)
	if err != nil {
		slog.Error("failed to start new session", "key", baseKey, "error", err)
		l.emitError(channel, chatID, traceID, fallbackErrorText)
		return
	}
	if err := l.store.Save(sess); err != nil {
		slog.Error("failed to save new session", "key", sess.Key, "error", err)
	}

	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  newSessionGreeting,
		Metadata: map[string]string{"traceId": traceID},
	})
}

// consolidateMemory asks the model to distill the ending session into the
// long-term memory files. Best effort; failures only log.
func (l *Loop) consolidateMemory(ctx context.Context, sess *sessions.Session) {
	if l.memory == nil || len(sess.Messages) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString("The session is ending. Produce a JSON object with exactly two string fields: " +
		`"history_entry" (one line describing what happened) and "memory_update" ` +
		"(the full revised long-term memory file). Current long-term memory:\n\n")
	sb.WriteString(l.memory.LongTerm())
	sb.WriteString("\n\nConversation:\n")
	for _, m := range sess.Messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	resp := l.provider.Chat(ctx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: sb.String()}},
		Model:       l.defaults.Model,
		MaxTokens:   2048,
		Temperature: 0.3,
	})
	if resp.IsError() {
		slog.Warn("memory consolidation call failed", "error", resp.Content)
		return
	}
	if err := l.memory.Consolidate(resp.Content); err != nil {
		slog.Warn("memory consolidation rejected", "error", err)
	}
}

// RunSubagent executes a spawned task in its own session and returns the
// final text. It satisfies tools.SubagentRunner.
func (l *Loop) RunSubagent(ctx context.Context, task, label, sessionKey string) (string, error) {
	sess, err := l.store.GetOrCreate(sessionKey)
	if err != nil {
		return "", fmt.Errorf("subagent session: %w", err)
	}

	build, err := l.ctxmgr.Build(ctx, sess, task, nil, nil)
	if err != nil {
		return "", err
	}

	t := &turnState{
		channel:        "system",
		chatID:         sessionKey,
		traceID:        "subagent-" + label,
		sess:           sess,
		build:          build,
		messages:       build.Messages,
		sessionState:   build.SessionState,
		turnCtx:        &tools.TurnContext{Channel: "system", ChatID: sessionKey},
		wf:             newWorkflowEngine(nil),
		seenSignatures: make(map[string]bool),
	}

	final, lastResp := l.runIterations(ctx, t, task)

	sess.AddMessage("user", task, nil)
	sess.AddMessage("assistant", final, nil)
	if lastResp != nil {
		l.ctxmgr.UpdateAfterResponse(sess, lastResp, build.EstTokens)
	}
	if err := l.store.Save(sess); err != nil {
		slog.Warn("subagent session save failed", "key", sess.Key, "error", err)
	}
	return final, nil
}

func (l *Loop) emitError(channel, chatID, traceID, text string) {
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]string{"traceId": traceID},
	})
}

// turnMetadata assembles the terminal outbound metadata for observability.
func (l *Loop) turnMetadata(t *turnState, lastResp *providers.ChatResponse, total time.Duration) map[string]string {
	meta := map[string]string{
		"traceId":          t.traceID,
		"agentTotalS":      fmt.Sprintf("%.2f", total.Seconds()),
		"agentLlmS":        fmt.Sprintf("%.2f", t.llmDur.Seconds()),
		"agentToolsS":      fmt.Sprintf("%.2f", t.toolDur.Seconds()),
		"contextMode":      t.build.Mode,
		"contextEstTokens": fmt.Sprint(t.build.EstTokens),
		"contextEstRatio":  fmt.Sprintf("%.3f", t.build.EstRatio),
		"contextSource":    "estimate",
	}
	if lastResp != nil && lastResp.Usage != nil {
		meta["contextSource"] = "usage"
	}
	if t.build.Summarized {
		meta["contextSummarized"] = "true"
	}
	if t.realtime && !t.realtimeSatisfied {
		meta["realtimeUnverified"] = "true"
	}
	return meta
}
