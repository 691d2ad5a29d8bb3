package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// SubagentRunner executes a spawned task in its own session and returns the
// final text result. The agent loop provides the implementation; tools never
// hold a back-pointer into the loop itself.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, task, label, sessionKey string) (string, error)
}

// SpawnTool starts a background sub-agent working on a task. Completion is
// announced back through the bus as a system-channel inbound message carrying
// the originating channel:chatId, so the parent conversation sees the result.
type SpawnTool struct {
	bus    *bus.MessageBus
	runner SubagentRunner
}

func NewSpawnTool(b *bus.MessageBus, runner SubagentRunner) *SpawnTool {
	return &SpawnTool{bus: b, runner: runner}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background sub-agent to work on a task. Reports back to this chat when finished."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Full task description for the sub-agent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label identifying the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	tc := TurnFromCtx(ctx)
	if tc == nil {
		return ErrorResult("spawn requires an active conversation")
	}
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	if label == "" {
		label = uuid.NewString()[:8]
	}

	origin := tc.Channel + ":" + tc.ChatID
	sessionKey := "subagent:" + label + ":" + uuid.NewString()[:8]

	// The sub-agent outlives this turn; it runs on the background context.
	go func() {
		result, err := t.runner.RunSubagent(context.Background(), task, label, sessionKey)
		if err != nil {
			slog.Error("subagent failed", "label", label, "error", err)
			result = fmt.Sprintf("Sub-agent %q failed: %v", label, err)
		}
		t.bus.PublishInbound(bus.InboundMessage{
			Channel:  "system",
			SenderID: "subagent:" + label,
			ChatID:   origin,
			Content:  fmt.Sprintf("[Sub-agent %q finished]\n\n%s", label, result),
			Metadata: map[string]string{},
		})
	}()

	return AsyncResult(fmt.Sprintf("Sub-agent %q started. It will report back here when done.", label))
}
