package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// MessageTool sends a message to the current chat immediately, without
// waiting for the turn to finish. Used for progress updates and for
// delivering files mid-task.
type MessageTool struct {
	bus *bus.MessageBus
}

func NewMessageTool(b *bus.MessageBus) *MessageTool {
	return &MessageTool{bus: b}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user right away. Use for progress updates during long tasks or to deliver files."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
			"media": map[string]interface{}{
				"type":        "array",
				"description": "Optional file paths to attach",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	tc := TurnFromCtx(ctx)
	if tc == nil {
		return ErrorResult("message tool requires an active conversation")
	}

	content, _ := args["content"].(string)
	var media []string
	if raw, ok := args["media"].([]interface{}); ok {
		for _, m := range raw {
			path, ok := m.(string)
			if !ok || path == "" {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				return ErrorResult(fmt.Sprintf("media file not found: %s", path))
			}
			media = append(media, path)
		}
	}
	if content == "" && len(media) == 0 {
		return ErrorResult("content is required")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  tc.Channel,
		ChatID:   tc.ChatID,
		Content:  content,
		Media:    media,
		Metadata: map[string]string{},
	})
	tc.Sent = append(tc.Sent, SentMessage{Content: content, Media: media})

	return SilentResult("Message sent to the user.")
}
