package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nanobot-ai/nanobot/internal/tools"
)

// bridgeTool exposes one remote MCP tool through the local tool contract.
// The registry name is prefixed with the server name to avoid collisions
// between servers.
type bridgeTool struct {
	server    string
	original  string
	name      string
	desc      string
	params    map[string]interface{}
	client    *mcpclient.Client
	connected *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{
		server:    server,
		original:  t.Name,
		name:      server + "_" + t.Name,
		desc:      t.Description,
		params:    schemaToMap(t.InputSchema),
		client:    client,
		connected: connected,
	}
}

func (b *bridgeTool) Name() string        { return b.name }
func (b *bridgeTool) Description() string { return b.desc }

func (b *bridgeTool) Parameters() map[string]interface{} { return b.params }

// Execute forwards the call to the remote server. Failures come back as
// error strings so the agent loop keeps going.
func (b *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP server %q is not connected", b.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original
	req.Params.Arguments = args

	result, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP tool %s failed: %v", b.original, err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "Error: MCP tool reported failure"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// schemaToMap converts the MCP input schema into the plain JSON-schema map
// the registry validates against.
func schemaToMap(s mcpgo.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{"type": "object"}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
