package providers

import "context"

// Provider is the LLM adapter contract. Implementations never return transport
// errors to the caller: failures surface as a ChatResponse with
// FinishReason="error" and the error message as Content, so the agent loop's
// recovery logic stays uniform.
type Provider interface {
	// Chat sends messages and returns the response. When req.OnDelta is set
	// the provider streams text deltas through it; tool calls are always
	// delivered whole in the returned response.
	Chat(ctx context.Context, req ChatRequest) *ChatResponse

	// SupportsNativeSession reports whether SessionState.PreviousResponseID
	// is honored (server-side conversation state).
	SupportsNativeSession() bool

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// ToolChoice values for ChatRequest.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// SessionState is the opaque native-session handle. The loop only
// distinguishes "carrying a previous response id" from "not carrying".
type SessionState struct {
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	ConversationID     string `json:"conversation_id,omitempty"`
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Model        string           `json:"model,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	ToolChoice   string           `json:"tool_choice,omitempty"` // auto (default), required, none
	SessionState *SessionState    `json:"session_state,omitempty"`

	// OnDelta receives streamed text deltas. Nil disables streaming.
	OnDelta func(text string) `json:"-"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	FinishReason   string     `json:"finish_reason"` // "stop", "tool_calls", "length", "error"
	Usage          *Usage     `json:"usage,omitempty"`
	ResponseID     string     `json:"response_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Model          string     `json:"model,omitempty"`
}

// IsError reports whether the adapter surfaced a failure.
func (r *ChatResponse) IsError() bool { return r.FinishReason == "error" }

// ErrorResponse wraps an error message as the contract demands.
func ErrorResponse(msg string) *ChatResponse {
	return &ChatResponse{Content: msg, FinishReason: "error"}
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Message represents a conversation message in provider shape.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool"
	Name       string         `json:"name,omitempty"`         // tool name on role="tool"
}

// ToolCall represents a tool invocation requested by the LLM.
// Arguments are parsed JSON; a non-JSON payload falls back to {"raw": "..."}.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool in the OpenAI function-tool shape.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseToolArguments parses a raw JSON argument string; a non-object payload
// becomes {"raw": "<payload>"} per the tool protocol.
func ParseToolArguments(raw string) map[string]interface{} {
	args := make(map[string]interface{})
	if raw == "" {
		return args
	}
	if err := jsonUnmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return args
}
