// Package tools implements the tool registry and the built-in tools the
// agent can call: filesystem, shell, web search/fetch, outbound messaging,
// sub-agent spawn, and scheduled jobs.
package tools

import (
	"context"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Tool is one agent-callable function.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema object describing the arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`
	Async   bool   `json:"async"` // running asynchronously
	Err     error  `json:"-"`     // internal error (not serialized)

	// Usage holds token usage from tools that make internal LLM calls.
	Usage *providers.Usage `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
