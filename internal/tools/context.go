package tools

import "context"

type turnCtxKey struct{}

// SentMessage records one outbound send made by the message tool during a
// turn, so the loop can persist it and reconcile attachments.
type SentMessage struct {
	Content string
	Media   []string
}

// TurnContext carries the originating conversation through tool execution.
// The loop installs one per turn; tools that talk back to the user read it.
type TurnContext struct {
	Channel string
	ChatID  string
	Sent    []SentMessage
}

// WithTurn attaches a turn context for tool execution.
func WithTurn(ctx context.Context, tc *TurnContext) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, tc)
}

// TurnFromCtx returns the current turn context, or nil.
func TurnFromCtx(ctx context.Context) *TurnContext {
	tc, _ := ctx.Value(turnCtxKey{}).(*TurnContext)
	return tc
}
