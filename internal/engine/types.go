package engine

import "context"

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is the provider-agnostic message we pass to model clients.
type ChatMessage struct {
	Role    MessageRole // Role of the message sender
	Content string      // Message content as sent on the wire
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// ThinkingConfig enables extended reasoning with a hidden token budget.
type ThinkingConfig struct {
	BudgetTokens int
}

// Request is one outbound call to the model API.
type Request struct {
	Model           string
	System          string
	Messages        []ChatMessage
	Temperature     *float32 // nil = provider default
	MaxOutputTokens int
	Thinking        *ThinkingConfig // nil = extended reasoning disabled
}

// StreamEvent represents a streaming event from the LLM.
type StreamEvent struct {
	Type  string // "text_delta" | "usage"
	Text  string // for text_delta
	Usage Usage  // for usage
}

const (
	EventTextDelta = "text_delta"
	EventUsage     = "usage"
)

// LLMClient abstracts the chosen SDK (Anthropic, OpenAI-compatible, ...).
//
// Stream delivers events on the first channel and closes it when the
// response ends. The error channel yields at most one error; a nil send or
// a close without a value means a clean end of stream.
type LLMClient interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, <-chan error)
}

// TokenCounter is implemented by clients whose API exposes a token-counting
// endpoint. Clients without one fall back to EstimateMessagesTokens.
type TokenCounter interface {
	CountTokens(ctx context.Context, req Request) (int, error)
}
