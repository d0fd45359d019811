package skillagent

import "context"

// LLMClient abstracts the LLM backend.
//
// Implementations translate Message/ToolDefinition values to the provider
// wire format, clamp MaxTokens to the provider's ceiling (logging a warning
// on adjustment), and normalize content, reasoning, and tool calls back into
// LLMResponse. Clients are stateless across calls and safe for concurrent use.
type LLMClient interface {
	// Generate sends a request and returns the complete response.
	Generate(ctx context.Context, req GenerateRequest) (LLMResponse, error)
	// GenerateStream streams deltas into ch, then returns the final response
	// with usage stats. The channel is closed when streaming completes.
	GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- LLMStreamEvent) (LLMResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// LLMStreamEventType identifies the kind of low-level LLM streaming event.
type LLMStreamEventType string

const (
	// LLMEventContentDelta carries an incremental text chunk.
	LLMEventContentDelta LLMStreamEventType = "content_delta"
	// LLMEventThinkingDelta carries an incremental reasoning chunk.
	LLMEventThinkingDelta LLMStreamEventType = "thinking_delta"
	// LLMEventToolUse carries a completed tool-use block with parsed arguments.
	LLMEventToolUse LLMStreamEventType = "tool_use"
	// LLMEventDone signals the end of the stream; Response carries the
	// fully accumulated LLMResponse.
	LLMEventDone LLMStreamEventType = "done"
)

// LLMStreamEvent is one event emitted by LLMClient.GenerateStream.
type LLMStreamEvent struct {
	Type     LLMStreamEventType `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	ToolCall *ToolCall          `json:"tool_call,omitempty"`
	Response *LLMResponse       `json:"response,omitempty"`
}
