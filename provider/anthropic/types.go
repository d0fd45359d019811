// Package anthropic implements the LLM client for the Anthropic Messages API
// and compatible endpoints (MiniMax's Anthropic-format API included).
package anthropic

import "encoding/json"

// --- Request types ---

// MessagesRequest is the /v1/messages request body.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Message is one conversation turn. Content is always a block list; the API
// accepts plain strings too but blocks cover every case uniformly.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one typed block within a message.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "thinking"
	Thinking string `json:"thinking,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool is the Anthropic tool schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- Response types ---

// MessagesResponse is the /v1/messages response body.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`

	// MiniMax's Anthropic-compatible endpoint reports errors in-band with
	// HTTP 200 and a non-zero status code here.
	BaseResp *BaseResp `json:"base_resp,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BaseResp is MiniMax's in-band status envelope.
type BaseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// --- Streaming event types ---

// StreamChunk is one decoded SSE data payload. The Type field discriminates:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop, ping, error.
type StreamChunk struct {
	Type string `json:"type"`

	Index        int               `json:"index,omitempty"`
	Message      *MessagesResponse `json:"message,omitempty"`       // message_start
	ContentBlock *ContentBlock     `json:"content_block,omitempty"` // content_block_start
	Delta        *StreamDelta      `json:"delta,omitempty"`         // content_block_delta, message_delta
	Usage        *Usage            `json:"usage,omitempty"`         // message_delta
	Error        *StreamError      `json:"error,omitempty"`         // error
}

// StreamDelta is the delta payload within a chunk.
type StreamDelta struct {
	Type        string `json:"type,omitempty"` // text_delta, thinking_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"` // message_delta
}

// StreamError is an in-stream error event.
type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
