package openaicompat

import (
	"encoding/json"

	skillagent "github.com/alleneee/skill-agent"
)

// ParseResponse converts an OpenAI-format ChatResponse to a core LLMResponse.
// It extracts content, reasoning, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (skillagent.LLMResponse, error) {
	var out skillagent.LLMResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Thinking = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = skillagent.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to core ToolCalls.
// The API returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object rather than propagated.
func ParseToolCalls(tcs []ToolCallRequest) []skillagent.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]skillagent.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, skillagent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
