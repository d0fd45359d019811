package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	skillagent "github.com/alleneee/skill-agent"
)

// StreamSSE reads an SSE stream from body, sends delta events to ch, and
// returns the fully accumulated response (content + reasoning + tool calls +
// usage).
//
// The channel is closed when streaming completes. Callers should read from ch
// in a separate goroutine. The context cancels channel sends if the consumer
// is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- skillagent.LLMStreamEvent) (skillagent.LLMResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, thinking strings.Builder
	var usage skillagent.TokenUsage
	var finishReason string

	// Tool calls stream incrementally: each chunk has an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			thinking.WriteString(delta.ReasoningContent)
			select {
			case ch <- skillagent.LLMStreamEvent{Type: skillagent.LLMEventThinkingDelta, Delta: delta.ReasoningContent}:
			case <-ctx.Done():
				return skillagent.LLMResponse{}, ctx.Err()
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- skillagent.LLMStreamEvent{Type: skillagent.LLMEventContentDelta, Delta: delta.Content}:
			case <-ctx.Done():
				return skillagent.LLMResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return skillagent.LLMResponse{}, err
	}

	var calls []skillagent.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		call := skillagent.ToolCall{ID: tc.ID, Name: tc.Name, Args: args}
		calls = append(calls, call)
		select {
		case ch <- skillagent.LLMStreamEvent{Type: skillagent.LLMEventToolUse, ToolCall: &call}:
		case <-ctx.Done():
			return skillagent.LLMResponse{}, ctx.Err()
		}
	}

	resp := skillagent.LLMResponse{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage:        usage,
	}
	select {
	case ch <- skillagent.LLMStreamEvent{Type: skillagent.LLMEventDone, Response: &resp}:
	case <-ctx.Done():
		return skillagent.LLMResponse{}, ctx.Err()
	}
	return resp, nil
}
