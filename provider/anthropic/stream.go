package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	skillagent "github.com/alleneee/skill-agent"
)

// StreamSSE reads a Messages API SSE stream, sends delta events to ch, and
// returns the fully accumulated response.
//
// The channel is closed when streaming completes. Tool-use blocks accumulate
// input_json_delta fragments per block index and are emitted as complete
// tool calls on content_block_stop.
func StreamSSE(ctx context.Context, providerName string, body io.Reader, ch chan<- skillagent.LLMStreamEvent) (skillagent.LLMResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, thinking strings.Builder
	var usage skillagent.TokenUsage
	var stopReason string

	type partialToolUse struct {
		ID   string
		Name string
		JSON strings.Builder
	}
	partials := make(map[int]*partialToolUse)
	var calls []skillagent.ToolCall

	emit := func(ev skillagent.LLMStreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		switch chunk.Type {
		case "message_start":
			if chunk.Message != nil && chunk.Message.Usage != nil {
				usage.InputTokens = chunk.Message.Usage.InputTokens
			}

		case "content_block_start":
			if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
				p := &partialToolUse{ID: chunk.ContentBlock.ID, Name: chunk.ContentBlock.Name}
				if len(chunk.ContentBlock.Input) > 0 && string(chunk.ContentBlock.Input) != "{}" {
					p.JSON.WriteString(string(chunk.ContentBlock.Input))
				}
				partials[chunk.Index] = p
			}

		case "content_block_delta":
			if chunk.Delta == nil {
				continue
			}
			switch chunk.Delta.Type {
			case "text_delta":
				content.WriteString(chunk.Delta.Text)
				if err := emit(skillagent.LLMStreamEvent{Type: skillagent.LLMEventContentDelta, Delta: chunk.Delta.Text}); err != nil {
					return skillagent.LLMResponse{}, err
				}
			case "thinking_delta":
				thinking.WriteString(chunk.Delta.Thinking)
				if err := emit(skillagent.LLMStreamEvent{Type: skillagent.LLMEventThinkingDelta, Delta: chunk.Delta.Thinking}); err != nil {
					return skillagent.LLMResponse{}, err
				}
			case "input_json_delta":
				if p, ok := partials[chunk.Index]; ok {
					p.JSON.WriteString(chunk.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			p, ok := partials[chunk.Index]
			if !ok {
				continue
			}
			delete(partials, chunk.Index)
			args := json.RawMessage(p.JSON.String())
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			call := skillagent.ToolCall{ID: p.ID, Name: p.Name, Args: args}
			calls = append(calls, call)
			if err := emit(skillagent.LLMStreamEvent{Type: skillagent.LLMEventToolUse, ToolCall: &call}); err != nil {
				return skillagent.LLMResponse{}, err
			}

		case "message_delta":
			if chunk.Delta != nil && chunk.Delta.StopReason != "" {
				stopReason = chunk.Delta.StopReason
			}
			if chunk.Usage != nil {
				usage.OutputTokens = chunk.Usage.OutputTokens
			}

		case "error":
			msg := "stream error"
			if chunk.Error != nil {
				msg = chunk.Error.Message
			}
			return skillagent.LLMResponse{}, &skillagent.ErrLLM{Provider: providerName, Message: msg}

		case "message_stop":
			// Final chunk; the loop ends when the body closes.
		}
	}

	if err := scanner.Err(); err != nil {
		return skillagent.LLMResponse{}, fmt.Errorf("read stream: %w", err)
	}

	resp := skillagent.LLMResponse{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    calls,
		FinishReason: stopReason,
		Usage:        usage,
	}
	if err := emit(skillagent.LLMStreamEvent{Type: skillagent.LLMEventDone, Response: &resp}); err != nil {
		return skillagent.LLMResponse{}, err
	}
	return resp, nil
}
