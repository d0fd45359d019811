package anthropic

import (
	"encoding/json"

	skillagent "github.com/alleneee/skill-agent"
)

// BuildBody converts core messages and tool definitions into a Messages API
// request. The system prompt moves to the top-level system field; tool
// results become user-role tool_result blocks per the Anthropic format.
func BuildBody(messages []skillagent.Message, tools []skillagent.ToolDefinition, model string, maxTokens int) MessagesRequest {
	req := MessagesRequest{Model: model, MaxTokens: maxTokens}

	for _, m := range messages {
		switch m.Role {
		case skillagent.RoleSystem:
			if req.System == "" {
				req.System = m.Content
			} else {
				req.System += "\n\n" + m.Content
			}

		case skillagent.RoleAssistant:
			var blocks []ContentBlock
			if m.Thinking != "" {
				blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: m.Thinking})
			}
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ContentBlock{Type: "text", Text: ""})
			}
			req.Messages = append(req.Messages, Message{Role: "assistant", Content: blocks})

		case skillagent.RoleTool:
			req.Messages = append(req.Messages, Message{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			req.Messages = append(req.Messages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return req
}

// ParseResponse converts a Messages API response to a core LLMResponse.
func ParseResponse(resp MessagesResponse) skillagent.LLMResponse {
	var out skillagent.LLMResponse
	out.FinishReason = resp.StopReason

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		case "tool_use":
			args := block.Input
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, skillagent.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}

	if resp.Usage != nil {
		out.Usage = skillagent.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}
	return out
}
