package openaicompat

import (
	"encoding/json"

	skillagent "github.com/alleneee/skill-agent"
)

// BuildBody converts core messages and tool definitions into an OpenAI-format
// ChatRequest. System messages stay in the messages array as role:"system".
func BuildBody(messages []skillagent.Message, tools []skillagent.ToolDefinition, model string, maxTokens int) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == skillagent.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == skillagent.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	return req
}

// BuildToolDefs converts core ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []skillagent.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
