package skillagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockLLM is a test LLMClient that returns canned responses in order.
// Safe for concurrent use: dependency layers run members in parallel.
type mockLLM struct {
	name      string
	responses []LLMResponse // popped in order
	err       error         // returned on every call when set

	mu       sync.Mutex
	idx      int
	requests []GenerateRequest
}

func (m *mockLLM) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockLLM) Generate(_ context.Context, req GenerateRequest) (LLMResponse, error) {
	if m.err != nil {
		return LLMResponse{}, m.err
	}
	return m.next(req), nil
}

func (m *mockLLM) GenerateStream(_ context.Context, req GenerateRequest, ch chan<- LLMStreamEvent) (LLMResponse, error) {
	defer close(ch)
	if m.err != nil {
		return LLMResponse{}, m.err
	}
	resp := m.next(req)
	if resp.Content != "" {
		ch <- LLMStreamEvent{Type: LLMEventContentDelta, Delta: resp.Content}
	}
	for i := range resp.ToolCalls {
		ch <- LLMStreamEvent{Type: LLMEventToolUse, ToolCall: &resp.ToolCalls[i]}
	}
	ch <- LLMStreamEvent{Type: LLMEventDone, Response: &resp}
	return resp, nil
}

func (m *mockLLM) next(req GenerateRequest) LLMResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.idx >= len(m.responses) {
		return LLMResponse{Content: "exhausted"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockLLM) request(i int) GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// echoTool returns its input back.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input back" }
func (echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (echoTool) Execute(_ context.Context, args json.RawMessage) ToolResult {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolFailure("invalid args: %v", err)
	}
	return ToolSuccess("echo: " + params.Text)
}

// failTool always fails.
type failTool struct{}

func (failTool) Name() string                { return "fail" }
func (failTool) Description() string         { return "Always fails" }
func (failTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failTool) Execute(context.Context, json.RawMessage) ToolResult {
	return ToolFailure("tool broken")
}

// orderTool records execution order into a shared slice.
type orderTool struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (t *orderTool) Name() string                { return t.name }
func (t *orderTool) Description() string         { return "Records execution order" }
func (t *orderTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *orderTool) Execute(context.Context, json.RawMessage) ToolResult {
	t.mu.Lock()
	*t.order = append(*t.order, t.name)
	t.mu.Unlock()
	return ToolSuccess("done from " + t.name)
}

// bigTool returns a result of the given size.
type bigTool struct {
	size int
}

func (t *bigTool) Name() string                { return "big" }
func (t *bigTool) Description() string         { return "Returns a large result" }
func (t *bigTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *bigTool) Execute(context.Context, json.RawMessage) ToolResult {
	out := make([]byte, t.size)
	for i := range out {
		out[i] = 'x'
	}
	return ToolSuccess(string(out))
}

// toolCallResponse builds an assistant response requesting the named tools.
func toolCallResponse(names ...string) LLMResponse {
	var calls []ToolCall
	for i, name := range names {
		calls = append(calls, ToolCall{
			ID:   fmt.Sprintf("call_%d", i+1),
			Name: name,
			Args: json.RawMessage(`{}`),
		})
	}
	return LLMResponse{ToolCalls: calls}
}
