package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	skillagent "github.com/alleneee/skill-agent"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o", "https://api.openai.com/v1"); !errors.Is(err, skillagent.ErrNoAPIKey) {
		t.Fatalf("error = %v", err)
	}
}

func TestBuildBody(t *testing.T) {
	messages := []skillagent.Message{
		skillagent.SystemMessage("be helpful"),
		skillagent.UserMessage("hi"),
		{
			Role:    skillagent.RoleAssistant,
			Content: "let me check",
			ToolCalls: []skillagent.ToolCall{
				{ID: "call_1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)},
			},
		},
		skillagent.ToolResultMessage("call_1", "lookup", "found it"),
	}
	tools := []skillagent.ToolDefinition{
		{Name: "lookup", Description: "Looks things up", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	body := BuildBody(messages, tools, "gpt-4o", 2048)
	if body.Model != "gpt-4o" || body.MaxTokens != 2048 {
		t.Errorf("body = %+v", body)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("messages = %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be helpful" {
		t.Errorf("system message = %+v", body.Messages[0])
	}
	asst := body.Messages[2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" ||
		asst.ToolCalls[0].Type != "function" ||
		asst.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	toolMsg := body.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Name != "lookup" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if len(body.Tools) != 1 || body.Tools[0].Type != "function" || body.Tools[0].Function.Name != "lookup" {
		t.Errorf("tools = %+v", body.Tools)
	}
}

func TestParseResponse(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{
			FinishReason: "tool_calls",
			Message: &ChoiceMessage{
				Content:          "checking",
				ReasoningContent: "the user wants data",
				ToolCalls: []ToolCallRequest{
					{ID: "c1", Function: FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
					{ID: "c2", Function: FunctionCall{Name: "broken", Arguments: `{not json`}},
				},
			},
		}},
		Usage: &Usage{PromptTokens: 7, CompletionTokens: 3},
	}

	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if out.Content != "checking" || out.Thinking != "the user wants data" || out.FinishReason != "tool_calls" {
		t.Errorf("out = %+v", out)
	}
	if out.Usage.InputTokens != 7 || out.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if len(out.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	if string(out.ToolCalls[0].Args) != `{"q":"x"}` {
		t.Errorf("args = %s", out.ToolCalls[0].Args)
	}
	// Invalid arguments degrade to an empty object.
	if string(out.ToolCalls[1].Args) != `{}` {
		t.Errorf("invalid args = %s", out.ToolCalls[1].Args)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	out, err := ParseResponse(ChatResponse{})
	if err != nil || out.Content != "" {
		t.Errorf("out = %+v, err = %v", out, err)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: "pong"}, FinishReason: "stop"}},
			Usage:   &Usage{PromptTokens: 2, CompletionTokens: 1},
		})
	}))
	defer srv.Close()

	c, err := New("sk-test", "gpt-4o", srv.URL, WithMaxTokensCeiling(1000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := c.Generate(context.Background(), skillagent.GenerateRequest{
		Messages:  []skillagent.Message{skillagent.UserMessage("ping")},
		MaxTokens: 5000, // above ceiling, must clamp
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Content != "pong" {
		t.Errorf("content = %q", out.Content)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.MaxTokens != 1000 {
		t.Errorf("max tokens = %d, want clamped 1000", gotBody.MaxTokens)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c, _ := New("sk-test", "gpt-4o", srv.URL)
	_, err := c.Generate(context.Background(), skillagent.GenerateRequest{})
	var httpErr *skillagent.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v", err)
	}
	if httpErr.Status != 429 || httpErr.Body != "slow down" {
		t.Errorf("err = %+v", httpErr)
	}
	if httpErr.RetryAfter.Seconds() != 7 {
		t.Errorf("retry after = %v", httpErr.RetryAfter)
	}
}

func TestStreamSSE(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"reasoning_content":"thinking... "}}]}`,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":4}}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan skillagent.LLMStreamEvent, 32)
	resp, err := StreamSSE(context.Background(), strings.NewReader(stream), ch)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Thinking != "thinking... " {
		t.Errorf("thinking = %q", resp.Thinking)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "c1" || call.Name != "lookup" || string(call.Args) != `{"q":"x"}` {
		t.Errorf("call = %+v args = %s", call, call.Args)
	}

	var counts = map[skillagent.LLMStreamEventType]int{}
	for ev := range ch {
		counts[ev.Type]++
	}
	if counts[skillagent.LLMEventContentDelta] != 2 {
		t.Errorf("content deltas = %d", counts[skillagent.LLMEventContentDelta])
	}
	if counts[skillagent.LLMEventThinkingDelta] != 1 {
		t.Errorf("thinking deltas = %d", counts[skillagent.LLMEventThinkingDelta])
	}
	if counts[skillagent.LLMEventToolUse] != 1 || counts[skillagent.LLMEventDone] != 1 {
		t.Errorf("tool/done events = %d/%d",
			counts[skillagent.LLMEventToolUse], counts[skillagent.LLMEventDone])
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	stream := strings.Join([]string{
		`data: {not json`,
		`: comment line`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan skillagent.LLMStreamEvent, 8)
	resp, err := StreamSSE(context.Background(), strings.NewReader(stream), ch)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	for range ch {
	}
}
