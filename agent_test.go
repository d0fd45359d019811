package skillagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestAgentRunNoTools(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		{Content: "hello there", FinishReason: "stop", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}},
	}}
	agent, err := NewAgent(client, WithName("plain"))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "hello there" {
		t.Errorf("response = %q", out.Response)
	}
	if out.Reason != ReasonTaskCompleted {
		t.Errorf("reason = %q", out.Reason)
	}
	if out.Steps != 1 {
		t.Errorf("steps = %d, want 1", out.Steps)
	}
	if !out.Success() {
		t.Error("expected success")
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.RunID == "" {
		t.Error("run id not assigned")
	}
}

func TestAgentRunToolLoop(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("echo"),
		{Content: "done"},
	}}
	agent, err := NewAgent(client, WithName("looper"), WithTools(echoTool{}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "use the tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "done" {
		t.Errorf("response = %q", out.Response)
	}
	if out.Steps != 2 {
		t.Errorf("steps = %d, want 2", out.Steps)
	}
	if out.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", out.ToolCalls)
	}

	// The second request must carry the tool result back.
	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleTool {
		t.Fatalf("last message role = %q, want tool", last.Role)
	}
	if last.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q", last.ToolCallID)
	}
	if !strings.HasPrefix(last.Content, "echo:") {
		t.Errorf("tool result = %q", last.Content)
	}
}

func TestAgentSequentialToolOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	a := &orderTool{name: "first", order: &order, mu: &mu}
	b := &orderTool{name: "second", order: &order, mu: &mu}
	c := &orderTool{name: "third", order: &order, mu: &mu}

	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("first", "second", "third"),
		{Content: "all done"},
	}}
	agent, err := NewAgent(client, WithTools(a, b, c))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", out.ToolCalls)
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestAgentMaxStepsReached(t *testing.T) {
	// Every step requests another tool call, never terminating.
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("echo"),
		toolCallResponse("echo"),
		toolCallResponse("echo"),
	}}
	agent, err := NewAgent(client, WithTools(echoTool{}), WithMaxSteps(2))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != ReasonMaxStepsReached {
		t.Errorf("reason = %q", out.Reason)
	}
	if out.Response != "Task couldn't be completed after 2 steps." {
		t.Errorf("response = %q", out.Response)
	}
	if out.Success() {
		t.Error("max-steps run must not count as success")
	}
	if client.calls() != 2 {
		t.Errorf("llm calls = %d, want 2", client.calls())
	}
}

func TestAgentUnknownToolFedBack(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("no_such_tool"),
		{Content: "recovered"},
	}}
	agent, err := NewAgent(client, WithTools(echoTool{}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "recovered" {
		t.Errorf("response = %q", out.Response)
	}

	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Content, "Tool execution failed:") {
		t.Errorf("failure not fed back: %q", last.Content)
	}
	if !strings.Contains(last.Content, "Unknown tool: no_such_tool") {
		t.Errorf("missing unknown-tool message: %q", last.Content)
	}
}

func TestAgentToolFailureFedBack(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("fail"),
		{Content: "noted"},
	}}
	agent, err := NewAgent(client, WithTools(failTool{}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	if _, err := agent.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := client.request(1).Messages[len(client.request(1).Messages)-1]
	if last.Content != "Tool execution failed: tool broken" {
		t.Errorf("tool message = %q", last.Content)
	}
}

func TestAgentLLMFailure(t *testing.T) {
	client := &mockLLM{err: errors.New("connection refused")}
	agent, err := NewAgent(client, WithName("broken"))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonError {
		t.Errorf("reason = %q", out.Reason)
	}
	if !strings.HasPrefix(out.Response, "LLM call failed: ") {
		t.Errorf("response = %q", out.Response)
	}
	if out.Success() {
		t.Error("failed run must not count as success")
	}
}

func TestAgentCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &mockLLM{responses: []LLMResponse{{Content: "never reached"}}}
	agent, err := NewAgent(client)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	out, err := agent.Run(ctx, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonCancelled {
		t.Errorf("reason = %q", out.Reason)
	}
	if client.calls() != 0 {
		t.Errorf("llm called %d times on cancelled context", client.calls())
	}
}

func TestAgentToolOutputTruncation(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("big"),
		{Content: "ok"},
	}}
	agent, err := NewAgent(client, WithTools(&bigTool{size: 500}), WithToolOutputLimit(100))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	if _, err := agent.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := client.request(1).Messages[len(client.request(1).Messages)-1]
	if !strings.Contains(last.Content, "[output truncated, 100 of 500 chars shown]") {
		t.Errorf("missing truncation marker: %q", last.Content)
	}
	if !strings.HasPrefix(last.Content, strings.Repeat("x", 100)+"\n") {
		t.Errorf("truncated head wrong: %.120q", last.Content)
	}
}

func TestSystemPromptAssembly(t *testing.T) {
	client := &mockLLM{}
	agent, err := NewAgent(client,
		WithSystemPrompt("You are a test agent."),
		WithInstructions("Always be brief."),
		WithWorkspace("/tmp/ws"))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	prompt := agent.SystemPrompt()
	if !strings.HasPrefix(prompt, "You are a test agent.") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "## Instructions\nAlways be brief.") {
		t.Errorf("instructions missing: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "Current Workspace: /tmp/ws") {
		t.Errorf("workspace footer missing: %q", prompt)
	}
}

func TestSystemPromptWorkspaceFooterIdempotent(t *testing.T) {
	client := &mockLLM{}
	agent, err := NewAgent(client,
		WithSystemPrompt("Base.\n\nCurrent Workspace: /already/here"),
		WithWorkspace("/tmp/ws"))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	prompt := agent.SystemPrompt()
	if strings.Count(prompt, workspaceFooterPrefix) != 1 {
		t.Errorf("workspace footer duplicated: %q", prompt)
	}
}

func TestSystemPromptToolInstructions(t *testing.T) {
	tool := NewFuncTool("noop", "does nothing", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) ToolResult { return ToolSuccess("ok") },
	).WithInstructions("## Noop Usage\nCall it never.")
	client := &mockLLM{}
	agent, err := NewAgent(client, WithTools(tool))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if !strings.Contains(agent.SystemPrompt(), "## Noop Usage") {
		t.Errorf("tool instructions missing: %q", agent.SystemPrompt())
	}
}

func TestAgentSessionPersistence(t *testing.T) {
	store := NewMemorySessionStore()
	sessions := NewAgentSessionManager(store, nil)

	client := &mockLLM{responses: []LLMResponse{
		{Content: "first answer"},
		{Content: "second answer"},
	}}
	agent, err := NewAgent(client, WithName("recall"), WithSessionManager(sessions))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ctx := context.Background()
	if _, err := agent.Run(ctx, "first question", WithSession("s1", "u1")); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if _, err := agent.Run(ctx, "second question", WithSession("s1", "u1")); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	s, err := sessions.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s == nil || len(s.Runs) != 2 {
		t.Fatalf("session runs = %v", s)
	}
	if s.Runs[0].Response != "first answer" || !s.Runs[0].Success {
		t.Errorf("run record 0 = %+v", s.Runs[0])
	}

	// The second run's request must include the first round as history.
	req := client.request(1)
	var sawHistory bool
	for _, m := range req.Messages {
		if m.Role == RoleAssistant && m.Content == "first answer" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Errorf("history not seeded: %+v", req.Messages)
	}
}

func TestAgentRunStreamEvents(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		toolCallResponse("echo"),
		{Content: "streamed answer"},
	}}
	agent, err := NewAgent(client, WithTools(echoTool{}))
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ch := make(chan AgentEvent, 64)
	out, err := agent.RunStream(context.Background(), "go", ch)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	if out.Response != "streamed answer" {
		t.Errorf("response = %q", out.Response)
	}

	var types []AgentEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	counts := map[AgentEventType]int{}
	for _, typ := range types {
		counts[typ]++
	}
	if counts[EventStep] != 2 {
		t.Errorf("step events = %d, want 2", counts[EventStep])
	}
	if counts[EventToolCall] != 1 || counts[EventToolResult] != 1 {
		t.Errorf("tool events = %d/%d", counts[EventToolCall], counts[EventToolResult])
	}
	if counts[EventDone] != 1 {
		t.Errorf("done events = %d, want 1", counts[EventDone])
	}
	if types[len(types)-1] != EventDone {
		t.Errorf("last event = %q, want done", types[len(types)-1])
	}
}

func TestAgentRunStreamErrorEvent(t *testing.T) {
	client := &mockLLM{err: errors.New("boom")}
	agent, err := NewAgent(client)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ch := make(chan AgentEvent, 16)
	if _, err := agent.RunStream(context.Background(), "go", ch); err == nil {
		t.Fatal("expected error")
	}
	var last AgentEvent
	for ev := range ch {
		last = ev
	}
	if last.Type != EventError {
		t.Errorf("terminal event = %q, want error", last.Type)
	}
	if !strings.Contains(last.Error, "boom") {
		t.Errorf("error event = %q", last.Error)
	}
}

func TestNewAgentRequiresClient(t *testing.T) {
	if _, err := NewAgent(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestNewAgentRejectsDuplicateTools(t *testing.T) {
	if _, err := NewAgent(&mockLLM{}, WithTools(echoTool{}, echoTool{})); err == nil {
		t.Fatal("expected duplicate tool error")
	}
}
