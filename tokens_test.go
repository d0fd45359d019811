package skillagent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tm := NewTokenManager(nil)
	if got := tm.EstimateTokens(""); got != 0 {
		t.Errorf("empty string = %d tokens", got)
	}
	short := tm.EstimateTokens("hello")
	long := tm.EstimateTokens(strings.Repeat("hello world ", 100))
	if short <= 0 {
		t.Errorf("short = %d", short)
	}
	if long <= short {
		t.Errorf("long (%d) not greater than short (%d)", long, short)
	}
}

func TestEstimateMessagesIncludesOverhead(t *testing.T) {
	tm := NewTokenManager(nil)
	messages := []Message{UserMessage(""), AssistantMessage("")}
	if got := tm.EstimateMessages(messages); got != 2*perMessageOverhead {
		t.Errorf("empty messages = %d tokens, want %d", got, 2*perMessageOverhead)
	}
}

func TestEstimateMessagesCountsThinking(t *testing.T) {
	tm := NewTokenManager(nil)
	plain := []Message{{Role: RoleAssistant, Content: "the answer"}}
	withThinking := []Message{{
		Role:     RoleAssistant,
		Content:  "the answer",
		Thinking: strings.Repeat("reasoning trace ", 20),
	}}
	if tm.EstimateMessages(withThinking) <= tm.EstimateMessages(plain) {
		t.Error("thinking content not counted")
	}
}

func TestShouldCompressByRounds(t *testing.T) {
	tm := NewTokenManager(nil, WithCompressionThresholds(2, 1_000_000))

	messages := []Message{
		SystemMessage("sys"),
		UserMessage("q1"), AssistantMessage("a1"),
		UserMessage("q2"), AssistantMessage("a2"),
	}
	if tm.ShouldCompress(messages) {
		t.Error("2 rounds at threshold 2 should not compress")
	}
	messages = append(messages, UserMessage("q3"))
	if !tm.ShouldCompress(messages) {
		t.Error("3 rounds over threshold 2 should compress")
	}
}

func TestShouldCompressSkipsCoreMemoryTurn(t *testing.T) {
	tm := NewTokenManager(nil, WithCompressionThresholds(2, 1_000_000))
	messages := []Message{
		SystemMessage("sys"),
		UserMessage(coreMemoryMarker + "\nsummary of the past"),
		AssistantMessage(coreMemoryAck),
		UserMessage("q1"), AssistantMessage("a1"),
		UserMessage("q2"),
	}
	if tm.ShouldCompress(messages) {
		t.Error("core-memory turn must not count as a user round")
	}
}

func TestMaybeCompressBelowThresholdUnchanged(t *testing.T) {
	tm := NewTokenManager(&mockLLM{}, WithCompressionThresholds(5, 1_000_000))
	messages := []Message{SystemMessage("sys"), UserMessage("q1")}
	out := tm.MaybeCompress(context.Background(), messages)
	if len(out) != len(messages) {
		t.Errorf("compressed below threshold: %d -> %d messages", len(messages), len(out))
	}
}

func TestMaybeCompressShape(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		{Content: "the user is migrating a database and has finished step one"},
	}}
	tm := NewTokenManager(client, WithCompressionThresholds(2, 1_000_000))

	messages := []Message{
		SystemMessage("you are helpful"),
		UserMessage("q1"), AssistantMessage("a1"),
		UserMessage("q2"), AssistantMessage("a2"),
		UserMessage("q3"),
	}
	out := tm.MaybeCompress(context.Background(), messages)

	if len(out) != 4 {
		t.Fatalf("compressed length = %d, want 4: %+v", len(out), out)
	}
	if out[0].Role != RoleSystem || out[0].Content != "you are helpful" {
		t.Errorf("system prompt not preserved: %+v", out[0])
	}
	if out[1].Role != RoleUser || !strings.HasPrefix(out[1].Content, coreMemoryMarker) {
		t.Errorf("core memory turn missing: %+v", out[1])
	}
	if !strings.Contains(out[1].Content, "migrating a database") {
		t.Errorf("summary content missing: %q", out[1].Content)
	}
	if out[2].Role != RoleAssistant || out[2].Content != coreMemoryAck {
		t.Errorf("ack turn wrong: %+v", out[2])
	}
	if out[3].Role != RoleUser || out[3].Content != "q3" {
		t.Errorf("last user turn not kept verbatim: %+v", out[3])
	}

	// Side call uses the extraction prompt, not the agent's messages.
	req := client.request(0)
	if req.Messages[0].Role != RoleSystem || !strings.Contains(req.Messages[0].Content, "core memory") {
		t.Errorf("extraction prompt wrong: %+v", req.Messages[0])
	}
	if req.MaxTokens != 1024 {
		t.Errorf("extraction max tokens = %d", req.MaxTokens)
	}
}

func TestMaybeCompressExtractionFailureSentinel(t *testing.T) {
	client := &mockLLM{err: errors.New("provider down")}
	tm := NewTokenManager(client, WithCompressionThresholds(2, 1_000_000))

	messages := []Message{
		SystemMessage("sys"),
		UserMessage("q1"), AssistantMessage("a1"),
		UserMessage("q2"), AssistantMessage("a2"),
		UserMessage("q3"),
	}
	out := tm.MaybeCompress(context.Background(), messages)
	if len(out) != 4 {
		t.Fatalf("compressed length = %d", len(out))
	}
	if !strings.Contains(out[1].Content, "[2 rounds compressed, extraction failed]") {
		t.Errorf("sentinel missing: %q", out[1].Content)
	}
}

func TestMaybeCompressNothingBeforeLastUserTurn(t *testing.T) {
	// Token threshold exceeded, but the only user message is the last one:
	// there is no prefix to fold away.
	tm := NewTokenManager(&mockLLM{}, WithCompressionThresholds(100, 1))
	messages := []Message{SystemMessage("sys"), UserMessage("the only turn")}
	out := tm.MaybeCompress(context.Background(), messages)
	if len(out) != 2 {
		t.Errorf("messages changed: %+v", out)
	}
}
