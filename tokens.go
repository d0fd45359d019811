package skillagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultMaxUserRounds triggers compression when the history holds more
	// than this many user turns.
	DefaultMaxUserRounds = 2
	// DefaultTokenLimit triggers compression when the estimated token count
	// exceeds this.
	DefaultTokenLimit = 120_000

	// perMessageOverhead approximates the per-message framing tokens of the
	// chat wire format.
	perMessageOverhead = 4

	coreMemoryMarker = "[conversation history core memory]"
	coreMemoryAck    = "I have loaded the core memory of our previous conversation and will use it as context."

	coreMemoryPrompt = `Extract the core memory from the conversation below. Summarize, in at most 300 words:
1. The user's overall intent and goals.
2. Key facts, names, values, and decisions established so far.
3. Actions already completed and their outcomes.
4. Pending items that still need attention.

Write the summary as plain prose. Do not add commentary.`
)

// TokenManager estimates token counts over message lists and compresses the
// older history prefix into a core-memory summary when thresholds are
// exceeded. Safe for concurrent use; the encoder is immutable after init.
type TokenManager struct {
	client        LLMClient
	encoder       *tiktoken.Tiktoken
	maxUserRounds int
	tokenLimit    int
	logger        *slog.Logger
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithCompressionThresholds overrides the round and token triggers.
// Non-positive values keep the defaults.
func WithCompressionThresholds(maxUserRounds, tokenLimit int) TokenManagerOption {
	return func(tm *TokenManager) {
		if maxUserRounds > 0 {
			tm.maxUserRounds = maxUserRounds
		}
		if tokenLimit > 0 {
			tm.tokenLimit = tokenLimit
		}
	}
}

// WithTokenManagerLogger sets the logger.
func WithTokenManagerLogger(l *slog.Logger) TokenManagerOption {
	return func(tm *TokenManager) {
		if l != nil {
			tm.logger = l
		}
	}
}

// NewTokenManager builds a manager using the cl100k_base encoding. When the
// encoding cannot be loaded the manager falls back to a character heuristic.
// client is the side LLM used for summary extraction; it may be the same
// client the owning agent uses.
func NewTokenManager(client LLMClient, opts ...TokenManagerOption) *TokenManager {
	tm := &TokenManager{
		client:        client,
		maxUserRounds: DefaultMaxUserRounds,
		tokenLimit:    DefaultTokenLimit,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(tm)
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		tm.logger.Warn("token encoding unavailable, using character heuristic", "error", err)
	} else {
		tm.encoder = enc
	}
	return tm
}

// EstimateTokens estimates tokens for a single string.
func (tm *TokenManager) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if tm.encoder != nil {
		return len(tm.encoder.Encode(text, nil, nil))
	}
	// Rough mixed-language heuristic: ~2.5 chars per token.
	return int(float64(len([]rune(text)))/2.5) + 1
}

// EstimateMessages estimates tokens for a message list, including a fixed
// per-message framing overhead.
func (tm *TokenManager) EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += tm.EstimateTokens(m.Content)
		total += tm.EstimateTokens(m.Thinking)
		for _, tc := range m.ToolCalls {
			total += tm.EstimateTokens(tc.Name)
			total += tm.EstimateTokens(string(tc.Args))
		}
	}
	return total
}

// countUserRounds counts user messages, skipping the injected core-memory
// turn so repeated compression doesn't count its own output.
func countUserRounds(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser && !strings.HasPrefix(m.Content, coreMemoryMarker) {
			n++
		}
	}
	return n
}

// ShouldCompress reports whether either threshold is exceeded.
func (tm *TokenManager) ShouldCompress(messages []Message) bool {
	if countUserRounds(messages) > tm.maxUserRounds {
		return true
	}
	return tm.EstimateMessages(messages) > tm.tokenLimit
}

// MaybeCompress compresses the history when a threshold is exceeded,
// otherwise returns messages unchanged. The returned list always preserves
// the system prompt (index 0) and the last user turn verbatim. Compression
// never fails the caller's run: on extraction failure a sentinel summary is
// substituted.
func (tm *TokenManager) MaybeCompress(ctx context.Context, messages []Message) []Message {
	if !tm.ShouldCompress(messages) {
		return messages
	}

	// K = index of the most recent user message. The window [1, K) is what
	// gets summarized; [K, end] is kept verbatim.
	k := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			k = i
			break
		}
	}
	if k <= 1 {
		// Nothing before the last user turn to compress.
		return messages
	}

	window := messages[1:k]
	rounds := countUserRounds(window)
	summary, err := tm.extractCoreMemory(ctx, window)
	if err != nil {
		tm.logger.Warn("core memory extraction failed", "error", err, "rounds", rounds)
		summary = fmt.Sprintf("[%d rounds compressed, extraction failed]", rounds)
	}

	compressed := make([]Message, 0, len(messages)-k+3)
	compressed = append(compressed, messages[0])
	compressed = append(compressed, UserMessage(coreMemoryMarker+"\n"+summary))
	compressed = append(compressed, AssistantMessage(coreMemoryAck))
	compressed = append(compressed, messages[k:]...)

	tm.logger.Info("history compressed",
		"before", len(messages), "after", len(compressed), "rounds", rounds)
	return compressed
}

// extractCoreMemory issues the side LLM call that produces the summary.
func (tm *TokenManager) extractCoreMemory(ctx context.Context, window []Message) (string, error) {
	if tm.client == nil {
		return "", fmt.Errorf("no llm client configured for compression")
	}

	var b strings.Builder
	for _, m := range window {
		b.WriteString(m.Role)
		b.WriteString(": ")
		if m.Content != "" {
			b.WriteString(m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[tool call: %s]", tc.Name)
		}
		b.WriteString("\n")
	}

	resp, err := tm.client.Generate(ctx, GenerateRequest{
		Messages: []Message{
			SystemMessage(coreMemoryPrompt),
			UserMessage(b.String()),
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}
