package skillagent

import "sync"

// AgentEventType identifies the kind of high-level event emitted during a run.
type AgentEventType string

const (
	// EventStep marks the start of a step iteration.
	EventStep AgentEventType = "step"
	// EventThinking carries an incremental reasoning chunk.
	EventThinking AgentEventType = "thinking"
	// EventContent carries an incremental response text chunk.
	EventContent AgentEventType = "content"
	// EventToolCall signals a tool is about to execute.
	EventToolCall AgentEventType = "tool_call"
	// EventToolResult carries the outcome of a tool execution.
	EventToolResult AgentEventType = "tool_result"
	// EventDone signals run completion; Response carries the final text.
	EventDone AgentEventType = "done"
	// EventError signals the run failed; Error carries the message.
	EventError AgentEventType = "error"
)

// AgentEvent is one event on an agent's streaming channel. Exactly one
// terminal event (done or error) closes every stream.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	RunID    string         `json:"run_id,omitempty"`
	Agent    string         `json:"agent,omitempty"`
	Step     int            `json:"step,omitempty"`
	Delta    string         `json:"delta,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Args     string         `json:"args,omitempty"`
	Result   *ToolResult    `json:"result,omitempty"`
	Response string         `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// eventSink serializes event emission to a caller-owned channel and makes
// close idempotent. A nil sink drops everything, so non-streaming runs share
// the same code path.
type eventSink struct {
	ch        chan<- AgentEvent
	closeOnce sync.Once
}

func newEventSink(ch chan<- AgentEvent) *eventSink {
	if ch == nil {
		return nil
	}
	return &eventSink{ch: ch}
}

func (s *eventSink) send(ev AgentEvent) {
	if s == nil {
		return
	}
	defer func() { recover() }() // tolerate a closed channel
	s.ch <- ev
}

func (s *eventSink) close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		defer func() { recover() }()
		close(s.ch)
	})
}
