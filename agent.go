package skillagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultMaxSteps bounds the step loop.
	DefaultMaxSteps = 50
	// DefaultToolOutputLimit bounds tool result characters fed back to the LLM.
	DefaultToolOutputLimit = 30_000
	// DefaultHistoryRuns is how many past runs seed a session-backed turn.
	DefaultHistoryRuns = 5
	// defaultHistoryResponseChars bounds each rendered historical response.
	defaultHistoryResponseChars = 2000

	defaultSystemPrompt = "You are a helpful AI assistant. Use the available tools when they help you complete the task, and answer directly when they don't."

	workspaceFooterPrefix = "Current Workspace: "
)

// CompletionReason classifies how a run ended.
type CompletionReason string

const (
	ReasonTaskCompleted   CompletionReason = "task_completed"
	ReasonMaxStepsReached CompletionReason = "max_steps_reached"
	ReasonError           CompletionReason = "error"
	ReasonCancelled       CompletionReason = "cancelled"
)

// RunOutput is the result of one Agent run.
type RunOutput struct {
	RunID     string           `json:"run_id"`
	Response  string           `json:"response"`
	Steps     int              `json:"steps"`
	ToolCalls int              `json:"tool_calls"`
	Reason    CompletionReason `json:"reason"`
	Usage     TokenUsage       `json:"usage"`
}

// Success reports whether the run produced a usable answer: non-empty, not
// a step-budget timeout, not an LLM-failure sentinel.
func (o RunOutput) Success() bool {
	if o.Response == "" {
		return false
	}
	if o.Reason == ReasonMaxStepsReached || o.Reason == ReasonError || o.Reason == ReasonCancelled {
		return false
	}
	return !strings.HasPrefix(o.Response, llmFailedPrefix)
}

// Agent drives an LLM through a tool-calling step loop. Construct with
// NewAgent; zero value is not usable. An Agent is safe for concurrent runs:
// per-run state lives on the stack, shared fields are immutable after
// construction.
type Agent struct {
	name            string
	description     string
	systemPrompt    string
	instructions    string
	workspaceDir    string
	client          LLMClient
	registry        *ToolRegistry
	tokens          *TokenManager
	runLog          RunLogger
	logger          *slog.Logger
	tracer          Tracer
	sessions        *AgentSessionManager
	maxSteps        int
	maxTokens       int
	toolOutputLimit int
	toolTimeout     time.Duration
	numHistoryRuns  int
}

type agentConfig struct {
	name            string
	description     string
	systemPrompt    string
	instructions    string
	workspaceDir    string
	tools           []Tool
	tokens          *TokenManager
	runLog          RunLogger
	logger          *slog.Logger
	tracer          Tracer
	sessions        *AgentSessionManager
	maxSteps        int
	maxTokens       int
	toolOutputLimit int
	toolTimeout     time.Duration
	numHistoryRuns  int
}

// AgentOption configures an Agent at construction.
type AgentOption func(*agentConfig)

// WithName sets the agent name used in events, logs, and run records.
func WithName(name string) AgentOption {
	return func(c *agentConfig) { c.name = name }
}

// WithDescription sets the base description used when no explicit system
// prompt is configured.
func WithDescription(d string) AgentOption {
	return func(c *agentConfig) { c.description = d }
}

// WithSystemPrompt replaces the default system prompt entirely.
func WithSystemPrompt(p string) AgentOption {
	return func(c *agentConfig) { c.systemPrompt = p }
}

// WithInstructions appends an instructions section to the system prompt.
func WithInstructions(text string) AgentOption {
	return func(c *agentConfig) { c.instructions = text }
}

// WithWorkspace sets the workspace directory advertised in the system prompt.
func WithWorkspace(dir string) AgentOption {
	return func(c *agentConfig) { c.workspaceDir = dir }
}

// WithTools adds tools to the agent's registry.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithMaxSteps overrides the step budget.
func WithMaxSteps(n int) AgentOption {
	return func(c *agentConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithMaxTokens sets the per-call completion token budget (0 = provider
// default; providers clamp to their model ceiling).
func WithMaxTokens(n int) AgentOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithToolOutputLimit overrides the tool result truncation threshold.
func WithToolOutputLimit(n int) AgentOption {
	return func(c *agentConfig) {
		if n > 0 {
			c.toolOutputLimit = n
		}
	}
}

// WithToolTimeout bounds each tool execution's wall clock.
func WithToolTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) {
		if d > 0 {
			c.toolTimeout = d
		}
	}
}

// WithTokenManager sets the history compression manager. Without one the
// agent never compresses.
func WithTokenManager(tm *TokenManager) AgentOption {
	return func(c *agentConfig) { c.tokens = tm }
}

// WithRunLogger sets the structured run-event sink.
func WithRunLogger(rl RunLogger) AgentOption {
	return func(c *agentConfig) { c.runLog = rl }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithSessionManager enables session persistence. Runs carrying a session id
// load history on entry and append a RunRecord on exit.
func WithSessionManager(sm *AgentSessionManager) AgentOption {
	return func(c *agentConfig) { c.sessions = sm }
}

// WithHistoryRuns sets how many past runs seed a session-backed turn.
func WithHistoryRuns(n int) AgentOption {
	return func(c *agentConfig) {
		if n > 0 {
			c.numHistoryRuns = n
		}
	}
}

// NewAgent builds an Agent around an LLM client.
func NewAgent(client LLMClient, opts ...AgentOption) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent: llm client is required")
	}
	cfg := agentConfig{
		name:            "agent",
		maxSteps:        DefaultMaxSteps,
		toolOutputLimit: DefaultToolOutputLimit,
		toolTimeout:     5 * time.Minute,
		numHistoryRuns:  DefaultHistoryRuns,
		runLog:          NopRunLogger{},
		logger:          nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry, err := NewToolRegistry(cfg.tools...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.name, err)
	}
	// Spawn tools created before the agent existed bind to its registry now,
	// so children inherit the full tool set.
	for _, t := range registry.Tools() {
		if st, ok := t.(*SpawnAgentTool); ok && st.parentTools == nil {
			st.parentTools = registry
		}
	}
	return &Agent{
		name:            cfg.name,
		description:     cfg.description,
		systemPrompt:    cfg.systemPrompt,
		instructions:    cfg.instructions,
		workspaceDir:    cfg.workspaceDir,
		client:          client,
		registry:        registry,
		tokens:          cfg.tokens,
		runLog:          cfg.runLog,
		logger:          cfg.logger.With("agent", cfg.name),
		tracer:          cfg.tracer,
		sessions:        cfg.sessions,
		maxSteps:        cfg.maxSteps,
		maxTokens:       cfg.maxTokens,
		toolOutputLimit: cfg.toolOutputLimit,
		toolTimeout:     cfg.toolTimeout,
		numHistoryRuns:  cfg.numHistoryRuns,
	}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRegistry { return a.registry }

// SystemPrompt assembles the system prompt: base description, instructions,
// instruction text from tools that opt in, and the workspace footer. The
// footer is idempotent so prompts passed through twice don't accumulate it.
func (a *Agent) SystemPrompt() string {
	base := a.systemPrompt
	if base == "" {
		if a.description != "" {
			base = a.description
		} else {
			base = defaultSystemPrompt
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))

	if a.instructions != "" {
		b.WriteString("\n\n## Instructions\n")
		b.WriteString(a.instructions)
	}

	for _, t := range a.registry.Tools() {
		pi, ok := t.(PromptInstructor)
		if !ok {
			continue
		}
		text := pi.Instructions()
		if text == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(text)
	}

	prompt := b.String()
	if a.workspaceDir != "" && !strings.Contains(prompt, workspaceFooterPrefix) {
		prompt += "\n\n" + workspaceFooterPrefix + a.workspaceDir
	}
	return prompt
}

// RunOption configures one run.
type RunOption func(*runOptions)

type runOptions struct {
	sessionID   string
	userID      string
	parentRunID string
	depth       int
	historyRuns int
}

// WithSession routes the run through session persistence.
func WithSession(sessionID, userID string) RunOption {
	return func(o *runOptions) {
		o.sessionID = sessionID
		o.userID = userID
	}
}

// WithParentRun links this run under a parent (delegated or spawned runs).
func WithParentRun(parentRunID string) RunOption {
	return func(o *runOptions) { o.parentRunID = parentRunID }
}

// WithDepth records the nesting depth for spawned runs.
func WithDepth(depth int) RunOption {
	return func(o *runOptions) { o.depth = depth }
}

// WithRunHistoryRuns overrides the agent's history window for this run.
func WithRunHistoryRuns(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.historyRuns = n
		}
	}
}

// Run executes the step loop to completion and returns the final response.
// LLM failures return a RunOutput whose Response carries the failure sentinel
// alongside a non-nil error; all other outcomes return a nil error.
func (a *Agent) Run(ctx context.Context, message string, opts ...RunOption) (RunOutput, error) {
	return a.run(ctx, message, nil, opts...)
}

// RunStream executes the step loop, streaming AgentEvents into ch. The
// channel is closed when the run completes; exactly one terminal event (done
// or error) precedes the close.
func (a *Agent) RunStream(ctx context.Context, message string, ch chan<- AgentEvent, opts ...RunOption) (RunOutput, error) {
	return a.run(ctx, message, ch, opts...)
}

func (a *Agent) run(ctx context.Context, message string, ch chan<- AgentEvent, opts ...RunOption) (RunOutput, error) {
	ro := runOptions{historyRuns: a.numHistoryRuns}
	for _, opt := range opts {
		opt(&ro)
	}

	rc := &RunContext{
		RunID:       NewID(),
		ParentRunID: ro.parentRunID,
		SessionID:   ro.sessionID,
		UserID:      ro.userID,
		Depth:       ro.depth,
	}
	ctx = withRunContext(ctx, rc)

	sink := newEventSink(ch)
	defer sink.close()

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("agent.name", a.name),
			StringAttr("run.id", rc.RunID),
			IntAttr("run.depth", rc.Depth))
		defer span.End()
	}

	messages := a.seedMessages(ctx, message, ro)

	a.runLog.Log(rc.RunID, RunLogRunStart, map[string]any{
		"agent":      a.name,
		"message":    message,
		"session_id": ro.sessionID,
		"depth":      rc.Depth,
	})

	out, runErr := a.loop(ctx, rc, messages, sink, ch != nil)
	out.RunID = rc.RunID

	a.runLog.Log(rc.RunID, RunLogCompletion, map[string]any{
		"reason":     string(out.Reason),
		"steps":      out.Steps,
		"tool_calls": out.ToolCalls,
		"response":   out.Response,
	})
	a.runLog.EndRun(rc.RunID)

	if runErr != nil {
		sink.send(AgentEvent{Type: EventError, RunID: rc.RunID, Agent: a.name, Error: out.Response})
	} else {
		sink.send(AgentEvent{Type: EventDone, RunID: rc.RunID, Agent: a.name, Step: out.Steps, Response: out.Response})
	}

	a.persistRun(ctx, message, out, ro)
	return out, runErr
}

// seedMessages builds the initial message list: system prompt, rendered
// session history when available, then the user message.
func (a *Agent) seedMessages(ctx context.Context, message string, ro runOptions) []Message {
	messages := []Message{SystemMessage(a.SystemPrompt())}
	if a.sessions != nil && ro.sessionID != "" {
		session, err := a.sessions.GetSession(ctx, ro.sessionID)
		if err != nil {
			a.logger.Warn("session load failed", "session_id", ro.sessionID, "error", err)
		} else if session != nil {
			messages = append(messages, session.HistoryMessages(ro.historyRuns, defaultHistoryResponseChars, true)...)
		}
	}
	return append(messages, UserMessage(message))
}

// loop is the step loop shared by Run and RunStream.
func (a *Agent) loop(ctx context.Context, rc *RunContext, messages []Message, sink *eventSink, streaming bool) (RunOutput, error) {
	var out RunOutput

	for step := 1; step <= a.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			out.Steps = step - 1
			out.Reason = ReasonCancelled
			out.Response = llmFailedPrefix + err.Error()
			return out, err
		}
		out.Steps = step

		if a.tokens != nil {
			messages = a.tokens.MaybeCompress(ctx, messages)
		}

		estimated := 0
		if a.tokens != nil {
			estimated = a.tokens.EstimateMessages(messages)
		}
		a.runLog.Log(rc.RunID, RunLogStep, map[string]any{
			"step": step, "max_steps": a.maxSteps, "estimated_tokens": estimated,
		})
		sink.send(AgentEvent{Type: EventStep, RunID: rc.RunID, Agent: a.name, Step: step})
		a.logger.Debug("step", "run_id", rc.RunID, "step", step, "estimated_tokens", estimated)

		resp, err := a.generate(ctx, rc, messages, sink, streaming)
		if err != nil {
			out.Reason = ReasonError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				out.Reason = ReasonCancelled
			}
			out.Response = llmFailedPrefix + err.Error()
			a.logger.Error("llm call failed", "run_id", rc.RunID, "step", step, "error", err)
			return out, fmt.Errorf("agent %s: llm call: %w", a.name, err)
		}
		out.Usage.Add(resp.Usage)

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			Thinking:  resp.Thinking,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			out.Reason = ReasonTaskCompleted
			out.Response = resp.Content
			return out, nil
		}

		// Sequential by contract: tool side effects and the resulting message
		// history must be deterministic in the order the LLM emitted them.
		for _, call := range resp.ToolCalls {
			result := a.executeTool(ctx, rc, call, sink)
			out.ToolCalls++
			content := result.Content
			if !result.Success {
				content = "Tool execution failed: " + result.Error
			} else if len(content) > a.toolOutputLimit {
				content = fmt.Sprintf("%s\n... [output truncated, %d of %d chars shown]",
					content[:a.toolOutputLimit], a.toolOutputLimit, len(content))
			}
			messages = append(messages, ToolResultMessage(call.ID, call.Name, content))
		}
	}

	out.Reason = ReasonMaxStepsReached
	out.Response = fmt.Sprintf("Task couldn't be completed after %d steps.", a.maxSteps)
	return out, nil
}

// generate performs one LLM call, streaming deltas when requested.
func (a *Agent) generate(ctx context.Context, rc *RunContext, messages []Message, sink *eventSink, streaming bool) (LLMResponse, error) {
	req := GenerateRequest{
		Messages:  messages,
		Tools:     a.registry.Definitions(),
		MaxTokens: a.maxTokens,
	}
	a.runLog.Log(rc.RunID, RunLogRequest, map[string]any{
		"provider": a.client.Name(),
		"messages": len(messages),
		"tools":    a.registry.Len(),
	})

	var resp LLMResponse
	var err error
	if streaming {
		llmCh := make(chan LLMStreamEvent, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range llmCh {
				switch ev.Type {
				case LLMEventThinkingDelta:
					sink.send(AgentEvent{Type: EventThinking, RunID: rc.RunID, Agent: a.name, Delta: ev.Delta})
				case LLMEventContentDelta:
					sink.send(AgentEvent{Type: EventContent, RunID: rc.RunID, Agent: a.name, Delta: ev.Delta})
				}
			}
		}()
		resp, err = a.client.GenerateStream(ctx, req, llmCh)
		<-done
	} else {
		resp, err = a.client.Generate(ctx, req)
	}
	if err != nil {
		return LLMResponse{}, err
	}

	a.runLog.Log(rc.RunID, RunLogResponse, map[string]any{
		"content":       resp.Content,
		"tool_calls":    len(resp.ToolCalls),
		"finish_reason": resp.FinishReason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})
	return resp, nil
}

// executeTool dispatches one tool call with a wall-clock bound and records
// the outcome.
func (a *Agent) executeTool(ctx context.Context, rc *RunContext, call ToolCall, sink *eventSink) ToolResult {
	sink.send(AgentEvent{Type: EventToolCall, RunID: rc.RunID, Agent: a.name, Tool: call.Name, Args: string(call.Args)})

	toolCtx := ctx
	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	var span Span
	if a.tracer != nil {
		toolCtx, span = a.tracer.Start(toolCtx, "tool.execute",
			StringAttr("tool.name", call.Name))
	}

	start := time.Now()
	result := a.registry.Execute(toolCtx, call.Name, call.Args)
	elapsed := time.Since(start)

	if span != nil {
		span.SetAttr(BoolAttr("tool.success", result.Success))
		if !result.Success {
			span.Error(errors.New(result.Error))
		}
		span.End()
	}

	a.runLog.Log(rc.RunID, RunLogToolExecution, map[string]any{
		"tool":        call.Name,
		"args":        string(call.Args),
		"success":     result.Success,
		"content":     result.Content,
		"error":       result.Error,
		"duration_ms": elapsed.Milliseconds(),
	})
	a.logger.Debug("tool executed",
		"run_id", rc.RunID, "tool", call.Name, "success", result.Success, "duration", elapsed)

	res := result
	sink.send(AgentEvent{Type: EventToolResult, RunID: rc.RunID, Agent: a.name, Tool: call.Name, Result: &res})
	return result
}

// persistRun appends a RunRecord when the run is session-backed.
func (a *Agent) persistRun(ctx context.Context, message string, out RunOutput, ro runOptions) {
	if a.sessions == nil || ro.sessionID == "" {
		return
	}
	record := RunRecord{
		RunID:       out.RunID,
		ParentRunID: ro.parentRunID,
		RunnerType:  RunnerAgent,
		RunnerName:  a.name,
		UserID:      ro.userID,
		Message:     message,
		Response:    out.Response,
		Success:     out.Success(),
		Reason:      string(out.Reason),
		Steps:       out.Steps,
		Usage:       out.Usage,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.sessions.AddRun(ctx, ro.sessionID, a.name, ro.userID, record); err != nil {
		a.logger.Warn("run record persist failed", "session_id", ro.sessionID, "error", err)
	}
}
