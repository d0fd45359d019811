package skillagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// SpawnToolName is the registered name of the sub-agent spawning tool.
	SpawnToolName = "spawn_agent"

	// DefaultSpawnMaxDepth bounds sub-agent nesting. Configurable in [1, 5].
	DefaultSpawnMaxDepth = 2

	// defaultSpawnMaxSteps is the child's step budget when the caller gives
	// none. Callers may request up to spawnMaxStepsCeiling.
	defaultSpawnMaxSteps = 15
	spawnMaxStepsCeiling = 30

	spawnTaskPreviewChars = 300
)

var spawnParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"description": "The complete, self-contained task for the sub-agent. Include all context it needs; it cannot see your conversation."
		},
		"role": {
			"type": "string",
			"description": "Optional specialist role for the sub-agent, e.g. 'code reviewer' or 'research analyst'."
		},
		"context": {
			"type": "string",
			"description": "Optional background information to include in the sub-agent's system prompt."
		},
		"tools": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Optional subset of your tool names to grant the sub-agent. Omit to inherit all."
		},
		"max_steps": {
			"type": "integer",
			"description": "Optional step budget for the sub-agent (1-30)."
		}
	},
	"required": ["task"]
}`)

// SpawnAgentTool spawns a child Agent to handle a delegated task. The child
// gets a fresh conversation, a filtered copy of the parent's tools, and an
// incremented depth; its final text comes back as the tool result. Nesting
// is bounded by maxDepth.
type SpawnAgentTool struct {
	client       LLMClient
	parentTools  *ToolRegistry
	currentDepth int
	maxDepth     int
	workspaceDir string
	runLog       RunLogger
	logger       *slog.Logger
	tracer       Tracer
	tokens       *TokenManager
}

// SpawnOption configures a SpawnAgentTool.
type SpawnOption func(*SpawnAgentTool)

// WithSpawnMaxDepth sets the nesting bound, clamped to [1, 5].
func WithSpawnMaxDepth(d int) SpawnOption {
	return func(t *SpawnAgentTool) {
		if d < 1 {
			d = 1
		}
		if d > 5 {
			d = 5
		}
		t.maxDepth = d
	}
}

// WithSpawnWorkspace sets the workspace advertised to children.
func WithSpawnWorkspace(dir string) SpawnOption {
	return func(t *SpawnAgentTool) { t.workspaceDir = dir }
}

// WithSpawnRunLogger propagates a run-event sink to children.
func WithSpawnRunLogger(rl RunLogger) SpawnOption {
	return func(t *SpawnAgentTool) { t.runLog = rl }
}

// WithSpawnLogger sets the logger.
func WithSpawnLogger(l *slog.Logger) SpawnOption {
	return func(t *SpawnAgentTool) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithSpawnTracer propagates a tracer to children.
func WithSpawnTracer(tr Tracer) SpawnOption {
	return func(t *SpawnAgentTool) { t.tracer = tr }
}

// WithSpawnTokenManager propagates history compression to children.
func WithSpawnTokenManager(tm *TokenManager) SpawnOption {
	return func(t *SpawnAgentTool) { t.tokens = tm }
}

// NewSpawnAgentTool builds the tool for a root agent (depth 0). parentTools
// may be nil: NewAgent binds an unbound spawn tool to the owning agent's
// registry so children inherit the full tool set.
func NewSpawnAgentTool(client LLMClient, parentTools *ToolRegistry, opts ...SpawnOption) *SpawnAgentTool {
	t := &SpawnAgentTool{
		client:      client,
		parentTools: parentTools,
		maxDepth:    DefaultSpawnMaxDepth,
		runLog:      NopRunLogger{},
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// childInstance derives the tool a child agent carries: same configuration,
// incremented depth, bound to the child's registry.
func (t *SpawnAgentTool) childInstance(childTools *ToolRegistry) *SpawnAgentTool {
	child := *t
	child.currentDepth = t.currentDepth + 1
	child.parentTools = childTools
	return &child
}

func (t *SpawnAgentTool) Name() string { return SpawnToolName }

func (t *SpawnAgentTool) Description() string {
	return "Spawn a specialized sub-agent to handle a focused task independently. " +
		"The sub-agent runs to completion and returns its final answer. " +
		"Use for tasks that benefit from isolation or a different specialist role."
}

func (t *SpawnAgentTool) Parameters() json.RawMessage { return spawnParamsSchema }

// Instructions teaches the owning agent how to delegate well.
func (t *SpawnAgentTool) Instructions() string {
	return fmt.Sprintf(`## Sub-Agent Delegation
You can delegate focused tasks to sub-agents via the %s tool.
- Make each task self-contained: the sub-agent cannot see your conversation history.
- Pass relevant background via the context parameter.
- Narrow the tools parameter when the task only needs a few capabilities.
- Current nesting depth: %d of %d.`, SpawnToolName, t.currentDepth, t.maxDepth)
}

type spawnArgs struct {
	Task     string   `json:"task"`
	Role     string   `json:"role"`
	Context  string   `json:"context"`
	Tools    []string `json:"tools"`
	MaxSteps int      `json:"max_steps"`
}

func (t *SpawnAgentTool) Execute(ctx context.Context, raw json.RawMessage) ToolResult {
	// Depth is checked before anything else: a bounded tree must not cost an
	// LLM call to discover the bound.
	if t.currentDepth >= t.maxDepth {
		return ToolFailure(
			"Maximum agent nesting depth (%d) reached. Cannot spawn more sub-agents. Consider completing the task with available tools instead.",
			t.maxDepth)
	}

	var args spawnArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolFailure("Invalid spawn_agent arguments: %v", err)
	}
	if strings.TrimSpace(args.Task) == "" {
		return ToolFailure("spawn_agent requires a non-empty task")
	}

	maxSteps := args.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultSpawnMaxSteps
	}
	if maxSteps > spawnMaxStepsCeiling {
		maxSteps = spawnMaxStepsCeiling
	}

	childTools := t.buildChildTools(args.Tools)

	childName := "sub-agent"
	if args.Role != "" {
		childName = args.Role
	}
	child, err := NewAgent(t.client,
		WithName(childName),
		WithSystemPrompt(t.childSystemPrompt(args.Role, args.Context)),
		WithTools(childTools.Tools()...),
		WithMaxSteps(maxSteps),
		WithWorkspace(t.workspaceDir),
		WithRunLogger(t.runLog),
		WithLogger(t.logger),
		WithTracer(t.tracer),
		WithTokenManager(t.tokens),
	)
	if err != nil {
		return ToolFailure("Failed to construct sub-agent: %v", err)
	}

	childDepth := t.currentDepth + 1
	runOpts := []RunOption{WithDepth(childDepth)}
	if rc := runContextFrom(ctx); rc != nil {
		runOpts = append(runOpts, WithParentRun(rc.RunID))
	}

	t.logger.Info("spawning sub-agent",
		"role", args.Role, "depth", childDepth, "max_steps", maxSteps, "tools", childTools.Len())

	out, runErr := child.Run(ctx, args.Task, runOpts...)
	if runErr != nil {
		return ToolFailure("Sub-agent failed: %v", runErr)
	}

	return ToolSuccess(t.formatResult(args, out, childDepth))
}

// buildChildTools filters or inherits the parent tool set. The child's
// spawn_agent (when depth budget remains) is a fresh instance bound to the
// child's registry with depth incremented; at the bound it is omitted.
func (t *SpawnAgentTool) buildChildTools(names []string) *ToolRegistry {
	childDepth := t.currentDepth + 1
	allowSpawn := childDepth < t.maxDepth

	var source []Tool
	if len(names) > 0 {
		source = t.parentTools.Filter(names).Tools()
	} else {
		source = t.parentTools.Tools()
	}

	out := &ToolRegistry{tools: make(map[string]Tool)}
	spawnRequested := false
	for _, tool := range source {
		if tool.Name() == SpawnToolName {
			spawnRequested = true
			continue
		}
		out.Register(tool)
	}
	if spawnRequested && allowSpawn {
		out.Register(t.childInstance(out))
	}
	return out
}

func (t *SpawnAgentTool) childSystemPrompt(role, extra string) string {
	var b strings.Builder
	if role != "" {
		fmt.Fprintf(&b, "You are a specialized assistant acting as a **%s**.", role)
	} else {
		b.WriteString("You are a specialized assistant handling a delegated task.")
	}
	b.WriteString("\n\nYou have been given a focused, delegated task. Complete it thoroughly and return a clear, complete answer. You cannot ask clarifying questions; work with what you are given.")
	if extra != "" {
		b.WriteString("\n\n## Context\n")
		b.WriteString(extra)
	}
	if t.workspaceDir != "" {
		b.WriteString("\n\n" + workspaceFooterPrefix + t.workspaceDir)
	}
	childDepth := t.currentDepth + 1
	if childDepth < t.maxDepth {
		fmt.Fprintf(&b, "\n\nYou may spawn further sub-agents if needed (depth %d of %d).", childDepth, t.maxDepth)
	}
	return b.String()
}

func (t *SpawnAgentTool) formatResult(args spawnArgs, out RunOutput, childDepth int) string {
	task := args.Task
	if len([]rune(task)) > spawnTaskPreviewChars {
		task = string([]rune(task)[:spawnTaskPreviewChars]) + "..."
	}
	role := args.Role
	if role == "" {
		role = "sub-agent"
	}
	return fmt.Sprintf(`=== Sub-Agent Result (%s) ===
Task: %s
Stats: %d steps, %d tool calls, depth %d/%d

%s`, role, task, out.Steps, out.ToolCalls, childDepth, t.maxDepth, out.Response)
}

var _ Tool = (*SpawnAgentTool)(nil)
var _ PromptInstructor = (*SpawnAgentTool)(nil)
