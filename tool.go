package skillagent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines a single agent capability the LLM may invoke by name.
type Tool interface {
	// Name returns the unique tool name.
	Name() string
	// Description returns the tool description shown to the LLM.
	Description() string
	// Parameters returns the tool's JSON Schema ({"type":"object",...}).
	Parameters() json.RawMessage
	// Execute runs the tool. Implementations must honor ctx cancellation
	// where they block. Failures are reported via ToolResult, not panics.
	Execute(ctx context.Context, args json.RawMessage) ToolResult
}

// PromptInstructor is an optional Tool capability. Tools that implement it
// contribute instruction text during system-prompt assembly.
// Check via type assertion: if pi, ok := tool.(PromptInstructor); ok { ... }
type PromptInstructor interface {
	Instructions() string
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolSuccess builds a successful result.
func ToolSuccess(content string) ToolResult {
	return ToolResult{Success: true, Content: content}
}

// ToolFailure builds a failed result.
func ToolFailure(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ToolRegistry holds an agent's tools keyed by name and dispatches execution.
type ToolRegistry struct {
	order []string
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Duplicate names are rejected.
func (r *ToolRegistry) Register(t Tool) error {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool registry: duplicate tool name %q", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the tool with the given name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tools returns the registered tools in registration order.
func (r *ToolRegistry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.order) }

// Definitions returns the LLM-facing schemas in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown tools produce a failed
// result, never an error: the LLM decides how to recover.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return ToolFailure("Unknown tool: %s", name)
	}
	return safeExecute(ctx, t, args)
}

// safeExecute runs a tool with panic recovery, converting panics to failed
// results instead of crashing the step loop.
func safeExecute(ctx context.Context, t Tool, args json.RawMessage) (result ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolFailure("Tool execution failed: panic in %s: %v", t.Name(), p)
		}
	}()
	return t.Execute(ctx, args)
}

// Filter returns a new registry containing only the named tools, preserving
// the original instances. Names not present are silently skipped.
func (r *ToolRegistry) Filter(names []string) *ToolRegistry {
	out := &ToolRegistry{tools: make(map[string]Tool, len(names))}
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			if _, dup := out.tools[name]; !dup {
				out.tools[name] = t
				out.order = append(out.order, name)
			}
		}
	}
	return out
}

// --- FuncTool ---

// FuncTool adapts a plain function plus a schema into a Tool.
type FuncTool struct {
	name         string
	description  string
	parameters   json.RawMessage
	fn           func(ctx context.Context, args json.RawMessage) ToolResult
	instructions string
}

// NewFuncTool wraps fn as a Tool with the given identity and JSON Schema.
func NewFuncTool(name, description string, parameters json.RawMessage, fn func(ctx context.Context, args json.RawMessage) ToolResult) *FuncTool {
	if len(parameters) == 0 {
		parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return &FuncTool{name: name, description: description, parameters: parameters, fn: fn}
}

// WithInstructions sets instruction text injected into the system prompt.
func (f *FuncTool) WithInstructions(text string) *FuncTool {
	f.instructions = text
	return f
}

func (f *FuncTool) Name() string                { return f.name }
func (f *FuncTool) Description() string         { return f.description }
func (f *FuncTool) Parameters() json.RawMessage { return f.parameters }

func (f *FuncTool) Execute(ctx context.Context, args json.RawMessage) ToolResult {
	return f.fn(ctx, args)
}

// Instructions implements PromptInstructor when set.
func (f *FuncTool) Instructions() string { return f.instructions }

var _ Tool = (*FuncTool)(nil)
