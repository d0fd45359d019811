// Package file provides file read and write tools sandboxed to a workspace
// directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	skillagent "github.com/alleneee/skill-agent"
)

const readLimit = 8000

// workspace resolves relative paths and rejects escapes.
type workspace struct {
	root string
}

func (w workspace) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(w.root, path)
	if !strings.HasPrefix(resolved, w.root) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

// Tools returns the file_read and file_write tools restricted to root.
func Tools(root string) []skillagent.Tool {
	w := workspace{root: root}
	return []skillagent.Tool{&ReadTool{w: w}, &WriteTool{w: w}}
}

// ReadTool reads a file from the workspace.
type ReadTool struct {
	w workspace
}

// NewReadTool creates a read-only file tool restricted to root.
func NewReadTool(root string) *ReadTool {
	return &ReadTool{w: workspace{root: root}}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large)."
}

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`)
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage) skillagent.ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return skillagent.ToolFailure("invalid args: %v", err)
	}
	resolved, err := t.w.resolve(params.Path)
	if err != nil {
		return skillagent.ToolFailure("%v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return skillagent.ToolFailure("read error: %v", err)
	}
	content := string(data)
	if len(content) > readLimit {
		content = content[:readLimit] + "\n... (truncated)"
	}
	return skillagent.ToolSuccess(content)
}

// WriteTool writes a file into the workspace, creating parent directories.
type WriteTool struct {
	w workspace
}

// NewWriteTool creates a write-only file tool restricted to root.
func NewWriteTool(root string) *WriteTool {
	return &WriteTool{w: workspace{root: root}}
}

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace. Creates parent directories if needed."
}

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`)
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage) skillagent.ToolResult {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return skillagent.ToolFailure("invalid args: %v", err)
	}
	resolved, err := t.w.resolve(params.Path)
	if err != nil {
		return skillagent.ToolFailure("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return skillagent.ToolFailure("mkdir error: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return skillagent.ToolFailure("write error: %v", err)
	}
	return skillagent.ToolSuccess(fmt.Sprintf("Written %d bytes to %s", len(params.Content), filepath.Base(resolved)))
}

var _ skillagent.Tool = (*ReadTool)(nil)
var _ skillagent.Tool = (*WriteTool)(nil)
