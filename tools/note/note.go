// Package note provides a simple persistent scratchpad: agents append
// timestamped notes to a file in the workspace and read them back later.
// Notes survive across runs, which makes the tool stateful by design.
package note

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	skillagent "github.com/alleneee/skill-agent"
)

const notesFile = "agent_notes.md"

// pad is the shared notes file with serialized writes.
type pad struct {
	path string
	mu   sync.Mutex
}

func (p *pad) append(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- [%s] %s\n", time.Now().UTC().Format(time.RFC3339), text)
	return err
}

func (p *pad) read() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Tools returns the add_note and read_notes tools sharing one notes file
// under dir.
func Tools(dir string) []skillagent.Tool {
	p := &pad{path: filepath.Join(dir, notesFile)}
	return []skillagent.Tool{&AddTool{pad: p}, &ReadTool{pad: p}}
}

// AddTool appends a note.
type AddTool struct {
	pad *pad
}

func (t *AddTool) Name() string { return "add_note" }

func (t *AddTool) Description() string {
	return "Save a note for later. Notes persist across conversations and can be read back with read_notes."
}

func (t *AddTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"The note to save"}},"required":["text"]}`)
}

func (t *AddTool) Execute(_ context.Context, args json.RawMessage) skillagent.ToolResult {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return skillagent.ToolFailure("invalid args: %v", err)
	}
	if strings.TrimSpace(params.Text) == "" {
		return skillagent.ToolFailure("note text is empty")
	}
	if err := t.pad.append(params.Text); err != nil {
		return skillagent.ToolFailure("save note: %v", err)
	}
	return skillagent.ToolSuccess("Note saved.")
}

// ReadTool returns all saved notes.
type ReadTool struct {
	pad *pad
}

func (t *ReadTool) Name() string { return "read_notes" }

func (t *ReadTool) Description() string {
	return "Read back all previously saved notes."
}

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ReadTool) Execute(_ context.Context, _ json.RawMessage) skillagent.ToolResult {
	notes, err := t.pad.read()
	if err != nil {
		return skillagent.ToolFailure("read notes: %v", err)
	}
	if notes == "" {
		return skillagent.ToolSuccess("No notes saved yet.")
	}
	return skillagent.ToolSuccess(notes)
}

var _ skillagent.Tool = (*AddTool)(nil)
var _ skillagent.Tool = (*ReadTool)(nil)
