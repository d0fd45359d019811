package skillagent

import "context"

// RunContext carries per-run identity through the step loop and into tools
// that need it (delegation, spawning). Constructed by the core, never by
// callers.
type RunContext struct {
	RunID        string
	ParentRunID  string
	SessionID    string
	UserID       string
	Depth        int
	Metadata     map[string]any
	Dependencies map[string]string // task id -> result, dependency runs only
}

type runContextKey struct{}

// withRunContext attaches rc to ctx.
func withRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// runContextFrom extracts the current RunContext, or nil.
func runContextFrom(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}
