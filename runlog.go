package skillagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunLogEventType identifies one kind of structured run-log event.
type RunLogEventType string

const (
	RunLogRunStart      RunLogEventType = "RUN_START"
	RunLogStep          RunLogEventType = "STEP"
	RunLogRequest       RunLogEventType = "REQUEST"
	RunLogResponse      RunLogEventType = "RESPONSE"
	RunLogToolExecution RunLogEventType = "TOOL_EXECUTION"
	RunLogCompletion    RunLogEventType = "COMPLETION"
	RunLogEvent         RunLogEventType = "EVENT"
)

// runLogPayloadLimit caps payload strings in the log. The full content stays
// in the message history; the log only needs enough to diagnose a run.
const runLogPayloadLimit = 2000

// RunLogEntry is one structured event within a run. Index increases
// monotonically per run starting at 0.
type RunLogEntry struct {
	RunID     string          `json:"run_id"`
	Index     int64           `json:"index"`
	Type      RunLogEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   map[string]any  `json:"payload,omitempty"`
}

// RunLogger records structured events per run to a pluggable sink.
// Implementations must be safe for concurrent use: one agent run may emit
// from the step loop while spawned children emit their own runs.
type RunLogger interface {
	// Log records one event for the given run, assigning the next index.
	Log(runID string, typ RunLogEventType, payload map[string]any)
	// EndRun marks the run complete, flushing any per-run summary.
	EndRun(runID string)
	// Close releases sink resources.
	Close() error
}

// truncateForLog bounds a payload string for logging. The tail is replaced
// with a marker carrying the original length.
func truncateForLog(s string) string {
	if len(s) <= runLogPayloadLimit {
		return s
	}
	return fmt.Sprintf("%s... [truncated, %d bytes total]", s[:runLogPayloadLimit], len(s))
}

// NopRunLogger discards everything.
type NopRunLogger struct{}

func (NopRunLogger) Log(string, RunLogEventType, map[string]any) {}
func (NopRunLogger) EndRun(string)                              {}
func (NopRunLogger) Close() error                               { return nil }

var _ RunLogger = NopRunLogger{}

// FileRunLogger appends events to one JSON-Lines file per run under a log
// directory, and writes a <run_id>.summary.json next to it on EndRun for
// fast indexing without scanning the event file.
type FileRunLogger struct {
	dir string

	mu   sync.Mutex
	runs map[string]*runLogState
}

type runLogState struct {
	file      *os.File
	index     int64
	startedAt time.Time
	counts    map[RunLogEventType]int64
}

// NewFileRunLogger creates the log directory if needed.
func NewFileRunLogger(dir string) (*FileRunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("run logger: create dir: %w", err)
	}
	return &FileRunLogger{dir: dir, runs: make(map[string]*runLogState)}, nil
}

func (l *FileRunLogger) Log(runID string, typ RunLogEventType, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.runs[runID]
	if !ok {
		f, err := os.OpenFile(filepath.Join(l.dir, runID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		st = &runLogState{file: f, startedAt: time.Now(), counts: make(map[RunLogEventType]int64)}
		l.runs[runID] = st
	}

	entry := RunLogEntry{
		RunID:     runID,
		Index:     st.index,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   boundPayload(payload),
	}
	st.index++
	st.counts[typ]++

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	st.file.Write(append(line, '\n'))
}

// boundPayload truncates string values so oversized tool results don't bloat
// the log file.
func boundPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = truncateForLog(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// runLogSummary is the per-run index record written at EndRun.
type runLogSummary struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	EndedAt    time.Time                 `json:"ended_at"`
	EventCount int64                     `json:"event_count"`
	Counts     map[RunLogEventType]int64 `json:"counts"`
}

func (l *FileRunLogger) EndRun(runID string) {
	l.mu.Lock()
	st, ok := l.runs[runID]
	if ok {
		delete(l.runs, runID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	st.file.Close()

	summary := runLogSummary{
		RunID:      runID,
		StartedAt:  st.startedAt.UTC(),
		EndedAt:    time.Now().UTC(),
		EventCount: st.index,
		Counts:     st.counts,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	// Atomic replace so a crash mid-write never leaves a torn summary.
	path := filepath.Join(l.dir, runID+".summary.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

func (l *FileRunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for id, st := range l.runs {
		if err := st.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.runs, id)
	}
	return first
}

// CleanupOldLogs deletes run-log and summary files older than maxAge.
// Returns the number of files removed.
func (l *FileRunLogger) CleanupOldLogs(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("run logger: read dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".jsonl" && ext != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var _ RunLogger = (*FileRunLogger)(nil)
