// Package redis implements a skillagent.RunLogger sink on Redis. Events for
// one run land in a list, runs are indexed in a sorted set by start time,
// and all keys carry a retention TTL.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	skillagent "github.com/alleneee/skill-agent"
)

const (
	keyPrefix = "runlog:"
	indexKey  = "runlog:index"

	// defaultRetention is how long run logs survive after EndRun.
	defaultRetention = 7 * 24 * time.Hour

	// opTimeout bounds each Redis call; the logger never blocks a run on a
	// slow sink.
	opTimeout = 5 * time.Second
)

// RunLogger streams run events to Redis.
type RunLogger struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	indexes map[string]int64
	started map[string]time.Time
}

// Option configures a RunLogger.
type Option func(*RunLogger)

// WithRetention overrides how long finished run logs are kept.
func WithRetention(d time.Duration) Option {
	return func(l *RunLogger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithLogger sets a structured logger for sink failures.
func WithLogger(sl *slog.Logger) Option {
	return func(l *RunLogger) {
		if sl != nil {
			l.logger = sl
		}
	}
}

// NewRunLogger wraps an existing Redis client. The caller owns the client.
func NewRunLogger(client redis.UniversalClient, opts ...Option) *RunLogger {
	l := &RunLogger{
		client:    client,
		retention: defaultRetention,
		logger:    slog.New(slog.DiscardHandler),
		indexes:   make(map[string]int64),
		started:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RunLogger) nextIndex(runID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexes[runID]
	l.indexes[runID] = idx + 1
	if idx == 0 {
		l.started[runID] = time.Now()
	}
	return idx
}

// Log appends one event to the run's list. Sink failures are logged, never
// propagated: the run in progress must not crash on a flaky sink.
func (l *RunLogger) Log(runID string, typ skillagent.RunLogEventType, payload map[string]any) {
	entry := skillagent.RunLogEntry{
		RunID:     runID,
		Index:     l.nextIndex(runID),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("run log encode failed", "run_id", runID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := l.client.Pipeline()
	pipe.RPush(ctx, keyPrefix+runID, data)
	if entry.Index == 0 {
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(entry.Timestamp.UnixMilli()),
			Member: runID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("run log write failed", "run_id", runID, "error", err)
	}
}

// EndRun writes the run summary and applies the retention TTL.
func (l *RunLogger) EndRun(runID string) {
	l.mu.Lock()
	count := l.indexes[runID]
	started := l.started[runID]
	delete(l.indexes, runID)
	delete(l.started, runID)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	summary := map[string]any{
		"run_id":      runID,
		"event_count": count,
		"started_at":  started.UTC().Format(time.RFC3339Nano),
		"ended_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}

	pipe := l.client.Pipeline()
	pipe.Set(ctx, keyPrefix+runID+":summary", data, l.retention)
	pipe.Expire(ctx, keyPrefix+runID, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("run log summary write failed", "run_id", runID, "error", err)
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RunLogger) Close() error { return nil }

// ListRuns returns run ids ordered by start time, newest first.
func (l *RunLogger) ListRuns(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.client.ZRevRange(ctx, indexKey, 0, limit-1).Result()
}

// Events returns all logged events for a run in order.
func (l *RunLogger) Events(ctx context.Context, runID string) ([]skillagent.RunLogEntry, error) {
	raw, err := l.client.LRange(ctx, keyPrefix+runID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]skillagent.RunLogEntry, 0, len(raw))
	for _, item := range raw {
		var e skillagent.RunLogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ skillagent.RunLogger = (*RunLogger)(nil)
