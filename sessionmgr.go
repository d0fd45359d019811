package skillagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SessionStore is the pluggable byte-level backend behind the session
// managers. Keys are session ids within a namespace ("agent" or "team").
// Implementations live in store/: file, sqlite, postgres.
type SessionStore interface {
	// Get returns the stored value, or (nil, nil) when the key is absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	// Put stores the value, replacing any previous one atomically.
	Put(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// List returns all keys in the namespace.
	List(ctx context.Context, namespace string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

const (
	nsAgentSessions = "agent"
	nsTeamSessions  = "team"
)

// MemorySessionStore is an in-process SessionStore for tests and ephemeral
// runs.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]map[string][]byte)}
}

func (m *MemorySessionStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemorySessionStore) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemorySessionStore) List(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[namespace]))
	for k := range m.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemorySessionStore) Close() error { return nil }

var _ SessionStore = (*MemorySessionStore)(nil)

// SessionStats summarizes a manager's stored sessions.
type SessionStats struct {
	Sessions int `json:"sessions"`
	Runs     int `json:"runs"`
}

// AgentSessionManager persists AgentSessions to a SessionStore. All mutating
// operations are serialized behind one mutex so concurrent runs against the
// same session never interleave read-modify-write cycles.
type AgentSessionManager struct {
	store  SessionStore
	logger *slog.Logger

	mu sync.Mutex
}

func NewAgentSessionManager(store SessionStore, logger *slog.Logger) *AgentSessionManager {
	if logger == nil {
		logger = nopLogger
	}
	return &AgentSessionManager{store: store, logger: logger}
}

// GetSession loads a session, or returns nil when it does not exist.
func (m *AgentSessionManager) GetSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	data, err := m.store.Get(ctx, nsAgentSessions, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session manager: get %s: %w", sessionID, err)
	}
	if data == nil {
		return nil, nil
	}
	var s AgentSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session manager: decode %s: %w", sessionID, err)
	}
	return &s, nil
}

// AddRun appends a run to the session, creating the session if needed, and
// persists immediately.
func (m *AgentSessionManager) AddRun(ctx context.Context, sessionID, agentName, userID string, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if s == nil {
		s = &AgentSession{SessionID: sessionID, AgentName: agentName, UserID: userID, CreatedAt: now}
	}
	s.Runs = append(s.Runs, run)
	s.UpdatedAt = now
	return m.putLocked(ctx, s)
}

// DeleteSession removes a session.
func (m *AgentSessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, nsAgentSessions, sessionID)
}

// TrimSessionRuns retains only the last maxRuns records and persists.
func (m *AgentSessionManager) TrimSessionRuns(ctx context.Context, sessionID string, maxRuns int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return err
	}
	if maxRuns <= 0 || len(s.Runs) <= maxRuns {
		return nil
	}
	s.Runs = append([]RunRecord(nil), s.Runs[len(s.Runs)-maxRuns:]...)
	s.UpdatedAt = time.Now().UTC()
	return m.putLocked(ctx, s)
}

// CleanupOldSessions deletes sessions not updated within maxAgeDays.
// Returns the number of sessions removed.
func (m *AgentSessionManager) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.List(ctx, nsAgentSessions)
	if err != nil {
		return 0, fmt.Errorf("session manager: list: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, key := range keys {
		s, err := m.GetSession(ctx, key)
		if err != nil || s == nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, nsAgentSessions, key); err != nil {
				m.logger.Warn("cleanup delete failed", "session_id", key, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Stats counts sessions and runs in the store.
func (m *AgentSessionManager) Stats(ctx context.Context) (SessionStats, error) {
	keys, err := m.store.List(ctx, nsAgentSessions)
	if err != nil {
		return SessionStats{}, fmt.Errorf("session manager: list: %w", err)
	}
	stats := SessionStats{Sessions: len(keys)}
	for _, key := range keys {
		s, err := m.GetSession(ctx, key)
		if err != nil || s == nil {
			continue
		}
		stats.Runs += len(s.Runs)
	}
	return stats, nil
}

func (m *AgentSessionManager) putLocked(ctx context.Context, s *AgentSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session manager: encode %s: %w", s.SessionID, err)
	}
	if err := m.store.Put(ctx, nsAgentSessions, s.SessionID, data); err != nil {
		return fmt.Errorf("session manager: put %s: %w", s.SessionID, err)
	}
	return nil
}

// TeamSessionManager persists TeamSessions. Same locking discipline as
// AgentSessionManager; leader and member runs for one team turn land in a
// single flat list linked by ParentRunID.
type TeamSessionManager struct {
	store  SessionStore
	logger *slog.Logger

	mu sync.Mutex
}

func NewTeamSessionManager(store SessionStore, logger *slog.Logger) *TeamSessionManager {
	if logger == nil {
		logger = nopLogger
	}
	return &TeamSessionManager{store: store, logger: logger}
}

func (m *TeamSessionManager) GetSession(ctx context.Context, sessionID string) (*TeamSession, error) {
	data, err := m.store.Get(ctx, nsTeamSessions, sessionID)
	if err != nil {
		return nil, fmt.Errorf("team session manager: get %s: %w", sessionID, err)
	}
	if data == nil {
		return nil, nil
	}
	var s TeamSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("team session manager: decode %s: %w", sessionID, err)
	}
	return &s, nil
}

func (m *TeamSessionManager) AddRun(ctx context.Context, sessionID, teamName, userID string, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if s == nil {
		s = &TeamSession{SessionID: sessionID, TeamName: teamName, UserID: userID, CreatedAt: now}
	}
	s.Runs = append(s.Runs, run)
	s.UpdatedAt = now
	return m.putLocked(ctx, s)
}

func (m *TeamSessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, nsTeamSessions, sessionID)
}

func (m *TeamSessionManager) TrimSessionRuns(ctx context.Context, sessionID string, maxRuns int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return err
	}
	if maxRuns <= 0 || len(s.Runs) <= maxRuns {
		return nil
	}
	s.Runs = append([]RunRecord(nil), s.Runs[len(s.Runs)-maxRuns:]...)
	s.UpdatedAt = time.Now().UTC()
	return m.putLocked(ctx, s)
}

func (m *TeamSessionManager) CleanupOldSessions(ctx context.Context, maxAgeDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.List(ctx, nsTeamSessions)
	if err != nil {
		return 0, fmt.Errorf("team session manager: list: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, key := range keys {
		s, err := m.GetSession(ctx, key)
		if err != nil || s == nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, nsTeamSessions, key); err != nil {
				m.logger.Warn("cleanup delete failed", "session_id", key, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func (m *TeamSessionManager) Stats(ctx context.Context) (SessionStats, error) {
	keys, err := m.store.List(ctx, nsTeamSessions)
	if err != nil {
		return SessionStats{}, fmt.Errorf("team session manager: list: %w", err)
	}
	stats := SessionStats{Sessions: len(keys)}
	for _, key := range keys {
		s, err := m.GetSession(ctx, key)
		if err != nil || s == nil {
			continue
		}
		stats.Runs += len(s.Runs)
	}
	return stats, nil
}

func (m *TeamSessionManager) putLocked(ctx context.Context, s *TeamSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("team session manager: encode %s: %w", s.SessionID, err)
	}
	if err := m.store.Put(ctx, nsTeamSessions, s.SessionID, data); err != nil {
		return fmt.Errorf("team session manager: put %s: %w", s.SessionID, err)
	}
	return nil
}
