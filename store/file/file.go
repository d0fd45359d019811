// Package file implements skillagent.SessionStore on local JSON files.
// Each namespace lives in one file holding a single JSON map
// {key -> raw value}; agent sessions land in agent_sessions.json and team
// sessions in team_sessions.json. All writes use temp-file + atomic rename
// so a crash never leaves a torn file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	skillagent "github.com/alleneee/skill-agent"
)

// namespaceFiles maps store namespaces to their on-disk file names. Unknown
// namespaces fall back to <namespace>.json.
var namespaceFiles = map[string]string{
	"agent": "agent_sessions.json",
	"team":  "team_sessions.json",
}

// Store is a file-backed SessionStore rooted at a directory.
type Store struct {
	dir string

	mu sync.Mutex
}

// New creates the directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(namespace string) string {
	name, ok := namespaceFiles[namespace]
	if !ok {
		name = namespace + ".json"
	}
	return filepath.Join(s.dir, name)
}

// load reads the namespace map. A missing file is an empty map.
func (s *Store) load(namespace string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(namespace))
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read %s: %w", namespace, err)
	}
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("file store: decode %s: %w", namespace, err)
	}
	return m, nil
}

// save writes the namespace map atomically: marshal to a temp file in the
// same directory, then rename over the target.
func (s *Store) save(namespace string, m map[string]json.RawMessage) error {
	// Plain Marshal keeps stored RawMessage values byte-identical; an indent
	// pass would reformat them and break the Get-returns-what-Put-stored
	// contract.
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("file store: encode %s: %w", namespace, err)
	}
	path := s.path(namespace)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file store: write %s: %w", namespace, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: rename %s: %w", namespace, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(namespace)
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (s *Store) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(namespace)
	if err != nil {
		return err
	}
	m[key] = json.RawMessage(value)
	return s.save(namespace, m)
}

func (s *Store) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(namespace)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(namespace, m)
}

func (s *Store) List(_ context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }

var _ skillagent.SessionStore = (*Store)(nil)
