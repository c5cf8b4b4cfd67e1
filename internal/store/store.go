package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is a flat key/value preference file. Values are kept in memory and
// written back as YAML on Flush.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]any
	dirty  bool
}

// Open loads the store at path. A missing file yields an empty store; an
// empty path yields a store that never touches disk.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]any)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	return s, nil
}

// NewMemory returns a store that is never persisted.
func NewMemory() *Store {
	s, _ := Open("")
	return s
}

func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

func (s *Store) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Keys returns every stored key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" || !s.dirty {
		return nil
	}

	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write store %s: %w", s.path, err)
	}
	s.dirty = false
	slog.Debug("Store flushed", "path", s.path, "keys", len(s.values))
	return nil
}

// Float reads a numeric value, accepting any of the number types YAML
// decoding may produce.
func (s *Store) Float(key string, def float64) float64 {
	switch v := s.Get(key, def).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return def
	}
}

func (s *Store) String(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// Time reads an RFC 3339 timestamp.
func (s *Store) Time(key string) (time.Time, bool) {
	switch v := s.Get(key, nil).(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// Decode re-encodes the stored value through YAML into out, so structured
// values survive a round trip through the file.
func (s *Store) Decode(key string, out any) (bool, error) {
	v := s.Get(key, nil)
	if v == nil {
		return false, nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}
