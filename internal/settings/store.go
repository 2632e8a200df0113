// Package settings persists runtime settings, chiefly the idle configuration,
// and hot-reloads them when the settings file changes on disk.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Store is a flat key/value settings store.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// MemoryStore is a Store that keeps values in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// ViperStore is a Store backed by a YAML file. Every Set rewrites the file.
type ViperStore struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
	raw  []byte // file content as last read or written
}

// OpenViperStore opens the settings file at path. A missing file is an empty
// store; it is created on the first Set.
func OpenViperStore(path string) (*ViperStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &ViperStore{path: abs}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute settings file path.
func (s *ViperStore) Path() string {
	return s.path
}

func (s *ViperStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(key) {
		return nil, false
	}
	return s.v.Get(key), true
}

func (s *ViperStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(key, value)
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// Reload re-reads the file into a fresh viper instance and reports whether
// the content differs from what the store last saw.
func (s *ViperStore) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read settings: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if len(raw) > 0 {
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return false, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	changed := s.v == nil || !bytes.Equal(raw, s.raw)
	s.v = v
	s.raw = raw
	return changed, nil
}
