package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mcpscope/mcpscope"
)

// State is the inspector's persisted state between runs.
type State struct {
	// LastServer remembers the most recently used server entry name.
	LastServer string `json:"lastServer,omitempty"`
	// OAuth holds authorization flows keyed by server URL, so a flow parked
	// at the authorization_code step survives a restart.
	OAuth map[string]mcpscope.OAuthFlow `json:"oauth,omitempty"`
}

// Store persists inspector state. Implementations decide where; the
// inspector only ever calls Load and Save.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore persists state as JSON in a single file.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStatePath returns the per-user default state file location.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "mcpscope", "state.json"), nil
}

// Load reads the persisted state. A missing file is a fresh state, not an
// error.
func (s *FileStore) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read state %s: %w", s.path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to parse state %s: %w", s.path, err)
	}
	return state, nil
}

// Save writes the state, creating parent directories as needed. The file is
// user-only since flows can hold tokens.
func (s *FileStore) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state %s: %w", s.path, err)
	}
	return nil
}

// MemoryStore keeps state in memory. Used in tests and when persistence is
// disabled.
type MemoryStore struct {
	state State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored state.
func (s *MemoryStore) Load() (State, error) {
	return s.state, nil
}

// Save replaces the stored state.
func (s *MemoryStore) Save(state State) error {
	s.state = state
	return nil
}
