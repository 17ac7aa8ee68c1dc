// Package file persists the configuration as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// Saves write the whole document to a temp file, read it back to check it
// parses, and rename it over the original.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"nvrstore/internal/config"
)

const currentVersion = 1

type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store is a JSON file config store.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns nil, nil when the file does not exist.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	switch {
	case env.Version == 0:
		return nil, fmt.Errorf("unversioned config file %s", s.path)
	case env.Version > currentVersion:
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return &config.Config{}, nil
	}
	return env.Config, nil
}

// Save atomically replaces the file with cfg.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(envelope{Version: currentVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	check, err := os.ReadFile(filepath.Clean(tmpPath))
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// LoadOrDefault loads the stored config, saving config.Default() first
// when none exists.
func (s *Store) LoadOrDefault(ctx context.Context) (*config.Config, error) {
	cfg, err := s.Load(ctx)
	if err != nil || cfg != nil {
		return cfg, err
	}
	cfg = config.Default()
	if err := s.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
