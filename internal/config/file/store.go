// Package file implements config.Store against a single JSON file: the
// set of datastore definitions an operator has registered with
// backupctl, one file per backupctl invocation (its path comes from
// the --config flag).
//
// The file is a thin versioned envelope around config.Config:
//
//	{"version": 1, "config": {"Datastores": [...]}}
//
// so that a future format change can be detected and migrated instead
// of silently misparsed. There is no in-process cache: every call
// re-reads and every mutation rewrites the whole file, since datastore
// counts stay in the dozens at most and this is never on the chunk
// I/O hot path.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/config"
)

const schemaVersion = 1

type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store reads and writes datastore definitions against a JSON file at
// a fixed path.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore returns a Store backed by the JSON file at path. The file
// need not exist yet; it's created on the first Put.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// ConfigPath returns the file this Store reads and writes, so a
// caller (datastore.Registry's fsnotify watcher) can watch the same
// path for out-of-process edits.
func (s *Store) ConfigPath() string { return s.path }

func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	return s.readFile()
}

func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	return s.writeFile(cfg)
}

// readFile parses the on-disk envelope. A missing file is not an
// error: it means no datastore has ever been registered, so the
// caller sees (nil, nil) and treats that as an empty Config.
func (s *Store) readFile() (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	switch {
	case env.Version == 0:
		return nil, fmt.Errorf("unversioned config file %s; delete it to bootstrap a fresh one", s.path)
	case env.Version > schemaVersion:
		return nil, fmt.Errorf("config file %s is version %d, newer than supported version %d", s.path, env.Version, schemaVersion)
	}
	return env.Config, nil
}

// writeFile atomically replaces the config file via temp-file-then-
// rename, re-reading the temp file first so a truncated or corrupted
// write is caught before it ever reaches the real path.
func (s *Store) writeFile(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(envelope{Version: schemaVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if check, err := os.ReadFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read back temp config file: %w", err)
	} else if err := json.Unmarshal(check, new(envelope)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation of temp config file failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}

// mutate reads the current config (substituting an empty one if the
// file doesn't exist yet), lets fn edit the slice of definitions in
// place, and flushes the result. Put and Delete both reduce to this.
func (s *Store) mutate(fn func(cfg *config.Config)) error {
	cfg, err := s.readFile()
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	fn(cfg)
	return s.writeFile(cfg)
}

// Lookup returns the named datastore definition.
func (s *Store) Lookup(name string) (config.DatastoreConfig, error) {
	cfg, err := s.readFile()
	if err != nil {
		return config.DatastoreConfig{}, err
	}
	for _, d := range datastoresOf(cfg) {
		if d.Name == name {
			return d, nil
		}
	}
	return config.DatastoreConfig{}, fmt.Errorf("%w: datastore %q", backuperrs.NotFound, name)
}

// List returns every known datastore definition, in registration order.
func (s *Store) List() ([]config.DatastoreConfig, error) {
	cfg, err := s.readFile()
	if err != nil {
		return nil, err
	}
	return datastoresOf(cfg), nil
}

// Put inserts d, or replaces the existing definition sharing its name.
func (s *Store) Put(d config.DatastoreConfig) error {
	return s.mutate(func(cfg *config.Config) {
		for i, existing := range cfg.Datastores {
			if existing.Name == d.Name {
				cfg.Datastores[i] = d
				return
			}
		}
		cfg.Datastores = append(cfg.Datastores, d)
	})
}

// Delete removes the named definition. A name that isn't registered
// is not an error: Delete is idempotent.
func (s *Store) Delete(name string) error {
	return s.mutate(func(cfg *config.Config) {
		for i, d := range cfg.Datastores {
			if d.Name == name {
				cfg.Datastores = append(cfg.Datastores[:i], cfg.Datastores[i+1:]...)
				return
			}
		}
	})
}

// datastoresOf returns cfg's definitions, treating a nil Config (no
// file written yet) the same as one with none.
func datastoresOf(cfg *config.Config) []config.DatastoreConfig {
	if cfg == nil {
		return nil
	}
	return cfg.Datastores
}
