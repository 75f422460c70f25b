// Package persistence provides the storage port for state that outlives
// a single search run: parameter overrides and the meta optimizer's
// learned state. The core never touches the filesystem directly; it goes
// through Port, which keeps tests on in-memory doubles.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// SchemaVersion is stamped into every persisted record. Loads accept any
// record from the same major version.
const SchemaVersion = "1.0.0"

// ErrNotFound is returned by Load when no record has been persisted yet.
// Callers fall back to defaults; this is never fatal.
var ErrNotFound = errors.New("no persisted state found")

// Port is the narrow persistence interface injected into components.
type Port interface {
	// Load unmarshals the persisted record into v.
	Load(v any) error

	// Save persists v, replacing any previous record. Idempotent.
	Save(v any) error
}

// envelope wraps a persisted record with its schema version.
type envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// FileStore persists one JSON record per file. Saves are atomic: the
// record is written to a temp file in the same directory and renamed
// over the target.
type FileStore struct {
	path string
	log  zerolog.Logger
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{path: path, log: logger}
}

// Load reads and version-checks the record.
func (s *FileStore) Load(v any) error {
	raw, err := os.ReadFile(s.path) // #nosec G304 -- path is operator configuration
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	if err := checkSchemaVersion(env.SchemaVersion); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", s.path, err)
	}

	return nil
}

// Save writes the record atomically.
func (s *FileStore) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	raw, err := json.MarshalIndent(envelope{SchemaVersion: SchemaVersion, Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.log.Debug().Str("path", s.path).Int("bytes", len(raw)).Msg("State persisted")
	return nil
}

// checkSchemaVersion accepts records from the same major version as
// SchemaVersion.
func checkSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", version, err)
	}

	constraint, err := semver.NewConstraint("^" + SchemaVersion)
	if err != nil {
		return fmt.Errorf("bad schema constraint: %w", err)
	}

	if !constraint.Check(v) {
		return fmt.Errorf("incompatible schema version %s (want ^%s)", version, SchemaVersion)
	}

	return nil
}

// MemoryStore is the in-memory test double for Port.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load unmarshals the last saved record.
func (s *MemoryStore) Load(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(s.data, v)
}

// Save stores the record.
func (s *MemoryStore) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
