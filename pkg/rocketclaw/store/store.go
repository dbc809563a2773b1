// Package store provides durable storage for rocketclaw state as small named
// JSON documents on disk. Each document is a single file under the state
// directory; a per-document in-memory cache avoids re-reading the backing
// file on every access within a process.
//
// The store is deliberately forgiving on the read path: a missing or corrupt
// document is treated as "no prior state" and decoded into the caller's zero
// value. Corruption is logged, never fatal. Writes are full-document
// overwrites with restrictive permissions; callers serialize their own
// read-modify-write sequences.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store manages named JSON documents under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// New creates a store rooted at dir. The directory is created on first write.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "store"),
		cache:  make(map[string][]byte),
	}
}

// Load decodes the named document into v. A missing or unparseable document
// leaves v at its zero value and returns nil: absent state is not an error.
func (s *Store) Load(name string, v any) error {
	s.mu.Lock()
	data, ok := s.cache[name]
	s.mu.Unlock()

	if !ok {
		raw, err := os.ReadFile(s.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			s.logger.Warn("document unreadable, treating as empty", "document", name, "error", err)
			return nil
		}
		data = raw
		s.mu.Lock()
		s.cache[name] = data
		s.mu.Unlock()
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("document corrupt, treating as empty", "document", name, "error", err)
		return nil
	}
	return nil
}

// Save overwrites the named document with the JSON encoding of v. The cache
// is updated only after a successful write so a failed write does not poison
// subsequent reads.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(s.path(name), data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = data
	s.mu.Unlock()
	return nil
}

// ClearCache drops all cached documents so the next Load re-reads disk.
// Used by tests.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
