// Package persist provides durable JSON artifact storage for control-plane
// state that must survive restarts: token metadata, sessions, rotation
// schedules, and the audit log.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore writes JSON documents using a write-temp-then-rename scheme so
// a crash mid-write never leaves a truncated artifact behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("persist: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persist: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path returns the artifact path for a named document.
func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save marshals v and atomically replaces the named document.
func (s *FileStore) Save(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", name, err)
	}

	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persist: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persist: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persist: rename %s: %w", name, err)
	}
	return nil
}

// Load unmarshals the named document into v. Returns os.ErrNotExist when
// the document has never been saved.
func (s *FileStore) Load(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persist: unmarshal %s: %w", name, err)
	}
	return nil
}

// Delete removes the named document. Missing documents are not an error.
func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persist: delete %s: %w", name, err)
	}
	return nil
}
