package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DiskStore writes each Record as a JSON file. Without a configured
// directory, a temp directory is created lazily on first use.
type DiskStore struct {
	mu  sync.Mutex
	dir string
}

// NewDiskStore creates a DiskStore rooted at dir. An empty dir selects a
// fresh temp directory.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

// currentDir returns the directory in use, or "" before the first Save or Load.
func (s *DiskStore) currentDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Save writes a Record as a JSON file, replacing any previous version.
func (s *DiskStore) Save(rec *Record) error {
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling execution %s: %w", rec.ID, err)
	}
	path := filepath.Join(dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing execution %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing execution %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads a Record from disk.
func (s *DiskStore) Load(id string) (*Record, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshalling execution %s: %w", id, err)
	}
	return &rec, nil
}

func (s *DiskStore) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return "", fmt.Errorf("creating history directory: %w", err)
		}
		return s.dir, nil
	}
	dir, err := os.MkdirTemp("", "shellcommand-history-*")
	if err != nil {
		return "", fmt.Errorf("creating history directory: %w", err)
	}
	s.dir = dir
	return dir, nil
}

// validID rejects IDs that would escape the store directory.
func validID(id string) bool {
	return id != "" && filepath.Base(id) == id && id != "." && id != ".."
}
