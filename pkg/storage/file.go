package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileStore keeps all values in memory and writes the full snapshot to a
// single CBOR-encoded file on every mutation. Writes go through a temporary
// file followed by a rename, so a crash never leaves a truncated snapshot.
type FileStore struct {
	path   string
	values map[string]string
	lock   sync.RWMutex
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		values: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := cbor.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key string, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
	return s.persist()
}

func (s *FileStore) Delete(key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.values, key)
	return s.persist()
}

func (s *FileStore) persist() error {
	data, err := cbor.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
