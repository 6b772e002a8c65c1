package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gatelink/internal/domain"
)

// FileStore is a KVStore persisted as a single JSON document.
// Every write rewrites the file atomically.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewFileStore opens or creates the store file at dir/state.json.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	s := &FileStore{
		path: filepath.Join(dir, "state.json"),
		data: make(map[string]json.RawMessage),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("filestore: load: %w", err)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return decodeValue(v), nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	s.data[key] = encodeValue(value)
	if err := s.save(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data[key]
	if !ok {
		return nil
	}
	delete(s.data, key)
	if err := s.save(); err != nil {
		s.data[key] = prev
		return err
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *FileStore) Close() error { return nil }

// Values that are valid JSON are stored inline so the file stays readable.
// Anything else is stored as a JSON string.
func encodeValue(v []byte) json.RawMessage {
	if json.Valid(v) {
		return append(json.RawMessage(nil), v...)
	}
	quoted, _ := json.Marshal(string(v))
	return wrapRaw(quoted)
}

func decodeValue(v json.RawMessage) []byte {
	var w rawWrapper
	if err := json.Unmarshal(v, &w); err == nil && w.Raw != nil {
		return []byte(*w.Raw)
	}
	return append([]byte(nil), v...)
}

type rawWrapper struct {
	Raw *string `json:"$raw"`
}

func wrapRaw(quoted []byte) json.RawMessage {
	return json.RawMessage(`{"$raw":` + string(quoted) + `}`)
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	return nil
}

func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, s.path)
}
