package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores all keys in a single JSON document.
type FileBackend struct {
	mu     sync.Mutex
	path   string
	values map[string]json.RawMessage
}

// NewFileBackend creates a backend persisting to path. The parent
// directory is created on first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, values: make(map[string]json.RawMessage)}
}

func (f *FileBackend) Load(ctx context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	values := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse store file: %w", err)
		}
	}
	f.values = values

	out := make(map[string][]byte, len(values))
	for k, v := range values {
		out[k] = []byte(v)
	}
	return out, nil
}

func (f *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]json.RawMessage, len(f.values)+1)
	for k, v := range f.values {
		next[k] = v
	}
	next[key] = json.RawMessage(append([]byte(nil), value...))

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	f.values = next
	return nil
}

func (f *FileBackend) Close() error { return nil }
