package kv

import (
	"context"
	"sync"
)

// MemoryBackend keeps values in process memory only.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.values))
	for k, v := range m.values {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// NewMemory returns a Store over a fresh MemoryBackend.
func NewMemory() *Cached {
	c, _ := NewCached(context.Background(), NewMemoryBackend())
	return c
}
