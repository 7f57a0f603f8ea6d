// Package kv provides the key-value persistence surface used for chat
// history: synchronous reads from a cached value and durable commits.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrIO marks failures of the underlying durable storage.
var ErrIO = errors.New("storage I/O error")

// Store is a last-write-wins JSON key-value store.
type Store interface {
	// Get decodes the cached value for key into dst. It reports false when
	// the key has never been written.
	Get(key string, dst any) (bool, error)
	// Update commits value under key. The cache is only replaced after the
	// durable write succeeded.
	Update(ctx context.Context, key string, value any) error
	Close() error
}

// Backend is the durable layer under Cached.
type Backend interface {
	Load(ctx context.Context) (map[string][]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Cached keeps every value in memory and writes through to a Backend.
type Cached struct {
	mu      sync.RWMutex
	backend Backend
	values  map[string][]byte
}

// NewCached loads all values from backend.
func NewCached(ctx context.Context, backend Backend) (*Cached, error) {
	values, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrIO, err)
	}
	if values == nil {
		values = make(map[string][]byte)
	}
	return &Cached{backend: backend, values: values}, nil
}

// Get implements Store.
func (c *Cached) Get(key string, dst any) (bool, error) {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// Update implements Store.
func (c *Cached) Update(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrIO, key, err)
	}
	c.values[key] = raw
	return nil
}

// Close closes the backend.
func (c *Cached) Close() error {
	return c.backend.Close()
}
