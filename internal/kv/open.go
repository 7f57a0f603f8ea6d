package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend kinds accepted by Open.
const (
	KindSQLite = "sqlite"
	KindFile   = "file"
	KindMemory = "memory"
)

// Open builds a Store of the given kind rooted at dataDir.
func Open(ctx context.Context, kind, dataDir string) (*Cached, error) {
	var backend Backend
	switch kind {
	case "", KindSQLite:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		b, err := NewSQLiteBackend(ctx, filepath.Join(dataDir, "state.db"))
		if err != nil {
			return nil, err
		}
		backend = b
	case KindFile:
		backend = NewFileBackend(filepath.Join(dataDir, "state.json"))
	case KindMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", kind)
	}

	store, err := NewCached(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}
