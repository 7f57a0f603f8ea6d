package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads settings when the settings file changes on disk and
// notifies the manager's subscribers.
type Watcher struct {
	manager      *Manager
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
	debounceTime time.Duration

	mu      sync.Mutex
	pending bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for m's settings file.
func NewWatcher(m *Manager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		manager:      m,
		watcher:      watcher,
		logger:       logger,
		debounceTime: 200 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins watching. The config directory is watched rather than the
// file so editors that replace the file are handled.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.manager.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := w.watcher.Add(w.manager.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.manager.Dir(), err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	target := filepath.Clean(w.manager.GetConfigPath())
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", "error", err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.reloadIfPending()
		}
	}
}

func (w *Watcher) reloadIfPending() {
	w.mu.Lock()
	pending := w.pending
	w.pending = false
	w.mu.Unlock()
	if !pending {
		return
	}

	// Save already notified for its own writes.
	data, err := os.ReadFile(w.manager.GetConfigPath())
	if err == nil && w.manager.ownWrite(data) {
		return
	}

	s, err := w.manager.Load()
	if err != nil {
		w.logger.Warn("failed to reload settings", "error", err)
		return
	}
	w.logger.Info("settings file changed, reloaded", "path", w.manager.GetConfigPath())
	w.manager.notify(s)
}
