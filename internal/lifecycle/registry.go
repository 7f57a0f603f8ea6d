// Package lifecycle releases process wide resources at shutdown.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type entry struct {
	name  string
	close func() error
}

// Registry closes registered resources in reverse registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds c under name and returns it. Resources registered after
// CloseAll are closed immediately.
func Register[T io.Closer](r *Registry, name string, c T) T {
	r.Add(name, c.Close)
	return c
}

// Add registers a cleanup function.
func (r *Registry) Add(name string, fn func() error) {
	r.mu.Lock()
	if !r.closed {
		r.entries = append(r.entries, entry{name: name, close: fn})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := fn(); err != nil {
		r.logger.Error("error disposing resource", "resource", name, "error", err)
	}
}

// AddFunc registers a cleanup function that cannot fail.
func (r *Registry) AddFunc(name string, fn func()) {
	r.Add(name, func() error { fn(); return nil })
}

// CloseAll runs every cleanup once. A failing or panicking cleanup does not
// stop the others; their errors are joined.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := safeClose(e.close); err != nil {
			r.logger.Error("error disposing resource", "resource", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		r.logger.Debug("resource disposed", "resource", e.name)
	}
	return errors.Join(errs...)
}

func safeClose(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
