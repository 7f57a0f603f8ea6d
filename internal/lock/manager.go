// Package lock serializes conflicting asynchronous operations identified by
// a resource name.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the watchdog delay after which a held lock is
// force-released.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned to queued callers when the manager shuts down.
var ErrClosed = errors.New("lock manager closed")

type waiter struct {
	ready   chan error // receives nil once ownership is handed over
	timeout time.Duration
	gen     uint64
}

type resource struct {
	held    bool
	gen     uint64 // bumped on every ownership change
	timer   *time.Timer
	waiters []*waiter
}

// Manager is a table of named mutexes with FIFO wait queues and a watchdog
// per held lock. One Manager is shared by the whole process.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	closed    bool
	logger    *slog.Logger
}

// New creates a lock manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		resources: make(map[string]*resource),
		logger:    logger,
	}
}

// Acquire takes the lock for resourceID if it is free and reports whether it
// did. The lock is released automatically after timeout.
func (m *Manager) Acquire(resourceID string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	r := m.resource(resourceID)
	if r.held {
		return false
	}
	m.grantLocked(resourceID, r, timeout)
	return true
}

// Release frees resourceID regardless of who holds it. If callers are
// queued, the first one becomes the new holder.
func (m *Manager) Release(resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.resources[resourceID]; ok && r.held {
		m.releaseLocked(resourceID, r)
	}
}

// IsLocked reports whether resourceID is currently held.
func (m *Manager) IsLocked(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[resourceID]
	return ok && r.held
}

// Do runs fn while holding resourceID. If the lock is held, the call waits
// in FIFO order behind earlier callers for the same resource. The lock is
// released when fn returns or panics. Errors from fn are returned as is.
func (m *Manager) Do(ctx context.Context, resourceID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	gen, err := m.wait(ctx, resourceID, timeout)
	if err != nil {
		return err
	}
	defer m.releaseGen(resourceID, gen)

	return fn(ctx)
}

// ExecuteWithLock is the value-returning form of Manager.Do.
func ExecuteWithLock[T any](ctx context.Context, m *Manager, resourceID string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Do(ctx, resourceID, timeout, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Close stops every watchdog and fails all queued callers with ErrClosed.
// Running critical sections are not interrupted.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, r := range m.resources {
		if r.timer != nil {
			r.timer.Stop()
		}
		for _, w := range r.waiters {
			w.ready <- ErrClosed
		}
		delete(m.resources, id)
	}
}

// wait blocks until the caller owns resourceID and returns the ownership
// generation.
func (m *Manager) wait(ctx context.Context, resourceID string, timeout time.Duration) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	r := m.resource(resourceID)
	if !r.held {
		gen := m.grantLocked(resourceID, r, timeout)
		m.mu.Unlock()
		return gen, nil
	}

	w := &waiter{ready: make(chan error, 1), timeout: timeout}
	r.waiters = append(r.waiters, w)
	m.mu.Unlock()

	select {
	case err := <-w.ready:
		if err != nil {
			return 0, err
		}
		return w.gen, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.abandonLocked(resourceID, r, w)
		m.mu.Unlock()
		return 0, ctx.Err()
	}
}

// abandonLocked withdraws w after its context ended. Ownership already
// handed to w is passed on, unless a watchdog has re-granted it since.
func (m *Manager) abandonLocked(resourceID string, r *resource, w *waiter) {
	if m.removeWaiterLocked(r, w) {
		return
	}
	if err := <-w.ready; err != nil {
		return
	}
	if cur, ok := m.resources[resourceID]; ok && cur == r && r.held && r.gen == w.gen {
		m.releaseLocked(resourceID, r)
	}
}

func (m *Manager) resource(resourceID string) *resource {
	r, ok := m.resources[resourceID]
	if !ok {
		r = &resource{}
		m.resources[resourceID] = r
	}
	return r
}

// grantLocked marks r held by a new owner and arms the watchdog.
func (m *Manager) grantLocked(resourceID string, r *resource, timeout time.Duration) uint64 {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.held = true
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(timeout, func() {
		m.expire(resourceID, gen, timeout)
	})
	return gen
}

// releaseLocked frees r, handing it to the first queued waiter if any.
func (m *Manager) releaseLocked(resourceID string, r *resource) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.held = false

	if len(r.waiters) > 0 {
		next := r.waiters[0]
		r.waiters = r.waiters[1:]
		next.gen = m.grantLocked(resourceID, r, next.timeout)
		next.ready <- nil
		return
	}
	delete(m.resources, resourceID)
}

// releaseGen releases resourceID only if gen still owns it.
func (m *Manager) releaseGen(resourceID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[resourceID]
	if !ok || !r.held || r.gen != gen {
		return
	}
	m.releaseLocked(resourceID, r)
}

func (m *Manager) expire(resourceID string, gen uint64, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[resourceID]
	if !ok || !r.held || r.gen != gen {
		return
	}
	m.logger.Warn("lock automatically released after timeout",
		"resource", resourceID,
		"timeout", timeout.String(),
		"held_locks", m.heldLocked(),
	)
	m.releaseLocked(resourceID, r)
}

func (m *Manager) removeWaiterLocked(r *resource, w *waiter) bool {
	for i, cur := range r.waiters {
		if cur == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) heldLocked() int {
	held := 0
	for _, r := range m.resources {
		if r.held {
			held++
		}
	}
	return held
}
