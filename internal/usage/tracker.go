package usage

import (
	"context"
	"sync"
)

// Tracker remembers the latest known usage and reports it to the UI.
type Tracker struct {
	counter *Counter
	total   func() int
	emit    func(used, total int)

	mu   sync.Mutex
	used int
}

// NewTracker creates a tracker. total returns the context window size;
// emit receives every usage update.
func NewTracker(counter *Counter, total func() int, emit func(used, total int)) *Tracker {
	return &Tracker{counter: counter, total: total, emit: emit}
}

// Refresh recounts chatID and emits the result. Nothing is emitted when no
// count is available.
func (t *Tracker) Refresh(ctx context.Context, chatID string) (int, bool) {
	n, ok := t.counter.CountTokens(ctx, chatID)
	if !ok {
		return 0, false
	}

	t.mu.Lock()
	t.used = n
	t.mu.Unlock()

	t.emit(n, t.total())
	return n, true
}

// Reset reports an empty conversation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.used = 0
	t.mu.Unlock()

	t.emit(0, t.total())
}

// Resend emits the last known usage again.
func (t *Tracker) Resend() {
	t.mu.Lock()
	used := t.used
	t.mu.Unlock()

	t.emit(used, t.total())
}
