// Package bridge delivers protocol events to the panel.
package bridge

import (
	"sync"
	"time"

	"github.com/ChamsBouzaiene/codabra/internal/protocol"
)

// DefaultDelay is how long high frequency events are held before delivery.
const DefaultDelay = 100 * time.Millisecond

// Sink receives outgoing events.
type Sink interface {
	Post(ev protocol.Event)
}

// Debouncer coalesces bursts of updateStreamingContent and
// updateContextUsage events into the latest one of each kind. Pending events
// are flushed before any other event, so the order seen by the panel matches
// the order of Post calls.
type Debouncer struct {
	next  Sink
	delay time.Duration

	mu      sync.Mutex
	order   []protocol.EventType
	pending map[protocol.EventType]protocol.Event
	timer   *time.Timer
	closed  bool
}

// NewDebouncer wraps next. A non-positive delay uses DefaultDelay.
func NewDebouncer(next Sink, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{
		next:    next,
		delay:   delay,
		pending: make(map[protocol.EventType]protocol.Event),
	}
}

func debounced(t protocol.EventType) bool {
	return t == protocol.EventUpdateStreamingContent || t == protocol.EventUpdateContextUsage
}

// Post implements Sink.
func (d *Debouncer) Post(ev protocol.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if debounced(ev.GetType()) {
		if _, ok := d.pending[ev.GetType()]; !ok {
			d.order = append(d.order, ev.GetType())
		}
		d.pending[ev.GetType()] = ev
		if d.timer == nil {
			d.timer = time.AfterFunc(d.delay, d.onTimer)
		}
		return
	}

	d.flushLocked()
	d.next.Post(ev)
}

// Close flushes pending events and drops everything posted afterwards.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	d.closed = true
	return nil
}

func (d *Debouncer) onTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *Debouncer) flushLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	for _, t := range d.order {
		d.next.Post(d.pending[t])
		delete(d.pending, t)
	}
	d.order = d.order[:0]
}
