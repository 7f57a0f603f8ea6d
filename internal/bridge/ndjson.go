package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ChamsBouzaiene/codabra/internal/protocol"
)

// Writer serializes events as NDJSON on a single goroutine.
type Writer struct {
	writer *bufio.Writer
	events chan protocol.Event
	done   chan error
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWriter creates a Writer with a buffer of size events.
func NewWriter(out io.Writer, size int, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		writer: bufio.NewWriter(out),
		events: make(chan protocol.Event, size),
		done:   make(chan error, 1),
		logger: logger,
	}
}

// Post implements Sink. Events are dropped when the buffer is full.
func (w *Writer) Post(ev protocol.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("dropping event due to full buffer", "command", string(ev.GetType()))
	}
}

// Run writes events until ctx is done or Close is called.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.done <- w.writer.Flush()
			return
		case ev, ok := <-w.events:
			if !ok {
				w.done <- w.writer.Flush()
				return
			}
			if err := w.writeEvent(ev); err != nil {
				w.done <- err
				return
			}
		}
	}
}

// Close stops accepting events and waits for Run to drain the buffer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.events)
	w.mu.Unlock()
	return <-w.done
}

func (w *Writer) writeEvent(ev protocol.Event) error {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return w.writer.Flush()
}
