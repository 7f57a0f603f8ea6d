package chat

import (
	"context"
	"sync"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

// streamScript describes one scripted model response.
type streamScript struct {
	deltas []string
	// holdAfter, when > 0, blocks the stream after that many deltas until
	// the request context is done.
	holdAfter int
	err       error
}

// MockLLM replays scripted streams in call order.
type MockLLM struct {
	mu       sync.Mutex
	scripts  []streamScript
	requests []engine.Request
}

func (m *MockLLM) Stream(ctx context.Context, req engine.Request) (<-chan engine.StreamEvent, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var script streamScript
	if idx := len(m.requests) - 1; idx < len(m.scripts) {
		script = m.scripts[idx]
	}
	m.mu.Unlock()

	events := make(chan engine.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)

		for i, d := range script.deltas {
			if script.holdAfter > 0 && i == script.holdAfter {
				<-ctx.Done()
				errs <- ctx.Err()
				return
			}
			select {
			case events <- engine.StreamEvent{Type: engine.EventTextDelta, Text: d}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if script.holdAfter > 0 && script.holdAfter >= len(script.deltas) {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if script.err != nil {
			errs <- script.err
		}
	}()
	return events, errs
}

func (m *MockLLM) Requests() []engine.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.Request(nil), m.requests...)
}

type fakeSource struct {
	client   engine.LLMClient
	settings config.Settings
}

func (f *fakeSource) Client() engine.LLMClient  { return f.client }
func (f *fakeSource) Settings() config.Settings { return f.settings }

type hookEvent struct {
	kind    string
	text    string
	outcome Outcome
}

// recordingHooks captures callbacks and lets tests react to them.
type recordingHooks struct {
	NopHooks

	mu     sync.Mutex
	events []hookEvent

	onDelta func(chatID, accumulated string, n int)
	onEnd   func(chatID string, outcome Outcome)
	deltas  int
}

func (h *recordingHooks) record(ev hookEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHooks) OnUserMessage(chatID string, msg ChatMessage) {
	h.record(hookEvent{kind: "user", text: msg.Content})
}

func (h *recordingHooks) OnStreamStart(chatID string) {
	h.record(hookEvent{kind: "start"})
}

func (h *recordingHooks) OnStreamDelta(chatID, accumulated string) {
	h.mu.Lock()
	h.deltas++
	n := h.deltas
	h.events = append(h.events, hookEvent{kind: "delta", text: accumulated})
	fn := h.onDelta
	h.mu.Unlock()
	if fn != nil {
		fn(chatID, accumulated, n)
	}
}

func (h *recordingHooks) OnStreamEnd(chatID string, outcome Outcome, msg *ChatMessage) {
	h.record(hookEvent{kind: "end", outcome: outcome})
	h.mu.Lock()
	fn := h.onEnd
	h.mu.Unlock()
	if fn != nil {
		fn(chatID, outcome)
	}
}

func (h *recordingHooks) outcomes() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Outcome
	for _, ev := range h.events {
		if ev.kind == "end" {
			out = append(out, ev.outcome)
		}
	}
	return out
}
