package panel

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/codabra/internal/chat"
	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
	"github.com/ChamsBouzaiene/codabra/internal/history"
	"github.com/ChamsBouzaiene/codabra/internal/kv"
	"github.com/ChamsBouzaiene/codabra/internal/lock"
	"github.com/ChamsBouzaiene/codabra/internal/protocol"
	"github.com/ChamsBouzaiene/codabra/internal/usage"
)

// scriptedLLM streams deltas and, when hold is set, blocks after them until
// the request is cancelled.
type scriptedLLM struct {
	deltas []string
	hold   bool
}

func (m *scriptedLLM) Stream(ctx context.Context, req engine.Request) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, d := range m.deltas {
			select {
			case events <- engine.StreamEvent{Type: engine.EventTextDelta, Text: d}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if m.hold {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return events, errs
}

type testSource struct {
	mu       sync.Mutex
	client   engine.LLMClient
	settings config.Settings
}

func (s *testSource) Client() engine.LLMClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *testSource) Settings() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSink) Post(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

func (s *recordingSink) types() []protocol.EventType {
	var out []protocol.EventType
	for _, ev := range s.snapshot() {
		out = append(out, ev.GetType())
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type fixture struct {
	ctrl   *Controller
	store  *chat.Store
	source *testSource
	sink   *recordingSink
}

func newFixture(t *testing.T, client engine.LLMClient) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := chat.NewStore(kv.NewMemory())
	locks := lock.New(logger)
	t.Cleanup(locks.Close)

	source := &testSource{client: client, settings: config.Defaults()}
	idx, err := history.NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	sink := &recordingSink{}
	ctrl := New(Deps{
		Store:    store,
		Locks:    locks,
		Source:   source,
		Settings: config.NewManagerAt(t.TempDir()),
		Counter:  usage.NewCounter(store, source, usage.WithLogger(logger)),
		Index:    idx,
		Sink:     sink,
		Logger:   logger,
	})
	t.Cleanup(func() { _ = ctrl.Close() })
	return &fixture{ctrl: ctrl, store: store, source: source, sink: sink}
}

func equalTypes(got, want []protocol.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSendMessageEventSequence(t *testing.T) {
	f := newFixture(t, &scriptedLLM{deltas: []string{"Hel", "lo"}})

	err := f.ctrl.Handle(context.Background(), protocol.SendMessageCommand{Text: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []protocol.EventType{
		protocol.EventLoadChat,
		protocol.EventAddUserMessage,
		protocol.EventStartStreaming,
		protocol.EventUpdateStreamingContent,
		protocol.EventUpdateStreamingContent,
		protocol.EventEndStreaming,
		protocol.EventAddAssistantMessage,
		protocol.EventUpdateContextUsage,
	}
	if got := f.sink.types(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	events := f.sink.snapshot()
	if msg := events[6].(protocol.AddAssistantMessageEvent); msg.Message != "Hello" {
		t.Errorf("assistant message = %q, want Hello", msg.Message)
	}
	usageEv := events[7].(protocol.UpdateContextUsageEvent)
	if usageEv.Used <= 0 || usageEv.Total != config.DefaultContextWindow {
		t.Errorf("usage = %+v", usageEv)
	}

	conv, ok := f.store.Persisted(f.ctrl.CurrentChatID())
	if !ok || len(conv.Messages) != 2 || conv.Title != "hi" {
		t.Fatalf("persisted chat = %+v", conv)
	}
}

func TestSendMessageNotConfigured(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ctrl.Handle(context.Background(), protocol.SendMessageCommand{Text: "hi"})
	if err == nil {
		t.Fatal("expected an error")
	}

	events := f.sink.snapshot()
	last := events[len(events)-1].(protocol.ShowErrorEvent)
	if last.Kind != string(engine.KindAPIKey) || !strings.Contains(last.Message, "API key not set") {
		t.Errorf("showError = %+v", last)
	}
	if events[len(events)-2].GetType() != protocol.EventEndStreaming {
		t.Errorf("events = %v, want endStreaming before showError", f.sink.types())
	}
}

func TestCancelStreaming(t *testing.T) {
	f := newFixture(t, &scriptedLLM{deltas: []string{"a", "b"}, hold: true})

	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.Handle(context.Background(), protocol.SendMessageCommand{Text: "count"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.ctrl.Chats().IsStreaming(f.ctrl.CurrentChatID()) || countType(f.sink, protocol.EventUpdateStreamingContent) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("stream never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := f.ctrl.Handle(context.Background(), protocol.CancelStreamingCommand{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send returned %v, want nil for a cancelled send", err)
	}

	var ended *protocol.EndStreamingEvent
	var loaded *protocol.LoadChatEvent
	for _, ev := range f.sink.snapshot() {
		switch ev := ev.(type) {
		case protocol.EndStreamingEvent:
			ended = &ev
		case protocol.LoadChatEvent:
			loaded = &ev
		}
	}
	if ended == nil || !ended.Cancelled {
		t.Fatalf("endStreaming = %+v, want cancelled", ended)
	}
	msgs := loaded.Chat.Messages
	if got := msgs[len(msgs)-1].Content; got != "ab"+chat.CancelledSuffix {
		t.Errorf("last message = %q", got)
	}
}

func countType(s *recordingSink, t protocol.EventType) int {
	n := 0
	for _, got := range s.types() {
		if got == t {
			n++
		}
	}
	return n
}

func TestNewChat(t *testing.T) {
	tests := []struct {
		name       string
		singleChat bool
		wantChats  int
	}{
		{"keeps history", false, 2},
		{"single chat clears history", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &scriptedLLM{})
			f.source.settings.SingleChat = tt.singleChat

			ctx := context.Background()
			if err := f.ctrl.Handle(ctx, protocol.NewChatCommand{}); err != nil {
				t.Fatalf("first newChat: %v", err)
			}
			first := f.ctrl.CurrentChatID()
			f.sink.reset()

			if err := f.ctrl.Handle(ctx, protocol.NewChatCommand{}); err != nil {
				t.Fatalf("second newChat: %v", err)
			}
			if f.ctrl.CurrentChatID() == first {
				t.Error("current chat did not change")
			}

			want := []protocol.EventType{protocol.EventLoadChat, protocol.EventUpdateContextUsage}
			if got := f.sink.types(); !equalTypes(got, want) {
				t.Errorf("events = %v, want %v", got, want)
			}
			if usageEv := f.sink.snapshot()[1].(protocol.UpdateContextUsageEvent); usageEv.Used != 0 {
				t.Errorf("usage after newChat = %d, want 0", usageEv.Used)
			}

			all, err := f.store.GetAllChats()
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != tt.wantChats {
				t.Errorf("stored chats = %d, want %d", len(all), tt.wantChats)
			}
		})
	}
}

func TestOpenMissingChatCreatesOne(t *testing.T) {
	f := newFixture(t, &scriptedLLM{})

	if err := f.ctrl.Handle(context.Background(), protocol.OpenChatCommand{ChatID: "gone"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	id := f.ctrl.CurrentChatID()
	if id == "" || id == "gone" || !f.store.ChatExists(id) {
		t.Errorf("current chat = %q, want a newly created chat", id)
	}
}

func TestDeleteCurrentChat(t *testing.T) {
	f := newFixture(t, &scriptedLLM{})
	ctx := context.Background()

	if err := f.ctrl.Handle(ctx, protocol.NewChatCommand{}); err != nil {
		t.Fatal(err)
	}
	doomed := f.ctrl.CurrentChatID()

	if err := f.ctrl.Handle(ctx, protocol.DeleteChatCommand{ChatID: doomed}); err != nil {
		t.Fatalf("deleteChat: %v", err)
	}
	if f.store.ChatExists(doomed) {
		t.Error("chat still stored")
	}
	if id := f.ctrl.CurrentChatID(); id == doomed || id == "" {
		t.Errorf("current chat = %q after deleting it", id)
	}

	events := f.sink.snapshot()
	past := events[len(events)-1].(protocol.LoadPastChatsEvent)
	if len(past.Chats) != 1 || past.Chats[0].ID == doomed {
		t.Errorf("past chats = %+v", past.Chats)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, &scriptedLLM{})
	ctx := context.Background()

	err := f.ctrl.Handle(ctx, protocol.SaveSettingsCommand{Settings: []byte(`{"apiKey":"sk-test","temperature":0.5}`)})
	if err != nil {
		t.Fatalf("saveSettings: %v", err)
	}
	events := f.sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %v", f.sink.types())
	}
	loaded := events[0].(protocol.LoadSettingsEvent)
	if loaded.Settings.APIKey != "sk-test" || loaded.Settings.EffectiveTemperature() != 0.5 {
		t.Errorf("settings = %+v", loaded.Settings)
	}
	if info := events[1].(protocol.ShowInfoEvent); info.Message != SettingsSavedMessage {
		t.Errorf("info = %q", info.Message)
	}

	f.sink.reset()
	if err := f.ctrl.Handle(ctx, protocol.SaveSettingsCommand{Settings: []byte(`{"temperature":"hot"}`)}); err == nil {
		t.Fatal("expected a validation error")
	}
	showErr := f.sink.snapshot()[0].(protocol.ShowErrorEvent)
	if showErr.Kind != string(engine.KindValidation) {
		t.Errorf("kind = %s, want VALIDATION", showErr.Kind)
	}
}

func TestSearchChats(t *testing.T) {
	f := newFixture(t, &scriptedLLM{deltas: []string{"use a buffered channel"}})
	ctx := context.Background()

	if err := f.ctrl.Handle(ctx, protocol.SendMessageCommand{Text: "goroutine deadlock"}); err != nil {
		t.Fatal(err)
	}
	target := f.ctrl.CurrentChatID()
	if err := f.ctrl.Handle(ctx, protocol.NewChatCommand{}); err != nil {
		t.Fatal(err)
	}
	f.sink.reset()

	if err := f.ctrl.Handle(ctx, protocol.SearchChatsCommand{Query: "deadlock"}); err != nil {
		t.Fatalf("searchChats: %v", err)
	}
	past := f.sink.snapshot()[0].(protocol.LoadPastChatsEvent)
	if len(past.Chats) != 1 || past.Chats[0].ID != target {
		t.Errorf("search result = %+v, want chat %s", past.Chats, target)
	}
}

func TestStoreChangeWhileIdleReloads(t *testing.T) {
	f := newFixture(t, &scriptedLLM{})
	ctx := context.Background()

	if err := f.ctrl.Handle(ctx, protocol.NewChatCommand{}); err != nil {
		t.Fatal(err)
	}
	f.sink.reset()

	conv, _ := f.store.Persisted(f.ctrl.CurrentChatID())
	conv.Title = "Renamed"
	if err := f.store.UpdateChat(ctx, conv); err != nil {
		t.Fatal(err)
	}

	events := f.sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %v, want one loadChat", f.sink.types())
	}
	if loaded := events[0].(protocol.LoadChatEvent); loaded.Chat.Title != "Renamed" {
		t.Errorf("reloaded title = %q", loaded.Chat.Title)
	}
}

func TestDeleteStreamingChatIsQuiet(t *testing.T) {
	f := newFixture(t, &scriptedLLM{deltas: []string{"a", "b"}, hold: true})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- f.ctrl.Handle(ctx, protocol.SendMessageCommand{Text: "count"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for countType(f.sink, protocol.EventUpdateStreamingContent) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("stream never started")
		}
		time.Sleep(time.Millisecond)
	}
	doomed := f.ctrl.CurrentChatID()

	if err := f.ctrl.Handle(ctx, protocol.DeleteChatCommand{ChatID: doomed}); err != nil {
		t.Fatalf("deleteChat: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send returned %v, want nil after deleting its chat", err)
	}

	for _, ev := range f.sink.snapshot() {
		if showErr, ok := ev.(protocol.ShowErrorEvent); ok {
			t.Errorf("unexpected showError %+v", showErr)
		}
	}
	if f.store.ChatExists(doomed) {
		t.Error("deleted chat is stored again")
	}
	if id := f.ctrl.CurrentChatID(); id == doomed || !f.store.ChatExists(id) {
		t.Errorf("current chat = %q, want a fresh chat", id)
	}
}

func TestShowCurrentChatResendsUsage(t *testing.T) {
	f := newFixture(t, &scriptedLLM{deltas: []string{"Hello"}})
	ctx := context.Background()

	if err := f.ctrl.Handle(ctx, protocol.SendMessageCommand{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	events := f.sink.snapshot()
	sent := events[len(events)-1].(protocol.UpdateContextUsageEvent)
	f.sink.reset()

	if err := f.ctrl.Handle(ctx, protocol.ShowCurrentChatCommand{}); err != nil {
		t.Fatalf("showCurrentChat: %v", err)
	}
	want := []protocol.EventType{protocol.EventLoadChat, protocol.EventUpdateContextUsage}
	if got := f.sink.types(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if resent := f.sink.snapshot()[1].(protocol.UpdateContextUsageEvent); resent != sent {
		t.Errorf("resent usage = %+v, want %+v", resent, sent)
	}
}
