package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
	"github.com/ChamsBouzaiene/codabra/internal/kv"
	"github.com/ChamsBouzaiene/codabra/internal/lock"
)

type testEnv struct {
	store   *Store
	locks   *lock.Manager
	llm     *MockLLM
	source  *fakeSource
	hooks   *recordingHooks
	manager *Manager
}

func newTestEnv(t *testing.T, scripts ...streamScript) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		store: NewStore(kv.NewMemory()),
		locks: lock.New(logger),
		llm:   &MockLLM{scripts: scripts},
		hooks: &recordingHooks{},
	}
	env.source = &fakeSource{client: env.llm, settings: config.Settings{APIKey: "test"}.WithDefaults()}
	env.manager = NewManager(env.store, env.locks, env.source, WithHooks(env.hooks), WithLogger(logger))
	t.Cleanup(env.locks.Close)
	return env
}

func (e *testEnv) newChat(t *testing.T) *Chat {
	t.Helper()
	chat, err := e.store.CreateChat(context.Background())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return chat
}

func (e *testEnv) messages(t *testing.T, id string) []ChatMessage {
	t.Helper()
	chat, ok := e.store.GetChat(id)
	if !ok {
		t.Fatalf("chat %s not found", id)
	}
	return chat.Messages
}

func TestSendMessageCompletes(t *testing.T) {
	env := newTestEnv(t, streamScript{deltas: []string{"4"}})
	chat := env.newChat(t)

	reply, err := env.manager.SendMessage(context.Background(), chat.ID, "What is 2+2?", SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Role != RoleAssistant || reply.Content != "4" {
		t.Errorf("reply = %+v, want assistant \"4\"", reply)
	}

	msgs := env.messages(t, chat.ID)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "What is 2+2?" {
		t.Errorf("messages[0] = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "4" {
		t.Errorf("messages[1] = %+v", msgs[1])
	}
	if env.manager.IsStreaming(chat.ID) {
		t.Error("no request should be in flight after completion")
	}
	if got := env.hooks.outcomes(); len(got) != 1 || got[0] != OutcomeCompleted {
		t.Errorf("outcomes = %v, want [completed]", got)
	}
}

func TestSendMessageUnknownChat(t *testing.T) {
	env := newTestEnv(t, streamScript{deltas: []string{"x"}})
	env.newChat(t)
	before, _ := env.store.GetAllChats()

	reply, err := env.manager.SendMessage(context.Background(), "missing", "hi", SendOptions{})
	if reply != nil || !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("SendMessage = %v, %v; want nil, ErrChatNotFound", reply, err)
	}

	after, _ := env.store.GetAllChats()
	if len(after) != len(before) || len(after[0].Messages) != 0 {
		t.Errorf("store changed: before %+v, after %+v", before, after)
	}
	if len(env.llm.Requests()) != 0 {
		t.Error("no model request should be made for an unknown chat")
	}
}

func TestSendMessageNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.source.client = nil
	chat := env.newChat(t)

	reply, err := env.manager.SendMessage(context.Background(), chat.ID, "hi", SendOptions{})
	if reply != nil || !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SendMessage = %v, %v; want nil, ErrNotConfigured", reply, err)
	}
	if engine.Classify(err).Kind != engine.KindAPIKey {
		t.Errorf("kind = %s, want API_KEY", engine.Classify(err).Kind)
	}
	if msgs := env.messages(t, chat.ID); len(msgs) != 0 {
		t.Errorf("chat mutated: %+v", msgs)
	}
}

func TestSendMessageFailureKeepsOnlyUserTurn(t *testing.T) {
	env := newTestEnv(t, streamScript{
		deltas: []string{"partial"},
		err:    engine.WrapLLMError(errors.New("too many requests"), 429, ""),
	})
	chat := env.newChat(t)

	reply, err := env.manager.SendMessage(context.Background(), chat.ID, "hi", SendOptions{})
	if reply != nil {
		t.Fatalf("reply = %+v, want nil", reply)
	}
	var appErr *engine.AppError
	if !errors.As(err, &appErr) || appErr.Kind != engine.KindRateLimit {
		t.Fatalf("err = %v, want rate limit AppError", err)
	}

	msgs := env.messages(t, chat.ID)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("messages = %+v, want only the user turn", msgs)
	}
}

func TestCancelPreservesPartialContent(t *testing.T) {
	env := newTestEnv(t, streamScript{deltas: []string{"d1", "d2", "d3", "d4", "d5"}})
	chat := env.newChat(t)

	env.hooks.onDelta = func(chatID, accumulated string, n int) {
		if n == 2 && !env.manager.CancelRequest(chatID) {
			t.Error("CancelRequest should find the in-flight request")
		}
	}

	reply, err := env.manager.SendMessage(context.Background(), chat.ID, "count", SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := "d1d2" + CancelledSuffix
	if reply.Content != want {
		t.Errorf("reply content = %q, want %q", reply.Content, want)
	}

	msgs := env.messages(t, chat.ID)
	if len(msgs) != 2 || msgs[1].Content != want {
		t.Errorf("messages = %+v, want user + cancelled reply", msgs)
	}
	if got := env.hooks.outcomes(); len(got) != 1 || got[0] != OutcomeCancelled {
		t.Errorf("outcomes = %v, want [cancelled]", got)
	}
	if env.manager.CancelRequest(chat.ID) {
		t.Error("CancelRequest after completion should report false")
	}
}

func TestNewerSendCancelsInFlight(t *testing.T) {
	env := newTestEnv(t,
		streamScript{deltas: []string{"old"}, holdAfter: 1},
		streamScript{deltas: []string{"new", " reply"}},
	)
	chat := env.newChat(t)

	firstDelta := make(chan struct{})
	var once sync.Once
	env.hooks.onDelta = func(chatID, accumulated string, n int) {
		once.Do(func() { close(firstDelta) })
	}

	type result struct {
		msg *ChatMessage
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		msg, err := env.manager.SendMessage(context.Background(), chat.ID, "first", SendOptions{})
		firstDone <- result{msg, err}
	}()
	<-firstDelta

	second, err := env.manager.SendMessage(context.Background(), chat.ID, "second", SendOptions{})
	if err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	if second.Content != "new reply" {
		t.Errorf("second reply = %q, want \"new reply\"", second.Content)
	}

	first := <-firstDone
	if first.err != nil || first.msg.Content != "old"+CancelledSuffix {
		t.Errorf("first = %+v, %v; want cancelled partial", first.msg, first.err)
	}

	msgs := env.messages(t, chat.ID)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	want := []string{"first", "old" + CancelledSuffix, "second", "new reply"}
	if strings.Join(contents, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %q, want %q", contents, want)
	}
}

func TestQueuedSendIsSuperseded(t *testing.T) {
	env := newTestEnv(t,
		streamScript{deltas: []string{"one"}, holdAfter: 1},
		streamScript{deltas: []string{"three"}},
	)
	chat := env.newChat(t)

	firstDelta := make(chan struct{})
	release := make(chan struct{})
	var deltaOnce, endOnce sync.Once
	env.hooks.onDelta = func(string, string, int) { deltaOnce.Do(func() { close(firstDelta) }) }
	env.hooks.onEnd = func(chatID string, outcome Outcome) {
		if outcome == OutcomeCancelled {
			// Hold the send lock so later sends queue up.
			endOnce.Do(func() { <-release })
		}
	}

	var wg sync.WaitGroup
	results := make([]error, 3)
	replies := make([]*ChatMessage, 3)
	send := func(i int, text string) {
		defer wg.Done()
		replies[i], results[i] = env.manager.SendMessage(context.Background(), chat.ID, text, SendOptions{})
	}

	wg.Add(1)
	go send(0, "1")
	<-firstDelta

	wg.Add(1)
	go send(1, "2")
	waitLatest(t, env.manager, chat.ID, 2)

	wg.Add(1)
	go send(2, "3")
	waitLatest(t, env.manager, chat.ID, 3)

	close(release)
	wg.Wait()

	if results[0] != nil || replies[0].Content != "one"+CancelledSuffix {
		t.Errorf("send 1 = %+v, %v; want cancelled partial", replies[0], results[0])
	}
	if !errors.Is(results[1], ErrSuperseded) || replies[1] != nil {
		t.Errorf("send 2 = %+v, %v; want ErrSuperseded", replies[1], results[1])
	}
	if results[2] != nil || replies[2].Content != "three" {
		t.Errorf("send 3 = %+v, %v; want completed \"three\"", replies[2], results[2])
	}

	completed := 0
	users := map[string]bool{}
	for _, m := range env.messages(t, chat.ID) {
		if m.Role == RoleUser {
			users[m.Content] = true
		}
		if m.Role == RoleAssistant && !strings.HasSuffix(m.Content, CancelledSuffix) {
			completed++
			if m.Content != "three" {
				t.Errorf("completed reply %q is not from the latest send", m.Content)
			}
		}
	}
	if completed != 1 || len(users) != 3 {
		t.Errorf("completed replies = %d, user turns = %v", completed, users)
	}
	if n := len(env.llm.Requests()); n != 2 {
		t.Errorf("model requests = %d, want 2", n)
	}
}

func TestTitleDerivedOnce(t *testing.T) {
	env := newTestEnv(t,
		streamScript{deltas: []string{"ok"}},
		streamScript{deltas: []string{"ok"}},
	)
	chat := env.newChat(t)
	if chat.Title != DefaultTitle {
		t.Fatalf("new chat title = %q", chat.Title)
	}

	text := "Hello world this is a pretty long message exceeding thirty chars"
	if _, err := env.manager.SendMessage(context.Background(), chat.ID, text, SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := "Hello world this is a pretty l..."
	got, _ := env.store.GetChat(chat.ID)
	if got.Title != want {
		t.Fatalf("title = %q, want %q", got.Title, want)
	}

	if _, err := env.manager.SendMessage(context.Background(), chat.ID, "another message", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got, _ = env.store.GetChat(chat.ID)
	if got.Title != want {
		t.Errorf("title changed to %q", got.Title)
	}
}

func TestRequestIncludesScriptsAndTurnContext(t *testing.T) {
	env := newTestEnv(t,
		streamScript{deltas: []string{"a"}},
		streamScript{deltas: []string{"b"}},
	)
	env.source.settings.SystemPrompt = "Be helpful."
	env.source.settings.ExtendedThinking = true
	chat := env.newChat(t)

	opts := SendOptions{
		Context: "main.go line 3",
		Scripts: []Script{{Content: "fmt.Println(1)", Language: "go"}},
	}
	if _, err := env.manager.SendMessage(context.Background(), chat.ID, "explain", opts); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	env.source.settings.ExtendedThinking = false
	if _, err := env.manager.SendMessage(context.Background(), chat.ID, "thanks", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	reqs := env.llm.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}

	first := reqs[0]
	wantContent := "explain\n\n```go\nfmt.Println(1)\n```"
	if first.Messages[0].Content != wantContent {
		t.Errorf("outbound content = %q, want %q", first.Messages[0].Content, wantContent)
	}
	wantSystem := "Be helpful. Here is some context from the editor that might be relevant: main.go line 3"
	if first.System != wantSystem {
		t.Errorf("system = %q, want %q", first.System, wantSystem)
	}
	if first.Thinking == nil || first.Thinking.BudgetTokens != config.DefaultThinkingBudget {
		t.Errorf("thinking = %+v, want enabled with default budget", first.Thinking)
	}
	if first.Model != config.DefaultModel || first.MaxOutputTokens != config.DefaultMaxOutputTokens {
		t.Errorf("model/max tokens = %s/%d", first.Model, first.MaxOutputTokens)
	}

	second := reqs[1]
	if second.System != "Be helpful." {
		t.Errorf("turn context leaked into the next turn: %q", second.System)
	}
	if second.Thinking != nil {
		t.Error("thinking should be omitted when disabled")
	}
	if len(second.Messages) != 3 || second.Messages[0].Content != wantContent {
		t.Errorf("history not replayed with scripts: %+v", second.Messages)
	}

	stored := env.messages(t, chat.ID)[0]
	if stored.Content != "explain" || len(stored.Scripts) != 1 {
		t.Errorf("stored message changed: %+v", stored)
	}
}

func TestStreamingPreviewVisibleButNotPersisted(t *testing.T) {
	backing := kv.NewMemory()
	env := newTestEnv(t, streamScript{deltas: []string{"Hel", "lo"}})
	env.store = NewStore(backing)
	env.manager = NewManager(env.store, env.locks, env.source, WithHooks(env.hooks))
	chat := env.newChat(t)

	var sawPreview, sawDurable bool
	env.hooks.onDelta = func(chatID, accumulated string, n int) {
		if n != 2 {
			return
		}
		live, _ := env.store.GetChat(chatID)
		last := live.Messages[len(live.Messages)-1]
		sawPreview = last.Role == RoleAssistant && last.Content == "Hel"

		var durable []Chat
		_, _ = backing.Get(StorageKey, &durable)
		for _, m := range durable[0].Messages {
			if m.Role == RoleAssistant {
				sawDurable = true
			}
		}
	}

	if _, err := env.manager.SendMessage(context.Background(), chat.ID, "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !sawPreview {
		t.Error("GetChat did not show the streaming preview")
	}
	if sawDurable {
		t.Error("assistant message reached durable storage before completion")
	}
	if msgs := env.messages(t, chat.ID); len(msgs) != 2 || msgs[1].Content != "Hello" {
		t.Errorf("messages = %+v, want user + \"Hello\" without a leftover preview", msgs)
	}
}

func waitLatest(t *testing.T, m *Manager, chatID string, seq uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		got := m.latest[chatID]
		m.mu.Unlock()
		if got == seq {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("latest seq for %s never reached %d", chatID, seq)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamPersistEveryThrottlesPreview(t *testing.T) {
	env := newTestEnv(t, streamScript{deltas: []string{"d1", "d2", "d3", "d4", "d5"}})
	env.source.settings.StreamPersistEvery = 2
	chat := env.newChat(t)

	// The preview is staged after each delta callback, so callback n sees
	// the state left by delta n-1.
	want := map[int]string{1: "", 2: "", 3: "d1d2", 4: "d1d2", 5: "d1d2d3d4"}
	got := make(map[int]string)
	env.hooks.onDelta = func(chatID, accumulated string, n int) {
		live, _ := env.store.GetChat(chatID)
		last := live.Messages[len(live.Messages)-1]
		if last.Role == RoleAssistant {
			got[n] = last.Content
		} else {
			got[n] = ""
		}
	}

	if _, err := env.manager.SendMessage(context.Background(), chat.ID, "count", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	for n, preview := range want {
		if got[n] != preview {
			t.Errorf("preview before delta %d = %q, want %q", n, got[n], preview)
		}
	}
	if msgs := env.messages(t, chat.ID); len(msgs) != 2 || msgs[1].Content != "d1d2d3d4d5" {
		t.Errorf("messages = %+v, want the full reply committed", msgs)
	}
}

func TestDeleteWhileStreaming(t *testing.T) {
	env := newTestEnv(t, streamScript{deltas: []string{"par", "tial"}, holdAfter: 1})
	chat := env.newChat(t)

	env.hooks.onDelta = func(chatID, accumulated string, n int) {
		if n != 1 {
			return
		}
		if err := env.store.DeleteChat(context.Background(), chatID); err != nil {
			t.Errorf("DeleteChat: %v", err)
		}
		env.manager.CancelRequest(chatID)
	}

	reply, err := env.manager.SendMessage(context.Background(), chat.ID, "hi", SendOptions{})
	if reply != nil || !errors.Is(err, ErrChatDeleted) {
		t.Fatalf("SendMessage = %+v, %v; want nil, ErrChatDeleted", reply, err)
	}
	if env.store.ChatExists(chat.ID) {
		t.Error("deleted chat was recreated by the reply commit")
	}
	if got := env.hooks.outcomes(); len(got) != 1 || got[0] != OutcomeDeleted {
		t.Errorf("outcomes = %v, want [deleted]", got)
	}
}
