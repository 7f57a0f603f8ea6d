package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
	"github.com/ChamsBouzaiene/codabra/internal/lock"
)

var (
	// ErrNotConfigured is returned when no model client is available.
	ErrNotConfigured = engine.NewAppError(engine.KindAPIKey, "API key not set: Please configure it in the Codabra settings", nil)
	// ErrChatNotFound is returned for sends to an unknown chat.
	ErrChatNotFound = engine.NewAppError(engine.KindNotFound, "Chat not found", nil)
	// ErrSuperseded is returned when a newer send for the same chat arrived
	// before this one reached the model.
	ErrSuperseded = errors.New("superseded by a newer message")
	// ErrChatDeleted is returned when the chat was deleted while its reply
	// was streaming. Nothing is committed.
	ErrChatDeleted = errors.New("chat deleted while streaming")
)

// lockSlack is added to the request timeout to derive the send lock
// watchdog, so a healthy stream is never force-released.
const lockSlack = 30 * time.Second

// ModelSource provides the current model client and settings. Client
// returns nil when no credential is configured.
type ModelSource interface {
	Client() engine.LLMClient
	Settings() config.Settings
}

// SendOptions carries the optional parts of a user turn.
type SendOptions struct {
	Context string
	Scripts []Script
}

type inflight struct {
	seq    uint64
	cancel context.CancelFunc
}

// Manager runs the streaming send pipeline. At most one request per chat is
// in flight; a newer send cancels the older one.
type Manager struct {
	store  *Store
	locks  *lock.Manager
	source ModelSource
	hooks  Hooks
	logger *slog.Logger

	mu       sync.Mutex
	seq      uint64
	latest   map[string]uint64
	inflight map[string]*inflight
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHooks sets the pipeline observer.
func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a send pipeline.
func NewManager(store *Store, locks *lock.Manager, source ModelSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		locks:    locks,
		source:   source,
		hooks:    NopHooks{},
		logger:   slog.Default(),
		latest:   make(map[string]uint64),
		inflight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the conversation store the manager writes to.
func (m *Manager) Store() *Store {
	return m.store
}

// SendMessage appends a user turn to chatID and streams the reply. It
// returns the committed assistant message, or nil with the reason. A
// cancelled send returns its partial reply and a nil error.
func (m *Manager) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*ChatMessage, error) {
	if m.source.Client() == nil {
		return nil, ErrNotConfigured
	}
	if !m.store.ChatExists(chatID) {
		return nil, ErrChatNotFound
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.latest[chatID] = seq
	if prev, ok := m.inflight[chatID]; ok {
		prev.cancel()
	}
	m.mu.Unlock()

	settings := m.source.Settings()
	timeout := settings.RequestTimeout()

	return lock.ExecuteWithLock(ctx, m.locks, sendLockID(chatID), timeout+lockSlack, func(ctx context.Context) (*ChatMessage, error) {
		return m.send(ctx, seq, chatID, text, opts, settings, timeout)
	})
}

// CancelRequest signals the in-flight request of chatID. It reports false
// when nothing is streaming for that chat.
func (m *Manager) CancelRequest(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.inflight[chatID]
	if !ok {
		return false
	}
	req.cancel()
	return true
}

// IsStreaming reports whether chatID has a request in flight.
func (m *Manager) IsStreaming(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[chatID]
	return ok
}

func (m *Manager) send(ctx context.Context, seq uint64, chatID, text string, opts SendOptions, settings config.Settings, timeout time.Duration) (*ChatMessage, error) {
	userMsg := ChatMessage{
		Role:      RoleUser,
		Content:   text,
		Timestamp: nowMillis(),
		Context:   opts.Context,
		Scripts:   opts.Scripts,
	}
	chat, err := m.commitUserTurn(ctx, chatID, userMsg)
	if err != nil {
		return nil, err
	}
	m.hooks.OnUserMessage(chatID, userMsg)

	m.mu.Lock()
	if m.latest[chatID] != seq {
		m.mu.Unlock()
		m.logger.Debug("send superseded before streaming", "chat_id", chatID)
		m.hooks.OnStreamEnd(chatID, OutcomeSuperseded, nil)
		return nil, ErrSuperseded
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	handle := &inflight{seq: seq, cancel: cancel}
	m.inflight[chatID] = handle
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.inflight[chatID] == handle {
			delete(m.inflight, chatID)
		}
		if m.latest[chatID] == seq {
			delete(m.latest, chatID)
		}
		m.mu.Unlock()
		cancel()
		m.store.ClearPreview(chatID)
	}()

	client := m.source.Client()
	if client == nil {
		m.hooks.OnStreamEnd(chatID, OutcomeFailed, nil)
		return nil, ErrNotConfigured
	}

	m.hooks.OnStreamStart(chatID)
	req := BuildRequest(chat, settings, opts.Context)

	content, streamErr := m.consume(reqCtx, client, chatID, req, settings.StreamPersistEvery)

	switch {
	case streamErr != nil && errors.Is(reqCtx.Err(), context.Canceled):
		reply := ChatMessage{
			Role:      RoleAssistant,
			Content:   content + CancelledSuffix,
			Timestamp: nowMillis(),
		}
		if err := m.commitReply(ctx, chatID, reply); err != nil {
			return nil, m.commitFailed(chatID, err)
		}
		m.logger.Info("message generation cancelled", "chat_id", chatID, "partial_len", len(content))
		m.hooks.OnStreamEnd(chatID, OutcomeCancelled, &reply)
		return &reply, nil

	case streamErr != nil:
		appErr := engine.Classify(streamErr)
		m.logger.Error("chat request failed",
			"chat_id", chatID,
			"kind", string(appErr.Kind),
			"error", streamErr,
		)
		m.hooks.OnStreamEnd(chatID, OutcomeFailed, nil)
		return nil, appErr
	}

	reply := ChatMessage{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: nowMillis(),
	}
	if err := m.commitReply(ctx, chatID, reply); err != nil {
		return nil, m.commitFailed(chatID, err)
	}
	m.hooks.OnStreamEnd(chatID, OutcomeCompleted, &reply)
	return &reply, nil
}

func (m *Manager) commitFailed(chatID string, err error) error {
	if errors.Is(err, ErrChatDeleted) {
		m.logger.Info("chat deleted while streaming", "chat_id", chatID)
		m.hooks.OnStreamEnd(chatID, OutcomeDeleted, nil)
		return err
	}
	m.hooks.OnStreamEnd(chatID, OutcomeFailed, nil)
	return err
}

// consume reads the stream until it ends, fails or ctx is done. It returns
// the accumulated text. Cancellation is checked before every receive.
func (m *Manager) consume(ctx context.Context, client engine.LLMClient, chatID string, req engine.Request, persistEvery int) (string, error) {
	if persistEvery <= 0 {
		persistEvery = config.DefaultStreamPersistEvery
	}

	events, errs := client.Stream(ctx, req)

	var b strings.Builder
	deltas := 0
	startedAt := nowMillis()
	for {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}

		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return b.String(), <-errs
			}
			if ev.Type != engine.EventTextDelta || ev.Text == "" {
				continue
			}
			b.WriteString(ev.Text)
			deltas++

			accumulated := b.String()
			m.hooks.OnStreamDelta(chatID, accumulated)
			if deltas%persistEvery == 0 {
				m.store.StagePreview(chatID, ChatMessage{
					Role:      RoleAssistant,
					Content:   accumulated,
					Timestamp: startedAt,
				})
			}
		}
	}
}

func (m *Manager) commitUserTurn(ctx context.Context, chatID string, msg ChatMessage) (*Chat, error) {
	return lock.ExecuteWithLock(ctx, m.locks, chatLockID(chatID), lock.DefaultTimeout, func(ctx context.Context) (*Chat, error) {
		chat, ok, err := m.store.stored(chatID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrChatNotFound
		}

		if !chat.HasUserMessage() {
			chat.Title = DeriveTitle(msg.Content)
		}
		chat.Messages = append(chat.Messages, msg)
		chat.UpdatedAt = nowMillis()

		if err := m.store.UpdateChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("failed to commit user message: %w", err)
		}
		return chat, nil
	})
}

// commitReply persists the assistant message even if ctx was cancelled.
func (m *Manager) commitReply(ctx context.Context, chatID string, msg ChatMessage) error {
	ctx = context.WithoutCancel(ctx)
	return m.locks.Do(ctx, chatLockID(chatID), lock.DefaultTimeout, func(ctx context.Context) error {
		chat, ok, err := m.store.stored(chatID)
		if err != nil {
			return err
		}
		if !ok {
			m.store.ClearPreview(chatID)
			return ErrChatDeleted
		}

		chat.Messages = append(chat.Messages, msg)
		chat.UpdatedAt = nowMillis()
		if err := m.store.commitReply(ctx, chat); err != nil {
			return fmt.Errorf("failed to commit assistant message: %w", err)
		}
		return nil
	})
}

func sendLockID(chatID string) string { return "chat-send-" + chatID }
func chatLockID(chatID string) string { return "chat-" + chatID }
