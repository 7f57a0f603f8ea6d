// Package panel turns panel commands into chat operations and reports their
// progress as protocol events.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChamsBouzaiene/codabra/internal/bridge"
	"github.com/ChamsBouzaiene/codabra/internal/chat"
	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
	"github.com/ChamsBouzaiene/codabra/internal/history"
	"github.com/ChamsBouzaiene/codabra/internal/lock"
	"github.com/ChamsBouzaiene/codabra/internal/protocol"
	"github.com/ChamsBouzaiene/codabra/internal/usage"
)

// SettingsSavedMessage is shown after a successful saveSettings.
const SettingsSavedMessage = "Codabra settings saved"

const createLockID = "chat-create"

// SettingsStore loads and saves user settings.
type SettingsStore interface {
	Load() (config.Settings, error)
	SaveJSON(raw json.RawMessage) (config.Settings, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    *chat.Store
	Locks    *lock.Manager
	Source   chat.ModelSource
	Settings SettingsStore
	Counter  *usage.Counter
	Index    *history.Index // optional; searchChats fails without it
	Sink     bridge.Sink
	Logger   *slog.Logger
}

// Controller holds the panel state: the current chat and whether a command
// is in progress. It implements chat.Hooks to mirror the send pipeline.
type Controller struct {
	store    *chat.Store
	locks    *lock.Manager
	source   chat.ModelSource
	settings SettingsStore
	chats    *chat.Manager
	tracker  *usage.Tracker
	index    *history.Index
	sink     bridge.Sink
	logger   *slog.Logger

	unsubscribe func()

	mu         sync.Mutex
	currentID  string
	busy       int
	indexDirty bool
}

// New creates a controller and the send pipeline it drives.
func New(d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:      d.Store,
		locks:      d.Locks,
		source:     d.Source,
		settings:   d.Settings,
		index:      d.Index,
		sink:       d.Sink,
		logger:     logger,
		indexDirty: true,
	}
	c.chats = chat.NewManager(d.Store, d.Locks, d.Source, chat.WithHooks(c), chat.WithLogger(logger))
	c.tracker = usage.NewTracker(d.Counter, c.contextWindow, func(used, total int) {
		c.post(protocol.NewUpdateContextUsageEvent(used, total))
	})
	c.unsubscribe = d.Store.OnChange(c.onStoreChange)
	return c
}

// Chats returns the send pipeline.
func (c *Controller) Chats() *chat.Manager {
	return c.chats
}

// CurrentChatID returns the chat shown by the panel, or "".
func (c *Controller) CurrentChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

// Close stops listening to store changes.
func (c *Controller) Close() error {
	c.unsubscribe()
	return nil
}

// Handle executes cmd. Failures are reported to the panel as showError and
// also returned.
func (c *Controller) Handle(ctx context.Context, cmd protocol.Command) error {
	c.enter()
	defer c.leave()

	var err error
	switch cmd := cmd.(type) {
	case protocol.SendMessageCommand:
		return c.sendMessage(ctx, cmd)
	case protocol.NewChatCommand:
		err = c.newChat(ctx)
	case protocol.OpenChatCommand:
		err = c.loadChat(ctx, cmd.ChatID)
	case protocol.DeleteChatCommand:
		err = c.deleteChat(ctx, cmd.ChatID)
	case protocol.CancelStreamingCommand:
		c.cancelStreaming()
	case protocol.GetSettingsCommand:
		err = c.getSettings()
	case protocol.SaveSettingsCommand:
		err = c.saveSettings(cmd.Settings)
	case protocol.GetPastChatsCommand:
		err = c.pastChats()
	case protocol.SearchChatsCommand:
		err = c.searchChats(cmd.Query, cmd.Limit)
	case protocol.ShowCurrentChatCommand:
		err = c.showCurrentChat(ctx)
	default:
		err = fmt.Errorf("unsupported command: %s", cmd.GetType())
	}
	if err != nil {
		c.showError(err)
	}
	return err
}

func (c *Controller) sendMessage(ctx context.Context, cmd protocol.SendMessageCommand) error {
	chatID, err := c.ensureCurrentChat(ctx)
	if err != nil {
		c.post(protocol.NewEndStreamingEvent(false))
		c.showError(err)
		return err
	}

	msg, err := c.chats.SendMessage(ctx, chatID, cmd.Text, chat.SendOptions{
		Context: cmd.Context,
		Scripts: cmd.Attachments(),
	})
	switch {
	case errors.Is(err, chat.ErrSuperseded), errors.Is(err, chat.ErrChatDeleted):
		return nil
	case err != nil:
		if c.isCurrent(chatID) {
			c.post(protocol.NewEndStreamingEvent(false))
			c.showError(err)
		} else {
			c.logger.Warn("send failed for a chat no longer shown", "chat_id", chatID, "error", err)
		}
		return err
	}

	if msg != nil && c.isCurrent(chatID) {
		c.tracker.Refresh(ctx, chatID)
	}
	return nil
}

func (c *Controller) ensureCurrentChat(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.currentID
	c.mu.Unlock()
	if id != "" && c.store.ChatExists(id) {
		return id, nil
	}

	return lock.ExecuteWithLock(ctx, c.locks, createLockID, lock.DefaultTimeout, func(ctx context.Context) (string, error) {
		created, err := c.store.CreateChat(ctx)
		if err != nil {
			return "", err
		}
		c.setCurrent(created.ID)
		c.post(protocol.NewLoadChatEvent(created))
		return created.ID, nil
	})
}

func (c *Controller) newChat(ctx context.Context) error {
	return c.locks.Do(ctx, createLockID, lock.DefaultTimeout, func(ctx context.Context) error {
		if c.source.Settings().SingleChat {
			if err := c.store.ClearChats(ctx); err != nil {
				return err
			}
		}
		created, err := c.store.CreateChat(ctx)
		if err != nil {
			return err
		}
		c.setCurrent(created.ID)
		c.post(protocol.NewLoadChatEvent(created))
		c.tracker.Reset()
		return nil
	})
}

// loadChat shows chatID, or a new chat when it no longer exists.
func (c *Controller) loadChat(ctx context.Context, chatID string) error {
	found := false
	err := c.locks.Do(ctx, "chat-load-"+chatID, lock.DefaultTimeout, func(ctx context.Context) error {
		conv, ok := c.store.GetChat(chatID)
		if !ok {
			return nil
		}
		found = true
		c.setCurrent(chatID)
		c.post(protocol.NewLoadChatEvent(conv))
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		c.setCurrent("")
		return c.newChat(ctx)
	}
	c.tracker.Refresh(ctx, chatID)
	return nil
}

func (c *Controller) deleteChat(ctx context.Context, chatID string) error {
	c.chats.CancelRequest(chatID)
	if err := c.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	if c.isCurrent(chatID) {
		c.setCurrent("")
		if err := c.newChat(ctx); err != nil {
			return err
		}
	}
	return c.pastChats()
}

func (c *Controller) cancelStreaming() {
	id := c.CurrentChatID()
	if id == "" {
		return
	}
	if c.chats.CancelRequest(id) {
		c.logger.Info("cancelled streaming", "chat_id", id)
	}
}

func (c *Controller) getSettings() error {
	s, err := c.settings.Load()
	if err != nil {
		return err
	}
	c.post(protocol.NewLoadSettingsEvent(s))
	return nil
}

func (c *Controller) saveSettings(raw json.RawMessage) error {
	s, err := c.settings.SaveJSON(raw)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return engine.NewAppError(engine.KindValidation, verr.Error(), err)
		}
		return err
	}
	c.post(protocol.NewLoadSettingsEvent(s))
	c.post(protocol.NewShowInfoEvent(SettingsSavedMessage))
	return nil
}

func (c *Controller) pastChats() error {
	chats, err := c.store.GetAllChats()
	if err != nil {
		return err
	}
	chat.SortByUpdated(chats)
	c.post(protocol.NewLoadPastChatsEvent(chats))
	return nil
}

func (c *Controller) searchChats(query string, limit int) error {
	chats, err := c.store.GetAllChats()
	if err != nil {
		return err
	}
	if c.index == nil {
		return fmt.Errorf("history search is not available")
	}

	c.mu.Lock()
	dirty := c.indexDirty
	c.indexDirty = false
	c.mu.Unlock()
	if dirty {
		if err := c.index.Sync(chats); err != nil {
			c.markIndexDirty()
			return err
		}
	}

	hits, err := c.index.Search(query, limit)
	if err != nil {
		return err
	}
	byID := make(map[string]chat.Chat, len(chats))
	for _, conv := range chats {
		byID[conv.ID] = conv
	}
	matched := make([]chat.Chat, 0, len(hits))
	for _, hit := range hits {
		if conv, ok := byID[hit.ChatID]; ok {
			matched = append(matched, conv)
		}
	}
	c.post(protocol.NewLoadPastChatsEvent(matched))
	return nil
}

// showCurrentChat re-posts the current chat and its last known usage.
func (c *Controller) showCurrentChat(ctx context.Context) error {
	conv, ok := c.store.GetChat(c.CurrentChatID())
	if !ok {
		c.setCurrent("")
		return c.newChat(ctx)
	}
	c.post(protocol.NewLoadChatEvent(conv))
	c.tracker.Resend()
	return nil
}

// onStoreChange reloads the current chat when no command is in progress.
func (c *Controller) onStoreChange() {
	c.mu.Lock()
	c.indexDirty = true
	id, busy := c.currentID, c.busy
	c.mu.Unlock()

	if busy > 0 || id == "" {
		return
	}
	if conv, ok := c.store.GetChat(id); ok {
		c.post(protocol.NewLoadChatEvent(conv))
	}
}

// OnUserMessage implements chat.Hooks.
func (c *Controller) OnUserMessage(chatID string, msg chat.ChatMessage) {
	if c.isCurrent(chatID) {
		c.post(protocol.NewAddUserMessageEvent(msg.Content, msg.Scripts))
	}
}

// OnStreamStart implements chat.Hooks.
func (c *Controller) OnStreamStart(chatID string) {
	if c.isCurrent(chatID) {
		c.post(protocol.NewStartStreamingEvent())
	}
}

// OnStreamDelta implements chat.Hooks.
func (c *Controller) OnStreamDelta(chatID string, accumulated string) {
	if c.isCurrent(chatID) {
		c.post(protocol.NewUpdateStreamingContentEvent(accumulated))
	}
}

// OnStreamEnd implements chat.Hooks. Failures are reported by the caller of
// SendMessage.
func (c *Controller) OnStreamEnd(chatID string, outcome chat.Outcome, msg *chat.ChatMessage) {
	if !c.isCurrent(chatID) {
		return
	}
	switch outcome {
	case chat.OutcomeCompleted:
		c.post(protocol.NewEndStreamingEvent(false))
		c.post(protocol.NewAddAssistantMessageEvent(msg.Content))
	case chat.OutcomeCancelled:
		c.post(protocol.NewEndStreamingEvent(true))
		if conv, ok := c.store.GetChat(chatID); ok {
			c.post(protocol.NewLoadChatEvent(conv))
		}
	}
}

func (c *Controller) showError(err error) {
	appErr := engine.Classify(err)
	c.logger.Error("panel command failed", "kind", string(appErr.Kind), "error", err)
	c.post(protocol.NewShowErrorEvent(appErr.Message, string(appErr.Kind)))
}

func (c *Controller) post(ev protocol.Event) {
	c.sink.Post(ev)
}

func (c *Controller) contextWindow() int {
	if n := c.source.Settings().ContextWindow; n > 0 {
		return n
	}
	return config.DefaultContextWindow
}

func (c *Controller) enter() {
	c.mu.Lock()
	c.busy++
	c.mu.Unlock()
}

func (c *Controller) leave() {
	c.mu.Lock()
	c.busy--
	c.mu.Unlock()
}

func (c *Controller) markIndexDirty() {
	c.mu.Lock()
	c.indexDirty = true
	c.mu.Unlock()
}

func (c *Controller) setCurrent(id string) {
	c.mu.Lock()
	c.currentID = id
	c.mu.Unlock()
}

func (c *Controller) isCurrent(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID == chatID
}
