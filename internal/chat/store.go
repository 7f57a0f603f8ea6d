package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/codabra/internal/kv"
)

// StorageKey is the key holding the whole chat collection.
const StorageKey = "codabra-chats"

// Store is CRUD over the chat collection kept in a kv.Store. Every mutation
// rewrites the full collection.
type Store struct {
	kv  kv.Store
	key string

	mu       sync.Mutex
	previews map[string]ChatMessage // streaming previews, never persisted

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int
}

// NewStore creates a conversation store over backing.
func NewStore(backing kv.Store) *Store {
	return &Store{
		kv:        backing,
		key:       StorageKey,
		previews:  make(map[string]ChatMessage),
		listeners: make(map[int]func()),
	}
}

// CreateChat allocates and persists an empty chat.
func (s *Store) CreateChat(ctx context.Context) (*Chat, error) {
	now := nowMillis()
	chat := &Chat{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	chats, err := s.load()
	if err == nil {
		err = s.save(ctx, append(chats, *chat))
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify()
	return chat.Clone(), nil
}

// GetChat returns a copy of the chat with id. A staged streaming preview is
// included as a trailing assistant message.
func (s *Store) GetChat(id string) (*Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.load()
	if err != nil {
		return nil, false
	}
	for i := range chats {
		if chats[i].ID != id {
			continue
		}
		chat := chats[i].Clone()
		if preview, ok := s.previews[id]; ok {
			chat.Messages = append(chat.Messages, preview)
		}
		return chat, true
	}
	return nil, false
}

// GetAllChats returns every stored chat, unsorted.
func (s *Store) GetAllChats() ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// UpdateChat replaces the chat with the same id, or appends it.
func (s *Store) UpdateChat(ctx context.Context, chat *Chat) error {
	return s.update(ctx, chat, false)
}

// commitReply stores chat and drops its preview in one step so readers
// never see the reply twice. A chat deleted in the meantime is not
// recreated; ErrChatDeleted is returned instead.
func (s *Store) commitReply(ctx context.Context, chat *Chat) error {
	return s.update(ctx, chat, true)
}

func (s *Store) update(ctx context.Context, chat *Chat, reply bool) error {
	s.mu.Lock()
	chats, err := s.load()
	if err == nil {
		replaced := false
		for i := range chats {
			if chats[i].ID == chat.ID {
				chats[i] = *chat.Clone()
				replaced = true
				break
			}
		}
		switch {
		case !replaced && reply:
			err = ErrChatDeleted
		case !replaced:
			chats = append(chats, *chat.Clone())
		}
		if err == nil {
			err = s.save(ctx, chats)
		}
	}
	if reply {
		delete(s.previews, chat.ID)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// stored returns the persisted chat without any preview.
func (s *Store) stored(id string) (*Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.load()
	if err != nil {
		return nil, false, err
	}
	for i := range chats {
		if chats[i].ID == id {
			return chats[i].Clone(), true, nil
		}
	}
	return nil, false, nil
}

// DeleteChat removes the chat with id. Deleting a missing chat is not an
// error.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	chats, err := s.load()
	if err == nil {
		kept := chats[:0]
		for _, c := range chats {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		delete(s.previews, id)
		err = s.save(ctx, kept)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// ClearChats removes every chat.
func (s *Store) ClearChats(ctx context.Context) error {
	s.mu.Lock()
	err := s.save(ctx, []Chat{})
	if err == nil {
		s.previews = make(map[string]ChatMessage)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Persisted returns the chat as committed, without any streaming preview.
func (s *Store) Persisted(id string) (*Chat, bool) {
	chat, ok, err := s.stored(id)
	if err != nil {
		return nil, false
	}
	return chat, ok
}

// ChatExists reports whether a chat with id is stored.
func (s *Store) ChatExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.load()
	if err != nil {
		return false
	}
	for _, c := range chats {
		if c.ID == id {
			return true
		}
	}
	return false
}

// StagePreview shows msg as the in-progress assistant reply of chatID
// without persisting it.
func (s *Store) StagePreview(chatID string, msg ChatMessage) {
	s.mu.Lock()
	s.previews[chatID] = msg
	s.mu.Unlock()
	s.notify()
}

// ClearPreview drops the staged preview of chatID, if any.
func (s *Store) ClearPreview(chatID string) {
	s.mu.Lock()
	_, ok := s.previews[chatID]
	delete(s.previews, chatID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// OnChange registers fn to run after every successful mutation. The event
// carries no payload; observers re-query. The returned func unsubscribes.
func (s *Store) OnChange(fn func()) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Store) load() ([]Chat, error) {
	var chats []Chat
	if _, err := s.kv.Get(s.key, &chats); err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	return chats, nil
}

func (s *Store) save(ctx context.Context, chats []Chat) error {
	if err := s.kv.Update(ctx, s.key, chats); err != nil {
		return fmt.Errorf("failed to save chats: %w", err)
	}
	return nil
}
