// Package chat holds the conversation model, its persistent store and the
// streaming send pipeline.
package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is the title of a chat before its first user message.
const DefaultTitle = "New Chat"

const titleLength = 30

// CancelledSuffix is appended to the partial content of a cancelled reply.
const CancelledSuffix = "\n\n[Message generation cancelled by user]"

// Script is a language-tagged attachment of a user message.
type Script struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"` // ms epoch, fixed at creation
	Context   string   `json:"context,omitempty"`
	Scripts   []Script `json:"scripts,omitempty"`
}

// UnmarshalJSON accepts the legacy single "script" field and folds it into
// Scripts.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	var aux struct {
		plain
		Script *Script `json:"script,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ChatMessage(aux.plain)
	if aux.Script != nil && len(m.Scripts) == 0 {
		m.Scripts = []Script{*aux.Script}
	}
	return nil
}

// Chat is a persisted conversation.
type Chat struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

// Clone returns a deep copy of c.
func (c *Chat) Clone() *Chat {
	out := *c
	out.Messages = make([]ChatMessage, len(c.Messages))
	for i, msg := range c.Messages {
		if msg.Scripts != nil {
			msg.Scripts = append([]Script(nil), msg.Scripts...)
		}
		out.Messages[i] = msg
	}
	return &out
}

// HasUserMessage reports whether c contains at least one user turn.
func (c *Chat) HasUserMessage() bool {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			return true
		}
	}
	return false
}

// DeriveTitle builds a chat title from the first user message: the first
// 30 characters of the trimmed text, with "..." when the original text is
// longer than that.
func DeriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if runes := []rune(title); len(runes) > titleLength {
		title = string(runes[:titleLength])
	}
	if utf8.RuneCountInString(text) > titleLength {
		title += "..."
	}
	return title
}

// SortByUpdated orders chats newest first.
func SortByUpdated(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt > chats[j].UpdatedAt
	})
}

// nowMillis is replaced in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
