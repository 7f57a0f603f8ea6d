// Package protocol defines the NDJSON messages exchanged with the chat
// panel. Every message carries its kind in the "command" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/codabra/internal/chat"
	"github.com/ChamsBouzaiene/codabra/internal/config"
)

// CommandType enumerates all supported panel -> engine commands.
type CommandType string

const (
	CommandSendMessage     CommandType = "sendMessage"
	CommandNewChat         CommandType = "newChat"
	CommandOpenChat        CommandType = "openChat"
	CommandDeleteChat      CommandType = "deleteChat"
	CommandCancelStreaming CommandType = "cancelStreaming"
	CommandGetSettings     CommandType = "getSettings"
	CommandSaveSettings    CommandType = "saveSettings"
	CommandGetPastChats    CommandType = "getPastChats"
	CommandSearchChats     CommandType = "searchChats"
	CommandShowCurrentChat CommandType = "showCurrentChat"
)

// Command is a marker interface implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// SendMessageCommand submits a user turn to the current chat.
type SendMessageCommand struct {
	Command CommandType   `json:"command"`
	Text    string        `json:"text"`
	Scripts []chat.Script `json:"scripts,omitempty"`
	Script  *chat.Script  `json:"script,omitempty"` // legacy single attachment
	Context string        `json:"context,omitempty"`
}

// GetType implements Command.
func (c SendMessageCommand) GetType() CommandType { return CommandSendMessage }

// Attachments returns the scripts of the turn, folding in the legacy field.
func (c SendMessageCommand) Attachments() []chat.Script {
	if len(c.Scripts) == 0 && c.Script != nil {
		return []chat.Script{*c.Script}
	}
	return c.Scripts
}

// NewChatCommand starts a fresh conversation.
type NewChatCommand struct {
	Command CommandType `json:"command"`
}

// GetType implements Command.
func (c NewChatCommand) GetType() CommandType { return CommandNewChat }

// OpenChatCommand switches the panel to an existing chat.
type OpenChatCommand struct {
	Command CommandType `json:"command"`
	ChatID  string      `json:"chatId"`
}

// GetType implements Command.
func (c OpenChatCommand) GetType() CommandType { return CommandOpenChat }

// DeleteChatCommand removes a chat from history.
type DeleteChatCommand struct {
	Command CommandType `json:"command"`
	ChatID  string      `json:"chatId"`
}

// GetType implements Command.
func (c DeleteChatCommand) GetType() CommandType { return CommandDeleteChat }

// CancelStreamingCommand stops the reply being generated for the current chat.
type CancelStreamingCommand struct {
	Command CommandType `json:"command"`
}

// GetType implements Command.
func (c CancelStreamingCommand) GetType() CommandType { return CommandCancelStreaming }

// GetSettingsCommand asks for the effective settings.
type GetSettingsCommand struct {
	Command CommandType `json:"command"`
}

// GetType implements Command.
func (c GetSettingsCommand) GetType() CommandType { return CommandGetSettings }

// SaveSettingsCommand persists a partial settings document. Settings is kept
// raw so it can be validated against the schema before decoding.
type SaveSettingsCommand struct {
	Command  CommandType     `json:"command"`
	Settings json.RawMessage `json:"settings"`
}

// GetType implements Command.
func (c SaveSettingsCommand) GetType() CommandType { return CommandSaveSettings }

// GetPastChatsCommand lists the stored chats.
type GetPastChatsCommand struct {
	Command CommandType `json:"command"`
}

// GetType implements Command.
func (c GetPastChatsCommand) GetType() CommandType { return CommandGetPastChats }

// SearchChatsCommand lists the chats matching a full text query.
type SearchChatsCommand struct {
	Command CommandType `json:"command"`
	Query   string      `json:"query"`
	Limit   int         `json:"limit,omitempty"`
}

// GetType implements Command.
func (c SearchChatsCommand) GetType() CommandType { return CommandSearchChats }

// ShowCurrentChatCommand returns the panel to the current chat view.
type ShowCurrentChatCommand struct {
	Command CommandType `json:"command"`
}

// GetType implements Command.
func (c ShowCurrentChatCommand) GetType() CommandType { return CommandShowCurrentChat }

type rawCommand struct {
	Command CommandType `json:"command"`
}

// DecodeCommand converts raw JSON into a strongly typed command.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Command {
	case CommandSendMessage:
		var cmd SendMessageCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode sendMessage: %w", err)
		}
		if cmd.Text == "" {
			return nil, errors.New("sendMessage requires text")
		}
		return cmd, nil
	case CommandNewChat:
		return NewChatCommand{Command: base.Command}, nil
	case CommandOpenChat:
		var cmd OpenChatCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode openChat: %w", err)
		}
		if cmd.ChatID == "" {
			return nil, errors.New("openChat requires chatId")
		}
		return cmd, nil
	case CommandDeleteChat:
		var cmd DeleteChatCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode deleteChat: %w", err)
		}
		if cmd.ChatID == "" {
			return nil, errors.New("deleteChat requires chatId")
		}
		return cmd, nil
	case CommandCancelStreaming:
		return CancelStreamingCommand{Command: base.Command}, nil
	case CommandGetSettings:
		return GetSettingsCommand{Command: base.Command}, nil
	case CommandSaveSettings:
		var cmd SaveSettingsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode saveSettings: %w", err)
		}
		if len(cmd.Settings) == 0 || string(cmd.Settings) == "null" {
			return nil, errors.New("saveSettings requires settings")
		}
		return cmd, nil
	case CommandGetPastChats:
		return GetPastChatsCommand{Command: base.Command}, nil
	case CommandSearchChats:
		var cmd SearchChatsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode searchChats: %w", err)
		}
		if cmd.Query == "" {
			return nil, errors.New("searchChats requires query")
		}
		return cmd, nil
	case CommandShowCurrentChat:
		return ShowCurrentChatCommand{Command: base.Command}, nil
	case "":
		return nil, errors.New("command is required")
	default:
		return nil, fmt.Errorf("unknown command: %s", base.Command)
	}
}

// EventType enumerates engine -> panel notifications.
type EventType string

const (
	EventLoadChat               EventType = "loadChat"
	EventAddUserMessage         EventType = "addUserMessage"
	EventAddAssistantMessage    EventType = "addAssistantMessage"
	EventStartStreaming         EventType = "startStreaming"
	EventUpdateStreamingContent EventType = "updateStreamingContent"
	EventEndStreaming           EventType = "endStreaming"
	EventUpdateContextUsage     EventType = "updateContextUsage"
	EventLoadSettings           EventType = "loadSettings"
	EventLoadPastChats          EventType = "loadPastChats"
	EventShowError              EventType = "showError"
	EventShowInfo               EventType = "showInfo"
	EventReady                  EventType = "ready"
)

// Event is implemented by every outgoing message.
type Event interface {
	isEvent()
	GetType() EventType
}

// MarshalEvent serializes an event into JSON for NDJSON transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

type eventBase struct {
	Command EventType `json:"command"`
}

func (eventBase) isEvent() {}

// GetType implements Event.
func (e eventBase) GetType() EventType { return e.Command }

// LoadChatEvent replaces the panel's conversation view.
type LoadChatEvent struct {
	eventBase
	Chat *chat.Chat `json:"chat"`
}

// NewLoadChatEvent constructs a loadChat event.
func NewLoadChatEvent(c *chat.Chat) LoadChatEvent {
	return LoadChatEvent{eventBase: eventBase{Command: EventLoadChat}, Chat: c}
}

// AddUserMessageEvent echoes an accepted user turn.
type AddUserMessageEvent struct {
	eventBase
	Message string        `json:"message"`
	Scripts []chat.Script `json:"scripts,omitempty"`
}

// NewAddUserMessageEvent constructs an addUserMessage event.
func NewAddUserMessageEvent(message string, scripts []chat.Script) AddUserMessageEvent {
	return AddUserMessageEvent{
		eventBase: eventBase{Command: EventAddUserMessage},
		Message:   message,
		Scripts:   scripts,
	}
}

// AddAssistantMessageEvent carries the committed reply text.
type AddAssistantMessageEvent struct {
	eventBase
	Message string `json:"message"`
}

// NewAddAssistantMessageEvent constructs an addAssistantMessage event.
func NewAddAssistantMessageEvent(message string) AddAssistantMessageEvent {
	return AddAssistantMessageEvent{eventBase: eventBase{Command: EventAddAssistantMessage}, Message: message}
}

// NewStartStreamingEvent constructs a startStreaming event.
func NewStartStreamingEvent() Event {
	return eventBase{Command: EventStartStreaming}
}

// UpdateStreamingContentEvent carries the accumulated reply so far.
type UpdateStreamingContentEvent struct {
	eventBase
	Content string `json:"content"`
}

// NewUpdateStreamingContentEvent constructs an updateStreamingContent event.
func NewUpdateStreamingContentEvent(content string) UpdateStreamingContentEvent {
	return UpdateStreamingContentEvent{eventBase: eventBase{Command: EventUpdateStreamingContent}, Content: content}
}

// EndStreamingEvent closes the streaming state of the panel.
type EndStreamingEvent struct {
	eventBase
	Cancelled bool `json:"cancelled,omitempty"`
}

// NewEndStreamingEvent constructs an endStreaming event.
func NewEndStreamingEvent(cancelled bool) EndStreamingEvent {
	return EndStreamingEvent{eventBase: eventBase{Command: EventEndStreaming}, Cancelled: cancelled}
}

// UpdateContextUsageEvent reports how much of the context window is used.
type UpdateContextUsageEvent struct {
	eventBase
	Used  int `json:"used"`
	Total int `json:"total"`
}

// NewUpdateContextUsageEvent constructs an updateContextUsage event.
func NewUpdateContextUsageEvent(used, total int) UpdateContextUsageEvent {
	return UpdateContextUsageEvent{
		eventBase: eventBase{Command: EventUpdateContextUsage},
		Used:      used,
		Total:     total,
	}
}

// LoadSettingsEvent carries the effective settings.
type LoadSettingsEvent struct {
	eventBase
	Settings config.Settings `json:"settings"`
}

// NewLoadSettingsEvent constructs a loadSettings event.
func NewLoadSettingsEvent(s config.Settings) LoadSettingsEvent {
	return LoadSettingsEvent{eventBase: eventBase{Command: EventLoadSettings}, Settings: s}
}

// ChatSummary is one entry of the past chats list.
type ChatSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
}

// LoadPastChatsEvent lists chats, most recently updated first.
type LoadPastChatsEvent struct {
	eventBase
	Chats []ChatSummary `json:"chats"`
}

// NewLoadPastChatsEvent constructs a loadPastChats event. The order of chats
// is kept.
func NewLoadPastChatsEvent(chats []chat.Chat) LoadPastChatsEvent {
	summaries := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		summaries = append(summaries, ChatSummary{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: len(c.Messages),
		})
	}
	return LoadPastChatsEvent{eventBase: eventBase{Command: EventLoadPastChats}, Chats: summaries}
}

// ShowErrorEvent surfaces a one line error to the user.
type ShowErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// NewShowErrorEvent constructs a showError event.
func NewShowErrorEvent(message, kind string) ShowErrorEvent {
	return ShowErrorEvent{eventBase: eventBase{Command: EventShowError}, Message: message, Kind: kind}
}

// ShowInfoEvent surfaces an informational message.
type ShowInfoEvent struct {
	eventBase
	Message string `json:"message"`
}

// NewShowInfoEvent constructs a showInfo event.
func NewShowInfoEvent(message string) ShowInfoEvent {
	return ShowInfoEvent{eventBase: eventBase{Command: EventShowInfo}, Message: message}
}

// NewReadyEvent constructs the ready event sent once at startup.
func NewReadyEvent() Event {
	return eventBase{Command: EventReady}
}
