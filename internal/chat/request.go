package chat

import (
	"strings"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

const editorContextPrefix = " Here is some context from the editor that might be relevant: "

// OutboundContent renders msg as sent to the model: its content followed
// by one fenced block per script.
func OutboundContent(msg ChatMessage) string {
	if len(msg.Scripts) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, s := range msg.Scripts {
		b.WriteString("\n\n```")
		b.WriteString(s.Language)
		b.WriteString("\n")
		b.WriteString(s.Content)
		b.WriteString("\n```")
	}
	return b.String()
}

// SystemPrompt returns the configured prompt, extended with the editor
// context of the current turn when present.
func SystemPrompt(s config.Settings, turnContext string) string {
	if turnContext == "" {
		return s.SystemPrompt
	}
	return s.SystemPrompt + editorContextPrefix + turnContext
}

// BuildRequest maps chat onto a model request.
func BuildRequest(chat *Chat, s config.Settings, turnContext string) engine.Request {
	messages := make([]engine.ChatMessage, 0, len(chat.Messages))
	for _, msg := range chat.Messages {
		messages = append(messages, engine.ChatMessage{
			Role:    engine.MessageRole(msg.Role),
			Content: OutboundContent(msg),
		})
	}

	temperature := s.EffectiveTemperature()
	req := engine.Request{
		Model:           s.Model,
		System:          SystemPrompt(s, turnContext),
		Messages:        messages,
		Temperature:     &temperature,
		MaxOutputTokens: s.MaxOutputTokens,
	}
	if s.ExtendedThinking {
		req.Thinking = &engine.ThinkingConfig{BudgetTokens: s.ThinkingBudget}
	}
	return req
}
