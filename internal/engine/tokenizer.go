// Package engine provides the model-facing contract shared by the chat
// pipeline and the providers.
// This file contains the token estimation fallback.

package engine

import "unicode/utf8"

// EstimateTokens provides a rough token count estimation.
// Uses the ~4 characters per token heuristic, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimateMessagesTokens sums EstimateTokens over the message contents.
// It is only an approximation for clients without a counting endpoint.
func EstimateMessagesTokens(messages []ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content)
	}
	return total
}
