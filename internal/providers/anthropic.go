package providers

import (
	"context"
	"fmt"
	"net/http"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

// AnthropicClient implements engine.LLMClient and engine.TokenCounter on
// top of the Anthropic SDK.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client. baseURL is optional.
func NewAnthropicClient(apiKey, modelName, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is empty")
	}

	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(apiKey, opts...),
		model:  modelName,
	}, nil
}

// messagesRequest converts an engine request to the SDK shape.
func (c *AnthropicClient) messagesRequest(req engine.Request) anthropic.MessagesRequest {
	msgs := make([]anthropic.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := anthropic.RoleUser
		if msg.Role == engine.RoleAssistant {
			role = anthropic.RoleAssistant
		}
		msgs = append(msgs, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
		})
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	out := anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: req.MaxOutputTokens,
		System:    req.System,
	}

	if req.Thinking != nil {
		// Extended thinking requires temperature 1.
		out.Thinking = &anthropic.Thinking{
			Type:         anthropic.ThinkingTypeEnabled,
			BudgetTokens: req.Thinking.BudgetTokens,
		}
	} else if req.Temperature != nil {
		temperature := *req.Temperature
		out.Temperature = &temperature
	}

	return out
}

// Stream implements engine.LLMClient.Stream.
// The SDK streams through callbacks, which are adapted to channels here.
func (c *AnthropicClient) Stream(ctx context.Context, req engine.Request) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		var streamErr error
		streamReq := anthropic.MessagesStreamRequest{
			MessagesRequest: c.messagesRequest(req),
		}

		streamReq.OnError = func(errResp anthropic.ErrorResponse) {
			if streamErr == nil {
				streamErr = fmt.Errorf("anthropic streaming error: %s", errResp.Error.Message)
			}
		}

		streamReq.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
			// Thinking deltas are hidden.
			if delta.Delta.Type != "text_delta" || delta.Delta.Text == nil {
				return
			}
			select {
			case eventCh <- engine.StreamEvent{Type: engine.EventTextDelta, Text: *delta.Delta.Text}:
			case <-ctx.Done():
			}
		}

		resp, err := c.client.CreateMessagesStream(ctx, streamReq)
		if err == nil {
			err = streamErr
		}
		if err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			httpStatus, retryAfter := extractErrorMetadata(err)
			errCh <- engine.WrapLLMError(err, httpStatus, retryAfter)
			return
		}

		if resp.Usage.InputTokens > 0 {
			usage := engine.Usage{
				Prompt:     resp.Usage.InputTokens,
				Completion: resp.Usage.OutputTokens,
				Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}
			select {
			case eventCh <- engine.StreamEvent{Type: engine.EventUsage, Usage: usage}:
			case <-ctx.Done():
			}
		}
	}()

	return eventCh, errCh
}

// CountTokens implements engine.TokenCounter.
func (c *AnthropicClient) CountTokens(ctx context.Context, req engine.Request) (int, error) {
	resp, err := c.client.CountTokens(ctx, c.messagesRequest(req))
	if err != nil {
		httpStatus, retryAfter := extractErrorMetadata(err)
		return 0, engine.WrapLLMError(err, httpStatus, retryAfter)
	}
	return resp.InputTokens, nil
}

// anthropicErrorStatus maps SDK error types onto HTTP statuses.
func anthropicErrorStatus(errType string) int {
	switch errType {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "not_found_error":
		return http.StatusNotFound
	case "request_too_large":
		return http.StatusRequestEntityTooLarge
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "api_error":
		return http.StatusInternalServerError
	case "overloaded_error":
		return 529
	}
	return 0
}
