package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

// OpenAIClient implements engine.LLMClient for OpenAI-compatible APIs. It
// has no token-counting endpoint, so usage falls back to the estimate.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAIClient creates a new OpenAI client. baseURL selects an
// OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(config),
		model:   modelName,
		baseURL: baseURL,
	}, nil
}

func (c *OpenAIClient) chatRequest(req engine.Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		content := msg.Content
		if msg.Role == engine.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
			if content == "" {
				content = " "
			}
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: content})
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		temperature := *req.Temperature
		out.Temperature = &temperature
	}
	return out
}

// Stream implements engine.LLMClient.Stream. Extended thinking has no
// equivalent on these endpoints and is ignored.
func (c *OpenAIClient) Stream(ctx context.Context, req engine.Request) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		stream, err := c.client.CreateChatCompletionStream(ctx, c.chatRequest(req))
		if err != nil {
			httpStatus, retryAfter := extractErrorMetadata(err)
			errCh <- engine.WrapLLMError(err, httpStatus, retryAfter)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
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

			if response.Usage != nil {
				usage := engine.Usage{
					Prompt:     response.Usage.PromptTokens,
					Completion: response.Usage.CompletionTokens,
					Total:      response.Usage.TotalTokens,
				}
				select {
				case eventCh <- engine.StreamEvent{Type: engine.EventUsage, Usage: usage}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}

			for _, choice := range response.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case eventCh <- engine.StreamEvent{Type: engine.EventTextDelta, Text: choice.Delta.Content}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return eventCh, errCh
}
