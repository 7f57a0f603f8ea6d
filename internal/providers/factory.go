package providers

import (
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

// ErrNoCredential is returned when the selected provider needs an API key
// and none is configured.
var ErrNoCredential = errors.New("no API key configured")

// openAICompatible lists OpenAI-compatible presets by provider name.
var openAICompatible = map[string]struct {
	baseURL  string
	model    string
	localKey string // placeholder key for local servers; empty = key required
}{
	config.ProviderOpenAI: {model: "gpt-4o-mini"},
	"kimi":                {baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3", model: "kimi-k2-250711"},
	"gemini":              {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", model: "gemini-1.5-flash"},
	"deepseek":            {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	"groq":                {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.1-70b-versatile"},
	"ollama":              {baseURL: "http://localhost:11434/v1", model: "llama3.1", localKey: "ollama"},
	"lmstudio":            {baseURL: "http://localhost:1234/v1", model: "local-model", localKey: "lm-studio"},
}

// Resolve applies defaults and provider presets to s. The default model
// names an Anthropic model, so OpenAI-compatible presets replace it with
// their own.
func Resolve(s config.Settings) config.Settings {
	s = s.WithDefaults()
	preset, ok := openAICompatible[s.Provider]
	if !ok {
		return s
	}
	if s.BaseURL == "" {
		s.BaseURL = preset.baseURL
	}
	if s.Model == config.DefaultModel && preset.model != "" {
		s.Model = preset.model
	}
	return s
}

// NewClient creates the model client selected by s.
func NewClient(s config.Settings) (engine.LLMClient, error) {
	s = Resolve(s)

	if s.Provider == config.ProviderAnthropic {
		if s.APIKey == "" {
			return nil, ErrNoCredential
		}
		client, err := NewAnthropicClient(s.APIKey, s.Model, s.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, nil
	}

	preset, ok := openAICompatible[s.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", s.Provider)
	}

	apiKey := s.APIKey
	if apiKey == "" {
		if preset.localKey == "" {
			return nil, ErrNoCredential
		}
		apiKey = preset.localKey
	}

	client, err := NewOpenAIClient(apiKey, s.Model, s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", s.Provider, err)
	}
	return client, nil
}
