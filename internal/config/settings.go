package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Providers with first-class clients. Other OpenAI-compatible presets are
// resolved by the providers package.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Defaults applied to missing or zero settings.
const (
	DefaultProvider           = ProviderAnthropic
	DefaultModel              = "claude-3-7-sonnet-latest"
	DefaultSystemPrompt       = "You are an AI assistant helping with coding and other tasks in the editor."
	DefaultTemperature        = float32(1)
	DefaultMaxOutputTokens    = 64000
	DefaultThinkingBudget     = 32000
	DefaultContextWindow      = 200000
	DefaultStreamPersistEvery = 1
	DefaultRequestTimeout     = 5 * time.Minute
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CODABRA_"

// Settings is the user-facing configuration of the chat engine.
type Settings struct {
	Provider     string `json:"provider,omitempty" env:"PROVIDER"`
	APIKey       string `json:"apiKey" env:"API_KEY"`
	BaseURL      string `json:"baseUrl,omitempty" env:"BASE_URL"` // OpenAI-compatible endpoints
	Model        string `json:"model,omitempty" env:"MODEL"`
	SystemPrompt string `json:"systemPrompt" env:"SYSTEM_PROMPT"`

	ExtendedThinking bool     `json:"extendedThinking" env:"EXTENDED_THINKING"`
	ThinkingBudget   int      `json:"thinkingBudget,omitempty" env:"THINKING_BUDGET"`
	Temperature      *float32 `json:"temperature,omitempty" env:"TEMPERATURE"` // nil = DefaultTemperature
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty" env:"MAX_OUTPUT_TOKENS"`
	ContextWindow    int      `json:"contextWindow,omitempty" env:"CONTEXT_WINDOW"`

	// StreamPersistEvery stages every Nth streamed delta as the live preview.
	StreamPersistEvery    int  `json:"streamPersistEvery,omitempty" env:"STREAM_PERSIST_EVERY"`
	RequestTimeoutSeconds int  `json:"requestTimeoutSeconds,omitempty" env:"REQUEST_TIMEOUT_SECONDS"`
	SingleChat            bool `json:"singleChat" env:"SINGLE_CHAT"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{}.WithDefaults()
}

// WithDefaults fills zero fields with their defaults.
func (s Settings) WithDefaults() Settings {
	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}
	if s.Temperature == nil {
		t := DefaultTemperature
		s.Temperature = &t
	}
	if s.MaxOutputTokens <= 0 {
		s.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if s.ThinkingBudget <= 0 {
		s.ThinkingBudget = DefaultThinkingBudget
	}
	if s.ContextWindow <= 0 {
		s.ContextWindow = DefaultContextWindow
	}
	if s.StreamPersistEvery <= 0 {
		s.StreamPersistEvery = DefaultStreamPersistEvery
	}
	if s.RequestTimeoutSeconds <= 0 {
		s.RequestTimeoutSeconds = int(DefaultRequestTimeout / time.Second)
	}
	return s
}

// EffectiveTemperature returns the sampling temperature. Zero is a valid
// setting.
func (s Settings) EffectiveTemperature() float32 {
	if s.Temperature == nil {
		return DefaultTemperature
	}
	return *s.Temperature
}

// RequestTimeout bounds one streamed model request.
func (s Settings) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// ApplyEnv overrides fields of s with CODABRA_* environment variables.
func ApplyEnv(s Settings) (Settings, error) {
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return s, fmt.Errorf("parse environment: %w", err)
	}
	return s, nil
}
