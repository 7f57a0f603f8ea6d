package providers

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ChamsBouzaiene/codabra/internal/config"
	"github.com/ChamsBouzaiene/codabra/internal/engine"
)

// Source holds the current settings and the model client built from them.
// It is rebuilt whenever the settings change.
type Source struct {
	mu       sync.RWMutex
	settings config.Settings
	client   engine.LLMClient
	build    func(config.Settings) (engine.LLMClient, error)
	logger   *slog.Logger
}

// NewSource creates a source from the initial settings.
func NewSource(s config.Settings, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	src := &Source{build: NewClient, logger: logger}
	src.Update(s)
	return src
}

// Update replaces the settings and rebuilds the client. A missing
// credential leaves the source without a client.
func (s *Source) Update(settings config.Settings) {
	settings = Resolve(settings)
	client, err := s.build(settings)
	switch {
	case errors.Is(err, ErrNoCredential):
		s.logger.Warn("model client not configured", "provider", settings.Provider)
		client = nil
	case err != nil:
		s.logger.Error("failed to initialize model client", "provider", settings.Provider, "error", err)
		client = nil
	default:
		s.logger.Info("model client initialized", "provider", settings.Provider, "model", settings.Model)
	}

	s.mu.Lock()
	s.settings = settings
	s.client = client
	s.mu.Unlock()
}

// Client returns the current client, or nil when not configured.
func (s *Source) Client() engine.LLMClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Settings returns the current effective settings.
func (s *Source) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}
