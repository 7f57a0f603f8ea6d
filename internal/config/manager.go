// Package config loads, validates, persists and watches the engine settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager handles loading and saving the settings file.
type Manager struct {
	configDir string

	mu          sync.Mutex
	listeners   []func(Settings)
	lastWritten []byte // file content of the latest Save
}

// NewManager creates a manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return NewManagerAt(filepath.Join(configDir, "codabra")), nil
}

// NewManagerAt creates a manager storing its files in dir.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// Dir returns the configuration directory.
func (m *Manager) Dir() string {
	return m.configDir
}

// GetConfigPath returns the absolute path to the settings.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "settings.json")
}

// LoadFile reads the settings file as stored, without defaults or
// environment overrides. A missing file yields zero Settings.
func (m *Manager) LoadFile() (Settings, error) {
	data, err := os.ReadFile(m.GetConfigPath())
	if os.IsNotExist(err) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config json: %w", err)
	}
	return s, nil
}

// Load returns the effective settings: file values, then environment
// overrides, then defaults.
func (m *Manager) Load() (Settings, error) {
	s, err := m.LoadFile()
	if err != nil {
		return Settings{}, err
	}
	s, err = ApplyEnv(s)
	if err != nil {
		return Settings{}, err
	}
	return s.WithDefaults(), nil
}

// Save writes s to disk with restricted permissions (0600) and notifies
// subscribers with the effective settings.
func (m *Manager) Save(s Settings) error {
	if err := os.MkdirAll(m.configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.GetConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	m.mu.Lock()
	m.lastWritten = data
	m.mu.Unlock()

	effective, err := m.Load()
	if err != nil {
		return err
	}
	m.notify(effective)
	return nil
}

// SaveJSON validates a raw settings payload, merges it over the stored
// file and saves the result.
func (m *Manager) SaveJSON(raw json.RawMessage) (Settings, error) {
	if err := ValidateSettingsJSON(raw); err != nil {
		return Settings{}, err
	}

	current, err := m.LoadFile()
	if err != nil {
		return Settings{}, err
	}
	if err := json.Unmarshal(raw, &current); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := m.Save(current); err != nil {
		return Settings{}, err
	}
	return m.Load()
}

// Exists checks if the settings file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

// OnChange registers fn to receive the effective settings after every save
// or external edit picked up by a Watcher.
func (m *Manager) OnChange(fn func(Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ownWrite reports whether data is what the latest Save wrote.
func (m *Manager) ownWrite(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWritten != nil && bytes.Equal(m.lastWritten, data)
}

func (m *Manager) notify(s Settings) {
	m.mu.Lock()
	listeners := append([]func(Settings){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
