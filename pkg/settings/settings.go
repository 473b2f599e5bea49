// Package settings manages persistent user settings for the fabric CLI.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds persistent user preferences
type Settings struct {
	// DefaultSlice is the slice to use when -s is not specified
	DefaultSlice string `json:"default_slice,omitempty"`

	// ConfigPath overrides the default configuration file path
	ConfigPath string `json:"config_path,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fablib_settings.json"
	}
	return filepath.Join(home, ".fablib", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// SetSlice sets the default slice
func (s *Settings) SetSlice(slice string) {
	s.DefaultSlice = slice
}

// SetConfigPath sets the configuration file path override
func (s *Settings) SetConfigPath(path string) {
	s.ConfigPath = path
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
