package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.warbler/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// SyncAuto enables archive catch-up on session start.
	SyncAuto bool `toml:"sync_auto"`
	// SyncWindowHours bounds how far back archive catch-up reaches when no
	// local history exists.
	SyncWindowHours int `toml:"sync_window_hours"`
	// LinkPreviews enables background link detection on plain messages.
	LinkPreviews bool `toml:"link_previews"`
	// Encryption selects the outgoing payload mode: "none" or "e2ee".
	Encryption string `toml:"encryption"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		SyncAuto:        true,
		SyncWindowHours: 72,
		LinkPreviews:    true,
		Encryption:      "none",
	}
}

// Load reads config from the given path. Missing keys keep their defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
