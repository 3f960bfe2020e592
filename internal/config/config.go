package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.marketchat/config.toml.
type Config struct {
	BaseURL          string `toml:"base_url"`
	SocketURL        string `toml:"socket_url"`
	Token            string `toml:"token"`
	ReconnectDelayMS int    `toml:"reconnect_delay_ms"`
	LogPath          string `toml:"log_path"`
}

// DefaultPath returns the default config location under the user's home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".marketchat", "config.toml")
}

// Load reads config from the given path. Returns an error if the file is
// missing or the required fields are absent.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("config: socket_url is required")
	}
	return nil
}

// ReconnectDelay returns the configured reconnect delay, defaulting to 5s.
func (c *Config) ReconnectDelay() time.Duration {
	if c.ReconnectDelayMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// ResolvedLogPath returns the log file location, defaulting next to the
// config file.
func (c *Config) ResolvedLogPath() string {
	if c.LogPath != "" {
		return c.LogPath
	}
	return filepath.Join(filepath.Dir(DefaultPath()), "chatd.log")
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
