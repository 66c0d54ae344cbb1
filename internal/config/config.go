package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for deepsearch-agent.
//
// Secrets (provider API keys) never live here; they are managed through the
// separate local secrets file (internal/settings).
type Config struct {
	// StateDir holds the thread store and event log.
	// If empty, the agent defaults to ~/.deepsearch-agent.
	StateDir string `json:"state_dir,omitempty"`

	// ListenAddr is the local HTTP listen address for the serve command.
	ListenAddr string `json:"listen_addr,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	Research *ResearchConfig `json:"research,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if c.Research != nil {
		if err := c.Research.Validate(); err != nil {
			return fmt.Errorf("invalid research config: %w", err)
		}
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.deepsearch-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "deepsearch-agent.config.json"
	}
	return filepath.Join(home, ".deepsearch-agent", "config.json")
}

// EffectiveStateDir resolves the state directory.
func (c *Config) EffectiveStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return strings.TrimSpace(c.StateDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".deepsearch-agent"
	}
	return filepath.Join(home, ".deepsearch-agent")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
