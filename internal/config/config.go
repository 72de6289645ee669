// Package config loads the application configuration from a TOML file.
// Repository and session settings live in the store; this file covers
// the process-level knobs only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Agent   AgentConfig   `toml:"agent"`
	Web     WebConfig     `toml:"web"`
	Cleanup CleanupConfig `toml:"cleanup"`
	Logging LoggingConfig `toml:"logging"`
}

// GeneralConfig holds paths and storage settings
type GeneralConfig struct {
	DatabasePath  string `toml:"database_path"`
	WorkspaceRoot string `toml:"workspace_root"`
	TemplatesDir  string `toml:"templates_dir"`
}

// AgentConfig holds the agent process settings
type AgentConfig struct {
	Command string `toml:"command"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// CleanupConfig holds session retention settings
type CleanupConfig struct {
	Cron           string `toml:"cron"`
	RetentionHours int    `toml:"retention_hours"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:  filepath.Join(home, ".plon-orchestrator", "sessions.db"),
			WorkspaceRoot: filepath.Join(home, ".plon-orchestrator", "workspaces"),
			TemplatesDir:  filepath.Join(home, ".plon-orchestrator", "templates"),
		},
		Agent: AgentConfig{
			Command: "claude",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Cleanup: CleanupConfig{
			Cron:           "0 3 * * *",
			RetentionHours: 720,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.TemplatesDir = ExpandPath(cfg.General.TemplatesDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port %d out of range", c.Web.Port)
	}
	if c.Cleanup.RetentionHours < 1 {
		return fmt.Errorf("retention of %d hours too short", c.Cleanup.RetentionHours)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent command must not be empty")
	}
	return nil
}

// Retention returns the cleanup retention window as a duration
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionHours) * time.Hour
}

// WebAddr returns the host:port listen address
func (c *Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "plon-orchestrator", "config.toml")
}
