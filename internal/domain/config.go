package domain

import (
	"fmt"
	"time"
)

// AgentConfig is the orchestration configuration consulted on every Launch.
// It is a singleton row in the store, cached and explicitly reloaded on save.
type AgentConfig struct {
	GitHubOwner        string
	GitHubRepo         string
	CloneURL           string // optional override; defaults to the GitHub HTTPS URL
	BaseBranch         string
	AgentModel         string
	MaxSessionDuration time.Duration
	AutoCreatePR       bool
	WorkingDirectory   string // optional override for the workspace root
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DefaultAgentConfig returns a config with the original defaults
func DefaultAgentConfig(owner, repo string) *AgentConfig {
	now := time.Now().UTC()
	return &AgentConfig{
		GitHubOwner:        owner,
		GitHubRepo:         repo,
		BaseBranch:         "main",
		AgentModel:         "claude-sonnet-4-20250514",
		MaxSessionDuration: 60 * time.Minute,
		AutoCreatePR:       true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// RepoCloneURL returns the URL the workspace manager clones from
func (c *AgentConfig) RepoCloneURL() string {
	if c.CloneURL != "" {
		return c.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", c.GitHubOwner, c.GitHubRepo)
}

// Validate checks the config before a session may be launched
func (c *AgentConfig) Validate() error {
	if c.GitHubOwner == "" {
		return fmt.Errorf("github owner is required")
	}
	if c.GitHubRepo == "" {
		return fmt.Errorf("github repository name is required")
	}
	if c.MaxSessionDuration < 5*time.Minute {
		return fmt.Errorf("session duration must be at least 5 minutes")
	}
	if c.MaxSessionDuration > 4*time.Hour {
		return fmt.Errorf("session duration cannot exceed 4 hours")
	}
	return nil
}
