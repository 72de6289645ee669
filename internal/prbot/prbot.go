// Package prbot publishes a session branch as a pull request through the
// gh CLI.
package prbot

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

const prBodyTemplate = `## Summary
Automated implementation of %q by a supervised coding-agent session.

## Session
- Session: %s
- Branch: %s

---
Autonomous implementation by Plon Orchestrator
`

// Publisher opens pull requests for completed session branches
type Publisher struct{}

// New creates a Publisher
func New() *Publisher {
	return &Publisher{}
}

// BuildTitle constructs the PR title for a task
func BuildTitle(task domain.TaskSnapshot) string {
	return fmt.Sprintf("Claude Code: %s", task.Title)
}

// BuildBody constructs the PR body
func BuildBody(task domain.TaskSnapshot, sessionID, branch string) string {
	return fmt.Sprintf(prBodyTemplate, task.Title, sessionID, branch)
}

// Publish pushes the branch and opens a pull request against base. The
// returned URL and number are parsed from the gh CLI's stdout. Push and PR
// failures are PublishErrors carrying the CLI output verbatim.
func (p *Publisher) Publish(ctx context.Context, workDir, branch, base, title, body string) (string, int, error) {
	pushCmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	pushCmd.Dir = workDir
	if out, err := pushCmd.CombinedOutput(); err != nil {
		return "", 0, &domain.PublishError{Output: strings.TrimSpace(string(out)), Err: err}
	}

	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--base", base,
		"--head", branch,
	)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", 0, &domain.PublishError{Output: strings.TrimSpace(string(out)), Err: err}
	}

	url := lastLine(string(out))
	num := ExtractPRNumber(url)
	if num == 0 {
		return "", 0, &domain.PublishError{
			Output: strings.TrimSpace(string(out)),
			Err:    fmt.Errorf("no pull request URL in gh output"),
		}
	}

	return url, num, nil
}

// ExtractPRNumber parses the trailing number from a PR URL like
// https://github.com/owner/repo/pull/123
func ExtractPRNumber(url string) int {
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) == 0 {
		return 0
	}
	var num int
	fmt.Sscanf(parts[len(parts)-1], "%d", &num)
	return num
}

// lastLine returns the final non-empty line; gh prints the PR URL last
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
