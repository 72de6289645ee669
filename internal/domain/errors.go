package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by orchestrator operations
var (
	// ErrConfigMissing means no agent configuration has been saved yet
	ErrConfigMissing = errors.New("agent configuration missing")

	// ErrConcurrentSession means the task already has a non-terminal session
	ErrConcurrentSession = errors.New("task already has an active session")

	// ErrSessionNotFound means the session ID is unknown
	ErrSessionNotFound = errors.New("session not found")

	// ErrTimeout means the agent process exceeded the configured deadline
	ErrTimeout = errors.New("session deadline exceeded")
)

// WorkspaceError wraps clone, checkout, and branch failures
type WorkspaceError struct {
	Op  string
	Err error
}

func (e *WorkspaceError) Error() string { return fmt.Sprintf("workspace %s: %v", e.Op, e.Err) }
func (e *WorkspaceError) Unwrap() error { return e.Err }

// TemplateError reports a placeholder with no supplied value
type TemplateError struct {
	Template string
	Variable string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q references variable %q with no supplied value", e.Template, e.Variable)
}

// ProcessLaunchError means the agent process could not be started at all
type ProcessLaunchError struct {
	Err error
}

func (e *ProcessLaunchError) Error() string { return fmt.Sprintf("launching agent: %v", e.Err) }
func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// ProcessFailure means the agent process exited nonzero
type ProcessFailure struct {
	ExitCode int
}

func (e *ProcessFailure) Error() string {
	return fmt.Sprintf("agent process exited with code %d", e.ExitCode)
}

// PublishError wraps push and PR creation failures, keeping the underlying
// CLI output verbatim for the session's error message.
type PublishError struct {
	Output string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("publishing PR: %s: %v", e.Output, e.Err)
	}
	return fmt.Sprintf("publishing PR: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
