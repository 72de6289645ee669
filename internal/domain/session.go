package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusWorking      Status = "working"
	StatusCreatingPR   Status = "creating_pr"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// ParseStatus converts a stored string into a Status
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInitializing, StatusWorking, StatusCreatingPR,
		StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown session status: %q", s)
}

// IsTerminal returns true if no further transitions are permitted
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true for statuses that count against the
// one-active-session-per-task invariant
func (s Status) IsActive() bool {
	switch s {
	case StatusInitializing, StatusWorking, StatusCreatingPR:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s -> next is permitted.
// Transitions are unidirectional; Cancelled is reachable from any
// non-terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusInitializing || next == StatusFailed
	case StatusInitializing:
		return next == StatusWorking || next == StatusFailed
	case StatusWorking:
		return next == StatusCreatingPR || next == StatusCompleted || next == StatusFailed
	case StatusCreatingPR:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Session represents one supervised run of a coding agent against a task
type Session struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	Status       Status
	BranchName   string
	PRURL        string
	PRNumber     int
	Log          []string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSession creates a pending session for a task
func NewSession(taskID uuid.UUID) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New(),
		TaskID:    taskID,
		Status:    StatusPending,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to next, stamping CompletedAt on terminal
// states. Returns an error for a transition the state machine forbids.
func (s *Session) Transition(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for session %s", s.Status, next, s.ID)
	}
	s.Status = next
	now := time.Now().UTC()
	s.UpdatedAt = now
	if next.IsTerminal() {
		s.CompletedAt = &now
	}
	return nil
}

// AppendLog appends a timestamped line to the session log.
// Log lines are append-only; they are never reordered or rewritten.
func (s *Session) AppendLog(line string) {
	s.Log = append(s.Log, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("2006-01-02 15:04:05"), line))
	s.UpdatedAt = time.Now().UTC()
}

// Fail records the error message and moves the session to Failed
func (s *Session) Fail(msg string) {
	s.ErrorMessage = msg
	s.AppendLog("ERROR: " + msg)
	_ = s.Transition(StatusFailed)
}

// SetPRInfo records the published pull request
func (s *Session) SetPRInfo(url string, number int) {
	s.PRURL = url
	s.PRNumber = number
	s.UpdatedAt = time.Now().UTC()
}

// Duration returns the elapsed wall-clock time of the session
func (s *Session) Duration() time.Duration {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
