// Package tui renders a terminal monitor for running agent sessions.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// SessionSource provides the live session data the monitor displays
type SessionSource interface {
	ListActive() []*domain.Session
	GetStatus(sessionID uuid.UUID) (*domain.Session, error)
	Cancel(sessionID uuid.UUID) error
}

// Model is the TUI application model
type Model struct {
	source   SessionSource
	sessions []*domain.Session

	// UI state
	width       int
	height      int
	selectedRow int
	showLog     bool
	statusMsg   string

	lastRefresh time.Time
}

// NewModel creates a session monitor backed by the given source
func NewModel(source SessionSource) Model {
	return Model{
		source:   source,
		sessions: source.ListActive(),
	}
}

// Init starts the refresh ticker
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// selected returns the currently highlighted session, or nil
func (m Model) selected() *domain.Session {
	if m.selectedRow < 0 || m.selectedRow >= len(m.sessions) {
		return nil
	}
	return m.sessions[m.selectedRow]
}
