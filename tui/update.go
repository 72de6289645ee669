package tui

import (
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.selectedRow < len(m.sessions)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "l", "enter":
			m.showLog = !m.showLog
		case "c":
			if session := m.selected(); session != nil {
				if err := m.source.Cancel(session.ID); err != nil {
					m.statusMsg = "cancel failed: " + err.Error()
				} else {
					m.statusMsg = "cancellation requested for " + shortID(session.ID)
				}
			}
		case "r":
			m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh()
		return m, tickCmd()
	}

	return m, nil
}

func (m *Model) refresh() {
	m.sessions = m.source.ListActive()
	sort.Slice(m.sessions, func(i, j int) bool {
		return m.sessions[i].StartedAt.Before(m.sessions[j].StartedAt)
	})
	if m.selectedRow >= len(m.sessions) && len(m.sessions) > 0 {
		m.selectedRow = len(m.sessions) - 1
	}
	m.lastRefresh = time.Now()
}
