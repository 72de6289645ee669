package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	workingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	initStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	prStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("39"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

const logTail = 15

// View renders the session monitor
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Plon Agent Sessions │ Active: %d ", len(m.sessions))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderSessions()))
	b.WriteString("\n")

	if m.showLog {
		if session := m.selected(); session != nil {
			b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderLog(session)))
			b.WriteString("\n")
		}
	}

	statusLine := " q: quit │ j/k: navigate │ l: log │ c: cancel │ r: refresh "
	if m.statusMsg != "" {
		statusLine = " " + m.statusMsg + " "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusLine))

	return b.String()
}

func (m Model) renderSessions() string {
	if len(m.sessions) == 0 {
		return dimmedStyle.Render("No active sessions")
	}

	var b strings.Builder
	for i, session := range m.sessions {
		line := fmt.Sprintf("%-8s  %-12s  %-40s  started %s",
			shortID(session.ID),
			statusStyle(session.Status).Render(string(session.Status)),
			truncate(session.BranchName, 40),
			humanize.Time(session.StartedAt))
		if i == m.selectedRow {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderLog(session *domain.Session) string {
	lines := session.Log
	if len(lines) > logTail {
		lines = lines[len(lines)-logTail:]
	}
	if len(lines) == 0 {
		return dimmedStyle.Render("No output yet")
	}
	return strings.Join(lines, "\n")
}

func statusStyle(status domain.Status) lipgloss.Style {
	switch status {
	case domain.StatusWorking:
		return workingStyle
	case domain.StatusInitializing, domain.StatusPending:
		return initStyle
	case domain.StatusCreatingPR:
		return prStyle
	default:
		return dimmedStyle
	}
}

func shortID(id uuid.UUID) string {
	return strings.SplitN(id.String(), "-", 2)[0]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
