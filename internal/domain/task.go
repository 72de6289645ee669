package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Priority represents task priority as supplied by the task source
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TaskSnapshot is the read-only view of a task consumed when launching a
// session. The orchestrator never mutates task records; the surrounding
// application owns them.
type TaskSnapshot struct {
	ID             uuid.UUID
	Title          string
	Description    string
	Priority       Priority
	EstimatedHours float64
	Tags           []string
	GoalTitle      string
}

// ShortID returns the first segment of the task UUID, used in branch and
// workspace directory names.
func (t TaskSnapshot) ShortID() string {
	id := t.ID.String()
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// Slug returns the task title lowered with every non-alphanumeric rune
// replaced by '-', trimmed of leading and trailing dashes.
func (t TaskSnapshot) Slug() string {
	return Slugify(t.Title)
}

// Slugify normalizes s for use in branch and directory names
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
