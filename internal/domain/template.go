package domain

import (
	"regexp"
	"time"
)

var templateVarRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// PromptTemplate holds agent instructions with {{variable}} placeholders.
// Templates are keyed by unique name; exactly one carries the default flag.
// A template is immutable once rendered: edits apply only to future sessions.
type PromptTemplate struct {
	Name        string
	Template    string
	Description string
	Variables   []string
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewPromptTemplate creates a template, extracting its variable list
func NewPromptTemplate(name, text string) *PromptTemplate {
	now := time.Now().UTC()
	return &PromptTemplate{
		Name:      name,
		Template:  text,
		Variables: ExtractVariables(text),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SubstituteVariables replaces each placeholder in text with its value from
// vars in a single pass over the original text. Values are inserted verbatim;
// a placeholder appearing inside a substituted value is never re-expanded.
// Placeholders with no entry in vars are left untouched.
func SubstituteVariables(text string, vars map[string]string) string {
	return templateVarRegex.ReplaceAllStringFunc(text, func(m string) string {
		if value, ok := vars[m[2:len(m)-2]]; ok {
			return value
		}
		return m
	})
}

// ExtractVariables returns the distinct placeholder names in template order
func ExtractVariables(text string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, m := range templateVarRegex.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}
