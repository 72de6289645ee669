// Package templates loads prompt templates from markdown files on disk
// and seeds them into the session store. Files use YAML frontmatter for
// metadata and {{variable}} placeholders in the body.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plonhq/plon-orchestrator/internal/domain"
	"github.com/plonhq/plon-orchestrator/internal/renderer"
)

// Store is the persistence surface the loader needs
type Store interface {
	SaveTemplate(*domain.PromptTemplate) error
	GetDefaultTemplate() (*domain.PromptTemplate, error)
}

// templateMeta holds frontmatter metadata for template files
type templateMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	IsDefault   bool   `yaml:"is_default"`
}

// parseFrontmatter splits content into frontmatter and body. Content
// without a leading "---" block is treated as a body with no metadata.
func parseFrontmatter(content []byte) (*templateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta templateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// ParseFile reads one template file into a PromptTemplate. The name
// defaults to the file name without extension when the frontmatter does
// not set one.
func ParseFile(path string) (*domain.PromptTemplate, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tmpl := domain.NewPromptTemplate(name, strings.TrimSpace(body))
	if meta != nil {
		if meta.Name != "" {
			tmpl.Name = meta.Name
		}
		tmpl.Description = meta.Description
		tmpl.IsDefault = meta.IsDefault
	}
	return tmpl, nil
}

// LoadDir parses every markdown file in dir. A missing directory yields
// an empty slice, not an error.
func LoadDir(dir string) ([]*domain.PromptTemplate, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	var result []*domain.PromptTemplate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		tmpl, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		result = append(result, tmpl)
	}
	return result, nil
}

// Seed loads every template file in dir into the store, then guarantees
// a default template exists by installing the built-in one when neither
// the directory nor the store provides a default.
func Seed(store Store, dir string) error {
	tmpls, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, tmpl := range tmpls {
		if err := store.SaveTemplate(tmpl); err != nil {
			return fmt.Errorf("save template %s: %w", tmpl.Name, err)
		}
	}

	if _, err := store.GetDefaultTemplate(); err == nil {
		return nil
	}
	builtin := domain.NewPromptTemplate("default", renderer.DefaultTemplateText)
	builtin.Description = "Built-in task prompt"
	builtin.IsDefault = true
	return store.SaveTemplate(builtin)
}
