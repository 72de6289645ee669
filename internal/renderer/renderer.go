// Package renderer turns prompt templates and task data into the
// instructions handed to the agent process. Rendering is pure: identical
// inputs always produce identical output.
package renderer

import (
	"fmt"
	"strings"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// Render substitutes {{variable}} placeholders in the template with values
// from vars. A placeholder with no supplied value is a hard TemplateError;
// unresolved placeholders are never passed through silently.
func Render(tmpl *domain.PromptTemplate, vars map[string]string) (string, error) {
	for _, name := range domain.ExtractVariables(tmpl.Template) {
		if _, ok := vars[name]; !ok {
			return "", &domain.TemplateError{Template: tmpl.Name, Variable: name}
		}
	}

	return domain.SubstituteVariables(tmpl.Template, vars), nil
}

// TaskVars builds the variable set supplied to every session's template
func TaskVars(task domain.TaskSnapshot) map[string]string {
	estimated := "Not estimated"
	if task.EstimatedHours > 0 {
		estimated = fmt.Sprintf("%g", task.EstimatedHours)
	}
	goal := task.GoalTitle
	if goal == "" {
		goal = "N/A"
	}

	return map[string]string{
		"task_id":          task.ID.String(),
		"task_id_short":    task.ShortID(),
		"task_title":       task.Title,
		"task_title_slug":  task.Slug(),
		"task_description": task.Description,
		"priority":         string(task.Priority),
		"estimated_hours":  estimated,
		"tags":             strings.Join(task.Tags, ", "),
		"goal_title":       goal,
	}
}

const instructionsTemplate = `# Agent Instructions

## Task Context
You are working on a task from the Plon project management system.

## Git Configuration
- Repository: %s/%s
- Branch: %s
- Base Branch: %s

## Task Requirements
1. Read and understand the task requirements in the prompt file
2. Implement the necessary changes
3. Write appropriate tests
4. Ensure code quality and documentation
5. Commit your changes with clear messages

## Pull Request
%s

## Completion
When you're done:
1. Ensure all changes are committed
2. Include a summary of changes in your final output
`

// Instructions builds the companion instructions file content written next
// to the rendered prompt in the session workspace.
func Instructions(cfg *domain.AgentConfig, branch string) string {
	prNote := "No automatic PR will be created. Manual review and PR creation required."
	if cfg.AutoCreatePR {
		prNote = "A pull request will be automatically created when you complete the task."
	}
	return fmt.Sprintf(instructionsTemplate,
		cfg.GitHubOwner,
		cfg.GitHubRepo,
		branch,
		cfg.BaseBranch,
		prNote,
	)
}

// DefaultTemplateText is seeded as the default prompt template when the
// store has none.
const DefaultTemplateText = `You are working on the following task:

Task: {{task_title}}
Description: {{task_description}}
Goal: {{goal_title}}
Priority: {{priority}}
Estimated hours: {{estimated_hours}}
Tags: {{tags}}

Please complete this task following these steps:
1. Review the existing codebase to understand the context
2. Implement the required changes for this task
3. Write appropriate tests if applicable
4. Ensure all tests pass
5. Create descriptive commits with clear messages

The task should be implemented following best practices and existing code
patterns in the repository.
`
