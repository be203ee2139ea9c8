// Package prompts holds the engine's LLM prompt templates, embedded at
// build time. Templates are markdown files; {{name}} placeholders are
// substituted by Render.
package prompts

import (
	"embed"
	"fmt"
	"strings"

	"loom/internal/domain"
)

//go:embed *.md
var promptFS embed.FS

var templates = mustLoad()

func mustLoad() map[string]string {
	entries, err := promptFS.ReadDir(".")
	if err != nil {
		panic(fmt.Sprintf("prompts: read embedded templates: %v", err))
	}
	loaded := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := promptFS.ReadFile(entry.Name())
		if err != nil {
			panic(fmt.Sprintf("prompts: read %s: %v", entry.Name(), err))
		}
		loaded[strings.TrimSuffix(entry.Name(), ".md")] = strings.TrimRight(string(content), "\n")
	}
	return loaded
}

func get(name string) string {
	content, ok := templates[name]
	if !ok {
		panic(fmt.Sprintf("prompts: no template named %q", name))
	}
	return content
}

// Render substitutes {{key}} placeholders in the named template.
func Render(name string, vars map[string]string) string {
	content := get(name)
	for key, value := range vars {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content
}

// PlanningSystem returns the planner system prompt for a rigor level.
func PlanningSystem(rigor domain.PlanningRigor) string {
	switch rigor {
	case domain.RigorFast:
		return get("planner_l1")
	case domain.RigorThorough:
		return get("planner_l3")
	default:
		return get("planner_l2")
	}
}

// VerificationSystem returns the output verifier system prompt.
func VerificationSystem() string {
	return get("verifier")
}

// VerificationUser renders the verifier's user message for one task.
func VerificationUser(title, description, output string) string {
	if output == "" {
		output = "(empty)"
	}
	return Render("verifier_user", map[string]string{
		"title":       title,
		"description": description,
		"output":      output,
	})
}

// Names lists the embedded template names, for diagnostics.
func Names() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	return names
}
