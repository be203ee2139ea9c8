package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"loom/internal/llm"
)

// Reads longer than this are truncated before being fed to the model.
const maxReadChars = 50000

type readFileTool struct {
	root string
}

// NewReadFile returns the read_file tool, sandboxed under root.
func NewReadFile(root string) Tool {
	return &readFileTool{root: root}
}

func (t *readFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the project workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string", "description": "Relative file path within the project workspace"},
				"project_id": map[string]any{"type": "string", "description": "Project ID (auto-injected by executor)"},
			},
			"required": []string{"path", "project_id"},
		},
	}
}

func (t *readFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	rel := stringParam(params, "path", "")
	projectID := stringParam(params, "project_id", "")

	path, ok := resolveProjectPath(t.root, projectID, rel)
	if !ok {
		return fmt.Sprintf("Error: Path traversal detected: %s", rel), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: File not found: %s", rel), nil
	}
	if err != nil {
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	content := string(data)
	if total := utf8.RuneCountInString(content); total > maxReadChars {
		runes := []rune(content)
		return string(runes[:maxReadChars]) + fmt.Sprintf("\n\n... (truncated, %d chars total)", total), nil
	}
	return content, nil
}

type writeFileTool struct {
	root string
}

// NewWriteFile returns the write_file tool, sandboxed under root.
func NewWriteFile(root string) Tool {
	return &writeFileTool{root: root}
}

func (t *writeFileTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "write_file",
		Description: "Write a file to the project workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string", "description": "Relative file path within the project workspace"},
				"content":    map[string]any{"type": "string", "description": "File content to write"},
				"project_id": map[string]any{"type": "string", "description": "Project ID (auto-injected by executor)"},
			},
			"required": []string{"path", "content", "project_id"},
		},
	}
}

func (t *writeFileTool) Execute(_ context.Context, params map[string]any) (string, error) {
	rel := stringParam(params, "path", "")
	content := stringParam(params, "content", "")
	projectID := stringParam(params, "project_id", "")

	path, ok := resolveProjectPath(t.root, projectID, rel)
	if !ok {
		return fmt.Sprintf("Error: Path traversal detected: %s", rel), nil
	}

	previous, readErr := os.ReadFile(path)
	existed := readErr == nil

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	chars := utf8.RuneCountInString(content)
	if existed && string(previous) != content {
		added, deleted := lineDelta(string(previous), content)
		return fmt.Sprintf("File written: %s (%d chars, +%d lines, -%d lines)", rel, chars, added, deleted), nil
	}
	return fmt.Sprintf("File written: %s (%d chars)", rel, chars), nil
}

// resolveProjectPath confines rel to the project's sandbox directory.
// Absolute paths and anything escaping the sandbox after cleaning fail.
func resolveProjectPath(root, projectID, rel string) (string, bool) {
	if filepath.IsAbs(rel) {
		return "", false
	}
	base := filepath.Join(root, "projects", projectID)
	path := filepath.Join(base, rel)
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

func lineDelta(oldText, newText string) (added, deleted int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldText, newText, false))
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			lines++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			deleted += lines
		}
	}
	return added, deleted
}
