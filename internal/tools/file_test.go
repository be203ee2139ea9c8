package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParams(path, content string) map[string]any {
	return map[string]any{"path": path, "content": content, "project_id": "p1"}
}

func readParams(path string) map[string]any {
	return map[string]any{"path": path, "project_id": "p1"}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write := NewWriteFile(root)
	read := NewReadFile(root)
	ctx := context.Background()

	result, err := write.Execute(ctx, writeParams("src/main.ts", "export const x = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "File written: src/main.ts (19 chars)", result)

	content, err := read.Execute(ctx, readParams("src/main.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1\n", content)

	data, err := os.ReadFile(filepath.Join(root, "projects", "p1", "src", "main.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1\n", string(data))
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	read := NewReadFile(t.TempDir())
	result, err := read.Execute(context.Background(), readParams("nope.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Error: File not found: nope.txt", result)
}

func TestPathTraversalRejected(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	read := NewReadFile(root)
	write := NewWriteFile(root)
	ctx := context.Background()

	for _, path := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		result, err := read.Execute(ctx, readParams(path))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Error: Path traversal detected: %s", path), result)

		result, err = write.Execute(ctx, writeParams(path, "x"))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Error: Path traversal detected: %s", path), result)
	}

	_, err := os.Stat(filepath.Join(root, "projects", "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadFileTruncation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write := NewWriteFile(root)
	read := NewReadFile(root)
	ctx := context.Background()

	long := strings.Repeat("a", maxReadChars+5)
	_, err := write.Execute(ctx, writeParams("big.txt", long))
	require.NoError(t, err)

	result, err := read.Execute(ctx, readParams("big.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result, fmt.Sprintf("\n\n... (truncated, %d chars total)", maxReadChars+5)))
	assert.Equal(t, strings.Repeat("a", maxReadChars), result[:maxReadChars])
}

func TestWriteFileCountsRunes(t *testing.T) {
	t.Parallel()

	write := NewWriteFile(t.TempDir())
	result, err := write.Execute(context.Background(), writeParams("note.txt", "héllo"))
	require.NoError(t, err)
	assert.Equal(t, "File written: note.txt (5 chars)", result)
}

func TestWriteFileDiffSummary(t *testing.T) {
	t.Parallel()

	write := NewWriteFile(t.TempDir())
	ctx := context.Background()

	_, err := write.Execute(ctx, writeParams("notes.md", "one\ntwo\nthree\n"))
	require.NoError(t, err)

	result, err := write.Execute(ctx, writeParams("notes.md", "one\ntwo\nthree\nfour\nfive\n"))
	require.NoError(t, err)
	assert.Equal(t, "File written: notes.md (24 chars, +2 lines, -0 lines)", result)

	result, err = write.Execute(ctx, writeParams("notes.md", "one\n"))
	require.NoError(t, err)
	assert.Equal(t, "File written: notes.md (4 chars, +0 lines, -4 lines)", result)

	result, err = write.Execute(ctx, writeParams("notes.md", "one\n"))
	require.NoError(t, err)
	assert.Equal(t, "File written: notes.md (4 chars)", result)
}

func TestLineDelta(t *testing.T) {
	t.Parallel()

	added, deleted := lineDelta("a\nb\n", "a\nb\nc\n")
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, deleted)

	added, deleted = lineDelta("a\nb\nc\n", "a\n")
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, deleted)

	added, deleted = lineDelta("same\n", "same\n")
	assert.Equal(t, 0, added)
	assert.Equal(t, 0, deleted)
}

func TestProjectsAreIsolated(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write := NewWriteFile(root)
	read := NewReadFile(root)
	ctx := context.Background()

	_, err := write.Execute(ctx, map[string]any{"path": "shared.txt", "content": "alpha", "project_id": "p1"})
	require.NoError(t, err)

	result, err := read.Execute(ctx, map[string]any{"path": "shared.txt", "project_id": "p2"})
	require.NoError(t, err)
	assert.Equal(t, "Error: File not found: shared.txt", result)
}
