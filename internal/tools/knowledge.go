package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/knowledge"
	"loom/internal/llm"
)

type searchKnowledgeTool struct {
	catalog *knowledge.Catalog
}

// NewSearchKnowledge returns the search_knowledge tool backed by catalog.
func NewSearchKnowledge(catalog *knowledge.Catalog) Tool {
	return &searchKnowledgeTool{catalog: catalog}
}

func (t *searchKnowledgeTool) Definition() llm.ToolDefinition {
	desc := "Semantic search across code and documentation knowledge databases. Use this to find code patterns, API signatures, and documentation."
	names := catalogDatabases(t.catalog)
	if len(names) > 0 {
		desc += " Available databases: " + strings.Join(names, ", ") + "."
	}
	database := map[string]any{
		"type":        "string",
		"description": "Which knowledge database to search",
	}
	if len(names) > 0 {
		database["enum"] = names
	}
	return llm.ToolDefinition{
		Name:        "search_knowledge",
		Description: desc,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":         map[string]any{"type": "string", "description": "Natural language search query"},
				"database":      database,
				"top_k":         map[string]any{"type": "integer", "default": 5, "description": "Number of results (max 20)"},
				"source_filter": map[string]any{"type": "string", "default": "", "description": "Filter by source tag"},
			},
			"required": []string{"query", "database"},
		},
	}
}

func (t *searchKnowledgeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := stringParam(params, "query", "")
	name := stringParam(params, "database", "")
	topK := clamp(intParam(params, "top_k", 5), 1, 20)
	sourceFilter := stringParam(params, "source_filter", "")

	if t.catalog == nil {
		return fmt.Sprintf("Error: RAG database '%s' not available.", name), nil
	}
	db, err := t.catalog.Open(name)
	if err != nil || db.Count() == 0 {
		return fmt.Sprintf("Error: RAG database '%s' not available.", name), nil
	}

	hits, err := db.Search(ctx, query, topK, sourceFilter)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "Error: Could not generate embedding. Is Ollama running?", nil
	}
	return formatHits(hits), nil
}

type lookupTypeTool struct {
	catalog *knowledge.Catalog
}

// NewLookupType returns the lookup_type tool backed by catalog.
func NewLookupType(catalog *knowledge.Catalog) Tool {
	return &lookupTypeTool{catalog: catalog}
}

func (t *lookupTypeTool) Definition() llm.ToolDefinition {
	database := map[string]any{
		"type":        "string",
		"description": "Which knowledge database to search",
	}
	if names := catalogDatabases(t.catalog); len(names) > 0 {
		database["enum"] = names
	}
	return llm.ToolDefinition{
		Name:        "lookup_type",
		Description: "Look up a specific type, class, or API by exact name in a knowledge database. Uses keyword search for precise matching.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":     map[string]any{"type": "string", "description": "The type/class/function name to look up"},
				"database": database,
				"top_k":    map[string]any{"type": "integer", "default": 5, "description": "Number of results (max 20)"},
			},
			"required": []string{"name", "database"},
		},
	}
}

func (t *lookupTypeTool) Execute(_ context.Context, params map[string]any) (string, error) {
	typeName := stringParam(params, "name", "")
	dbName := stringParam(params, "database", "")
	topK := clamp(intParam(params, "top_k", 5), 1, 20)

	if t.catalog == nil {
		return fmt.Sprintf("Error: RAG database '%s' not available.", dbName), nil
	}
	db, err := t.catalog.Open(dbName)
	if err != nil {
		return fmt.Sprintf("Error: RAG database '%s' not available.", dbName), nil
	}

	entries := db.Lookup(typeName, topK)
	if len(entries) == 0 {
		return fmt.Sprintf("No results for '%s'.", typeName), nil
	}
	hits := make([]knowledge.Hit, len(entries))
	for i, e := range entries {
		hits[i] = knowledge.Hit{Entry: e}
	}
	return formatHits(hits), nil
}

func catalogDatabases(c *knowledge.Catalog) []string {
	if c == nil {
		return nil
	}
	return c.Databases()
}

func formatHits(hits []knowledge.Hit) string {
	if len(hits) == 0 {
		return "No results found."
	}
	blocks := make([]string, len(hits))
	for i, h := range hits {
		blocks[i] = formatHit(h)
	}
	return strings.Join(blocks, "\n\n")
}

func formatHit(h knowledge.Hit) string {
	var parts []string
	if h.Entry.Source != "" {
		parts = append(parts, "Source: "+h.Entry.Source)
	}
	if h.Entry.TypeName != "" {
		parts = append(parts, "Type: "+h.Entry.TypeName)
	}
	if h.Entry.FilePath != "" {
		parts = append(parts, "File: "+h.Entry.FilePath)
	}
	header := strings.Join(parts, " | ")
	return fmt.Sprintf("--- [%s] (score: %.3f) ---\n%s", header, h.Score, h.Entry.Text)
}
