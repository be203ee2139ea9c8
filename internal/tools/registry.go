package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"loom/internal/jsonx"
	"loom/internal/knowledge"
	"loom/internal/llm"
	"loom/internal/logging"
)

// ErrUnknownTool reports a call for a name no tool registered under.
var ErrUnknownTool = errors.New("tool not found")

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to implementations. Input schemas are compiled
// at registration and every Execute validates its parameters first, so a
// malformed model call never reaches a tool.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	logger logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]registered),
		logger: logging.OrNop(logger),
	}
}

// BuiltinConfig carries the dependencies of the standard tool set.
type BuiltinConfig struct {
	// WorkspaceRoot is the directory holding per-project file sandboxes.
	WorkspaceRoot string
	// Catalog backs the knowledge tools; nil keeps them registered but
	// answering that no database is available.
	Catalog *knowledge.Catalog

	OllamaHosts   map[string]string
	OllamaModel   string
	OllamaTimeout time.Duration

	ComfyUIHosts        map[string]string
	ComfyUICheckpoint   string
	ComfyUITimeout      time.Duration
	ComfyUIPollInterval time.Duration

	Logger logging.Logger
}

// NewBuiltinRegistry builds a registry with the standard tools registered.
func NewBuiltinRegistry(cfg BuiltinConfig) (*Registry, error) {
	r := NewRegistry(cfg.Logger)
	builtins := []Tool{
		NewReadFile(cfg.WorkspaceRoot),
		NewWriteFile(cfg.WorkspaceRoot),
		NewSearchKnowledge(cfg.Catalog),
		NewLookupType(cfg.Catalog),
		NewLocalLLM(cfg.OllamaHosts, cfg.OllamaModel, cfg.OllamaTimeout),
		NewGenerateImage(cfg.ComfyUIHosts, cfg.ComfyUICheckpoint, cfg.ComfyUIPollInterval, cfg.ComfyUITimeout),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool and compiles its input schema.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	schema, err := compileSchema(def.Name, def.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = registered{tool: tool, schema: schema}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions resolves names to tool definitions, silently skipping
// unknown names so a stale tool list in a task row degrades gracefully.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			defs = append(defs, reg.tool.Definition())
		}
	}
	return defs
}

// Execute validates params against the tool's schema and runs it. The
// returned string is the text fed back to the model.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := validateParams(reg.schema, params); err != nil {
		return "", fmt.Errorf("invalid parameters for %s: %w", name, err)
	}

	r.logger.Debug("Executing tool %s", name)
	return reg.tool.Execute(ctx, params)
}

// compileSchema round-trips the schema document through JSON so the
// compiler sees plain decoded values regardless of how the map was built.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := jsonx.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := jsonx.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := compiler.AddResource(resource, decoded); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := jsonx.Marshal(params)
	if err != nil {
		return err
	}
	var decoded any
	if err := jsonx.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
