package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"loom/internal/llm"
)

type localLLMTool struct {
	hosts        map[string]string
	defaultModel string
	timeout      time.Duration

	mu      sync.Mutex
	clients map[string]llm.Client
}

// NewLocalLLM returns the local_llm tool. hosts maps alias to base URL;
// the "local" alias is the fallback when an unknown alias is requested.
func NewLocalLLM(hosts map[string]string, defaultModel string, timeout time.Duration) Tool {
	return &localLLMTool{
		hosts:        hosts,
		defaultModel: defaultModel,
		timeout:      timeout,
		clients:      make(map[string]llm.Client),
	}
}

func (t *localLLMTool) Definition() llm.ToolDefinition {
	host := map[string]any{
		"type":        "string",
		"default":     "local",
		"description": "Which Ollama host to use",
	}
	if len(t.hosts) > 0 {
		host["enum"] = hostAliases(t.hosts)
	}
	return llm.ToolDefinition{
		Name:        "local_llm",
		Description: "Send a prompt to a local LLM (Ollama) for free inference. Use this for drafts, summaries, simple code generation, formatting, and any task that doesn't require Claude-level reasoning.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "description": "The prompt to send"},
				"system": map[string]any{"type": "string", "default": "", "description": "Optional system prompt"},
				"model":  map[string]any{"type": "string", "default": t.defaultModel, "description": "Model name"},
				"host":   host,
			},
			"required": []string{"prompt"},
		},
	}
}

func (t *localLLMTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	prompt := stringParam(params, "prompt", "")
	system := stringParam(params, "system", "")
	model := stringParam(params, "model", t.defaultModel)
	hostURL := resolveHost(t.hosts, stringParam(params, "host", "local"), "http://localhost:11434")

	client := t.client(hostURL, model)
	resp, err := client.Complete(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if isConnectError(err) {
			return fmt.Sprintf("Error: Ollama not reachable at %s", hostURL), nil
		}
		return fmt.Sprintf("Error: Ollama request failed: %v", err), nil
	}
	return resp.Content, nil
}

func (t *localLLMTool) client(hostURL, model string) llm.Client {
	key := hostURL + "|" + model
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c
	}
	c := llm.NewOllamaClient(model, llm.Config{BaseURL: hostURL, Timeout: t.timeout})
	t.clients[key] = c
	return c
}

func resolveHost(hosts map[string]string, alias, fallback string) string {
	if url, ok := hosts[alias]; ok {
		return url
	}
	if url, ok := hosts["local"]; ok {
		return url
	}
	return fallback
}

func hostAliases(hosts map[string]string) []string {
	aliases := make([]string, 0, len(hosts))
	for alias := range hosts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
