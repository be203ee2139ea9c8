package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/jsonx"
	"loom/internal/logging"
)

const (
	ollamaGeneratePath   = "/api/generate"
	defaultOllamaBaseURL = "http://localhost:11434"
)

// OllamaClient speaks the Ollama generate wire format: one prompt in, one
// completion out, no tool rounds.
type OllamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient builds a client for one Ollama host.
func NewOllamaClient(model string, cfg Config) *OllamaClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Model returns the default model id for this client.
func (c *OllamaClient) Model() string {
	return c.model
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
}

// Complete flattens the conversation into a single prompt and runs one
// non-streaming generate call.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	payload := ollamaGenerateRequest{
		Model:  model,
		Prompt: flattenPrompt(req.Messages),
		System: req.System,
		Stream: false,
	}
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("ollama request: model=%s prompt=%d chars", model, len(payload.Prompt))

	endpoint := c.baseURL + ollamaGeneratePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapStatusError(resp.StatusCode, respBody, resp.Header)
	}

	var out ollamaGenerateResponse
	if err := jsonx.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}

	result := &Response{
		Content:    out.Response,
		StopReason: "end_turn",
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Model:    model,
		Provider: ProviderOllama,
	}

	c.logger.Debug("ollama response: content=%d chars usage=%d+%d",
		len(result.Content), result.Usage.PromptTokens, result.Usage.CompletionTokens)

	return result, nil
}

// flattenPrompt joins user and assistant turns in order. Ollama's generate
// endpoint takes a single prompt, so tool turns have no representation here.
func flattenPrompt(msgs []Message) string {
	var parts []string
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "user", "assistant":
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, msg.Content)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
