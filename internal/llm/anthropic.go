package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
	"loom/internal/logging"
)

const (
	anthropicMessagesPath  = "/v1/messages"
	anthropicAPIKeyHeader  = "x-api-key"
	anthropicVersionHeader = "anthropic-version"
	anthropicVersion       = "2023-06-01"

	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultMaxTokens        = 4096
	maxResponseBytes        = 10 << 20
)

// AnthropicClient speaks the Anthropic Messages wire format.
type AnthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client bound to the given default model.
func NewAnthropicClient(model string, cfg Config) *AnthropicClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Model returns the default model id for this client.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Complete sends one messages request and parses the content blocks.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, system := convertMessages(req.Messages)
	if req.System != "" {
		if system != "" {
			system = req.System + "\n\n" + system
		} else {
			system = req.System
		}
	}

	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertTools(req.Tools)
	}

	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("anthropic request: model=%s messages=%d tools=%d max_tokens=%d",
		model, len(messages), len(req.Tools), maxTokens)

	endpoint := c.baseURL + anthropicMessagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeader, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeader, anthropicVersion)

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
		c.logger.Debug("anthropic error response: status=%d body=%s", resp.StatusCode, string(respBody))
		return nil, mapStatusError(resp.StatusCode, respBody, resp.Header)
	}

	var apiResp anthropicResponse
	if err := jsonx.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil && apiResp.Error.Message != "" {
		errMsg := apiResp.Error.Message
		if apiResp.Error.Type != "" {
			errMsg = apiResp.Error.Type + ": " + apiResp.Error.Message
		}
		return nil, mapStatusError(resp.StatusCode, []byte(errMsg), resp.Header)
	}

	content, toolCalls := parseContent(apiResp.Content)
	result := &Response{
		ID:         strings.TrimSpace(apiResp.ID),
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: apiResp.StopReason,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Model:    model,
		Provider: ProviderAnthropic,
	}

	c.logger.Debug("anthropic response: stop=%s content=%d chars tool_calls=%d usage=%d+%d",
		result.StopReason, len(result.Content), len(result.ToolCalls),
		result.Usage.PromptTokens, result.Usage.CompletionTokens)

	return result, nil
}

// convertMessages renders conversation turns into wire messages. System turns
// fold into the returned system string; tool results become user messages
// holding a tool_result block, which is how the Messages API round-trips tool
// output.
func convertMessages(msgs []Message) ([]anthropicMessage, string) {
	messages := make([]anthropicMessage, 0, len(msgs))
	var systemParts []string

	for _, msg := range msgs {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "":
			continue
		case "system":
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case "tool":
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
			continue
		}

		var blocks []anthropicContentBlock
		if strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: normalizeToolInput(call.Input),
			})
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}

	return messages, strings.Join(systemParts, "\n\n")
}

func convertTools(tools []ToolDefinition) []map[string]any {
	result := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		result = append(result, map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.InputSchema,
		})
	}
	return result
}

func normalizeToolInput(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return input
}

func parseContent(blocks []anthropicContentBlock) (string, []ToolCall) {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range blocks {
		switch strings.ToLower(strings.TrimSpace(block.Type)) {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: normalizeToolInput(block.Input),
			})
		}
	}

	return content.String(), toolCalls
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// mapStatusError classifies an HTTP failure for the retry policy: 429 and
// 5xx are transient, everything else permanent. The body may be an error
// envelope or plain text.
func mapStatusError(status int, body []byte, header http.Header) error {
	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Error *anthropicError `json:"error"`
	}
	if jsonx.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
		if envelope.Error.Type != "" {
			msg = envelope.Error.Type + ": " + envelope.Error.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	base := fmt.Errorf("api error %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		return &loomerrors.TransientError{
			Err:        base,
			StatusCode: status,
			RetryAfter: parseRetryAfter(header),
			Message:    base.Error(),
		}
	}
	return &loomerrors.PermanentError{
		Err:        base,
		StatusCode: status,
		Message:    base.Error(),
	}
}

func parseRetryAfter(header http.Header) int {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// wrapTransportError marks connection-level failures as retryable. Context
// cancellation passes through so shutdown is not retried.
func wrapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return loomerrors.NewTransientError(err, fmt.Sprintf("request failed: %v", err))
}
