package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

// Nomic-style task prefixes. Queries and documents are embedded into the
// same space but carry different instruction prefixes.
const (
	queryPrefix    = "search_query: "
	documentPrefix = "search_document: "
)

const defaultEmbedTimeout = 30 * time.Second

// Embedder turns text into vectors. Query and document embeddings are
// separate because asymmetric models prefix them differently.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder generates embeddings through a local Ollama host.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
}

// NewOllamaEmbedder returns an embedder backed by {baseURL}/api/embeddings.
// Repeated texts are served from an LRU cache.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	// Error only fires for size <= 0.
	cache, _ := lru.New[string, []float32](4096)
	return &OllamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
	}
}

func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, queryPrefix+text)
}

func (e *OllamaEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, documentPrefix+text)
}

func (e *OllamaEmbedder) embed(ctx context.Context, prompt string) ([]float32, error) {
	if cached, ok := e.cache.Get(prompt); ok {
		return cached, nil
	}

	retryCfg := loomerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	vec, err := loomerrors.RetryWithResult(ctx, retryCfg, nil, func(ctx context.Context) ([]float32, error) {
		return e.callAPI(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	e.cache.Add(prompt, vec)
	return vec, nil
}

func (e *OllamaEmbedder) callAPI(ctx context.Context, prompt string) ([]float32, error) {
	body, err := jsonx.Marshal(map[string]any{
		"model":  e.model,
		"prompt": prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("embeddings api error %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &loomerrors.TransientError{Err: apiErr, StatusCode: resp.StatusCode, Message: apiErr.Error()}
		}
		return nil, &loomerrors.PermanentError{Err: apiErr, StatusCode: resp.StatusCode, Message: apiErr.Error()}
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding for model %s", e.model)
	}
	return parsed.Embedding, nil
}
