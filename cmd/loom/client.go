package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/jsonx"
)

// apiClient is a thin JSON client for a running loom server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		// Plan generation holds the request open while the model works, so
		// the client timeout is generous.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return e.Detail
}

func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) patch(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach loom server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{Status: resp.StatusCode, Detail: errorDetail(data, resp.StatusCode)}
	}
	return data, nil
}

// errorDetail extracts the server's detail message, falling back to the
// status text when the body is not the expected shape.
func errorDetail(data []byte, status int) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := jsonx.Unmarshal(data, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return http.StatusText(status)
}
