package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"loom/internal/ids"
	"loom/internal/jsonx"
	"loom/internal/llm"
)

type generateImageTool struct {
	hosts        map[string]string
	checkpoint   string
	pollInterval time.Duration
	timeout      time.Duration
	submitClient *http.Client
	pollClient   *http.Client
}

// NewGenerateImage returns the generate_image tool. Workflows are submitted
// to ComfyUI's queue and polled until the history endpoint reports output
// images or timeout elapses.
func NewGenerateImage(hosts map[string]string, checkpoint string, pollInterval, timeout time.Duration) Tool {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &generateImageTool{
		hosts:        hosts,
		checkpoint:   checkpoint,
		pollInterval: pollInterval,
		timeout:      timeout,
		submitClient: &http.Client{Timeout: 30 * time.Second},
		pollClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *generateImageTool) Definition() llm.ToolDefinition {
	host := map[string]any{
		"type":        "string",
		"default":     "local",
		"description": "Which ComfyUI host to use",
	}
	if len(t.hosts) > 0 {
		aliases := make([]string, 0, len(t.hosts))
		for alias := range t.hosts {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		host["enum"] = aliases
	}
	return llm.ToolDefinition{
		Name:        "generate_image",
		Description: "Generate an image using ComfyUI. Provide a text prompt and optional parameters. The image will be saved to the project workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":          map[string]any{"type": "string", "description": "Text prompt for image generation"},
				"negative_prompt": map[string]any{"type": "string", "default": "", "description": "Negative prompt (things to avoid)"},
				"width":           map[string]any{"type": "integer", "default": 1024, "description": "Image width in pixels"},
				"height":          map[string]any{"type": "integer", "default": 1024, "description": "Image height in pixels"},
				"host":            host,
			},
			"required": []string{"prompt"},
		},
	}
}

func (t *generateImageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	prompt := stringParam(params, "prompt", "")
	negative := stringParam(params, "negative_prompt", "")
	width := intParam(params, "width", 1024)
	height := intParam(params, "height", 1024)
	hostURL := resolveHost(t.hosts, stringParam(params, "host", "local"), "http://localhost:8188")

	workflow := txt2imgWorkflow(prompt, negative, t.checkpoint, width, height)
	promptID, errResult, err := t.submit(ctx, hostURL, workflow)
	if err != nil {
		return "", err
	}
	if errResult != "" {
		return errResult, nil
	}
	return t.waitForImages(ctx, hostURL, promptID)
}

// submit queues the workflow. Backend problems come back as a result string
// for the model; only context cancellation is a hard error.
func (t *generateImageTool) submit(ctx context.Context, hostURL string, workflow map[string]any) (promptID, errResult string, err error) {
	payload, merr := jsonx.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": ids.Short()[:8],
	})
	if merr != nil {
		return "", fmt.Sprintf("Error: ComfyUI request failed: %v", merr), nil
	}

	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, hostURL+"/prompt", bytes.NewReader(payload))
	if rerr != nil {
		return "", fmt.Sprintf("Error: ComfyUI request failed: %v", rerr), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, derr := t.submitClient.Do(req)
	if derr != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if isConnectError(derr) {
			return "", fmt.Sprintf("Error: ComfyUI not reachable at %s", hostURL), nil
		}
		return "", fmt.Sprintf("Error: ComfyUI request failed: %v", derr), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Sprintf("Error: ComfyUI request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if uerr := jsonx.Unmarshal(body, &queued); uerr != nil || queued.PromptID == "" {
		return "", "Error: ComfyUI did not return a prompt ID", nil
	}
	return queued.PromptID, "", nil
}

func (t *generateImageTool) waitForImages(ctx context.Context, hostURL, promptID string) (string, error) {
	deadline := time.Now().Add(t.timeout)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		filenames, done := t.pollHistory(ctx, hostURL, promptID)
		if !done {
			continue
		}
		if len(filenames) == 0 {
			return "Workflow completed but no images found in output.", nil
		}
		urls := make([]string, len(filenames))
		for i, name := range filenames {
			urls[i] = fmt.Sprintf("%s/view?filename=%s", hostURL, name)
		}
		return "Image generated successfully.\nURLs:\n" + strings.Join(urls, "\n"), nil
	}
	return fmt.Sprintf("Error: ComfyUI timed out after %.0fs", t.timeout.Seconds()), nil
}

// pollHistory reports done=true once the prompt shows up in ComfyUI history.
// Transient poll failures are swallowed; the next tick retries.
func (t *generateImageTool) pollHistory(ctx context.Context, hostURL, promptID string) (filenames []string, done bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hostURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false
	}
	resp, err := t.pollClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var history map[string]struct {
		Outputs map[string]struct {
			Images []struct {
				Filename string `json:"filename"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, false
	}
	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			if img.Filename != "" {
				filenames = append(filenames, img.Filename)
			}
		}
	}
	return filenames, true
}

// txt2imgWorkflow builds the standard SDXL text-to-image graph. Node keys
// match ComfyUI's default workflow numbering.
func txt2imgWorkflow(prompt, negative, checkpoint string, width, height int) map[string]any {
	if negative == "" {
		negative = "bad quality, blurry"
	}
	return map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         -1,
				"steps":        20,
				"cfg":          7.0,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1.0,
				"model":        []any{"4", 0},
				"positive":     []any{"6", 0},
				"negative":     []any{"7", 0},
				"latent_image": []any{"5", 0},
			},
		},
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": checkpoint},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": width, "height": height, "batch_size": 1},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": prompt, "clip": []any{"4", 1}},
		},
		"7": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": negative, "clip": []any{"4", 1}},
		},
		"8": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "loom", "images": []any{"8", 0}},
		},
	}
}
