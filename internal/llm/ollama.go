package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultContextWindow is assumed when the capability probe cannot determine
// the model's configured context size.
const DefaultContextWindow = 4096

// numCtxPattern extracts the context size from a Modelfile parameter dump
// when the structured details are missing (older Ollama versions).
var numCtxPattern = regexp.MustCompile(`num_ctx\s+(\d+)`)

// ollamaClient talks to a local Ollama instance over its HTTP API.
type ollamaClient struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// modelAvailable probes /api/tags to confirm the configured model is pulled.
// The probe has its own short timeout so an unreachable daemon fails fast.
func (c *ollamaClient) modelAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ollama availability probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}

	for _, m := range body.Models {
		if strings.Contains(m.Name, c.model) {
			return true
		}
	}
	c.logger.Warn("local model not found in ollama library", "model", c.model)
	return false
}

// contextWindow probes /api/show for the model's context size, trying the
// structured details first, then the Modelfile parameters.
func (c *ollamaClient) contextWindow(ctx context.Context) int {
	payload, _ := json.Marshal(map[string]string{"name": c.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return DefaultContextWindow
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ollama context probe failed", "error", err)
		return DefaultContextWindow
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DefaultContextWindow
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DefaultContextWindow
	}
	return parseContextWindow(raw)
}

// parseContextWindow extracts a context size from an /api/show response.
func parseContextWindow(raw []byte) int {
	var body struct {
		Details struct {
			ContextLength int `json:"context_length"`
		} `json:"details"`
		Parameters string `json:"parameters"`
		Modelfile  string `json:"modelfile"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return DefaultContextWindow
	}

	if body.Details.ContextLength > 0 {
		return body.Details.ContextLength
	}
	for _, text := range []string{body.Parameters, body.Modelfile} {
		if m := numCtxPattern.FindStringSubmatch(text); m != nil {
			var n int
			if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return DefaultContextWindow
}

// generate runs a non-streaming completion against /api/generate.
func (c *ollamaClient) generate(ctx context.Context, prompt, system string, jsonMode bool, numCtx int) (string, error) {
	body := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"system": system,
		"stream": false,
		"options": map[string]any{
			"num_ctx":     numCtx,
			"temperature": 0.1,
		},
	}
	if jsonMode {
		body["format"] = "json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.Response, nil
}

// embeddings runs /api/embeddings for the configured model.
func (c *ollamaClient) embeddings(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{
		"model":  c.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embeddings: status %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrMalformedResponse)
	}
	return toFloat32(out.Embedding), nil
}

// ollamaGenerator adapts ollamaClient to the generator interface for
// deployments where Ollama is also the capable channel.
type ollamaGenerator struct {
	client *ollamaClient
}

func (g *ollamaGenerator) generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	return g.client.generate(ctx, prompt, system, jsonMode, DefaultContextWindow)
}

type ollamaEmbedder struct {
	client *ollamaClient
}

func (e *ollamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.embeddings(ctx, text)
}
