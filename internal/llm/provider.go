// Package llm provides a resilient text generation and embedding provider
// with a local-first fast channel (Ollama) and a cloud fallback channel.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stackmesh/fedrag/internal/config"
)

var (
	// ErrMalformedResponse marks a backend reply that parsed but carried no
	// usable content. Never retried.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrNoBackend is returned when neither channel could serve a call.
	ErrNoBackend = errors.New("all model backends exhausted")
)

// generator produces a completion for a prompt/system pair.
type generator interface {
	generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error)
}

// embedder produces an embedding vector for a text.
type embedder interface {
	embed(ctx context.Context, text string) ([]float32, error)
}

// Provider is an immutable snapshot of the configured model clients. A
// settings switch builds a fresh Provider; in-flight calls keep operating on
// the snapshot they captured at entry.
type Provider struct {
	settings config.LLMSettings
	cloud    generator
	embedder embedder
	ollama   *ollamaClient
	logger   *slog.Logger

	ctxOnce   sync.Once
	ctxWindow int
}

// Resilient wraps the active Provider behind an atomic pointer so a
// reconfiguration never tears a backend handle out from under a caller.
type Resilient struct {
	active atomic.Pointer[Provider]
	logger *slog.Logger
}

// NewResilient builds the provider from initial settings.
func NewResilient(ollamaURL string, settings config.LLMSettings, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resilient{logger: logger}
	r.active.Store(newProvider(ollamaURL, settings, logger))
	return r
}

// newProvider wires generation and embedding clients for the given settings.
func newProvider(ollamaURL string, settings config.LLMSettings, logger *slog.Logger) *Provider {
	oc := &ollamaClient{
		baseURL: ollamaURL,
		model:   settings.LocalModel,
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}

	p := &Provider{
		settings: settings,
		ollama:   oc,
		logger:   logger,
	}

	switch settings.Provider {
	case config.ProviderOllama:
		p.cloud = &ollamaGenerator{client: oc}
		p.embedder = &ollamaEmbedder{client: oc}
	default: // openai
		client := openai.NewClient(option.WithAPIKey(settings.APIKey))
		p.cloud = &openaiGenerator{client: &client, model: settings.CloudModel}
		p.embedder = &openaiEmbedder{client: &client}
	}

	return p
}

// Switch atomically replaces both the generation and embedding clients used
// by subsequent calls.
func (r *Resilient) Switch(ollamaURL string, settings config.LLMSettings) {
	r.logger.Info("switching model provider", "provider", settings.Provider,
		"use_local", settings.UseLocalLLM)
	r.active.Store(newProvider(ollamaURL, settings, r.logger))
}

// Settings returns the settings of the currently active provider.
func (r *Resilient) Settings() config.LLMSettings {
	return r.active.Load().settings
}

// Generate runs a completion on the local/fast channel when the toggle
// allows and the model is present, falling back to the cloud channel
// otherwise. The caller-visible contract is: a non-empty result or an error.
func (r *Resilient) Generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	return r.active.Load().generateLocal(ctx, prompt, system, jsonMode)
}

// GenerateCloud runs a completion on the cloud/capable channel regardless of
// the local toggle. Answer synthesis always goes through here.
func (r *Resilient) GenerateCloud(ctx context.Context, prompt, system string) (string, error) {
	return r.active.Load().generateCloud(ctx, prompt, system, false)
}

// Embed produces an embedding for the text via the active embedding client.
func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	return r.active.Load().embed(ctx, text)
}

func (p *Provider) generateLocal(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	if !p.settings.UseLocalLLM {
		return p.generateCloud(ctx, prompt, system, jsonMode)
	}

	if !p.ollama.modelAvailable(ctx) {
		p.logger.Warn("local model unavailable, using cloud channel",
			"model", p.settings.LocalModel)
		return p.generateCloud(ctx, prompt, system, jsonMode)
	}

	window := p.contextWindow(ctx)
	safe := prompt
	// Rough chars-per-token bound keeps the prompt under the backend's
	// rejection threshold.
	if limit := window * 3; len(safe) > limit {
		safe = truncateAtRune(safe, limit)
	}

	out, err := withRetry(ctx, func() (string, error) {
		return p.ollama.generate(ctx, safe, system, jsonMode, window)
	})
	if err != nil {
		p.logger.Warn("local generation failed, using cloud channel", "error", err)
		return p.generateCloud(ctx, prompt, system, jsonMode)
	}
	return out, nil
}

func (p *Provider) generateCloud(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	if system == "" {
		system = "You are a helpful assistant."
	}
	out, err := withRetry(ctx, func() (string, error) {
		return p.cloud.generate(ctx, prompt, system, jsonMode)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return out, nil
}

func (p *Provider) embed(ctx context.Context, text string) ([]float32, error) {
	return withRetry(ctx, func() ([]float32, error) {
		return p.embedder.embed(ctx, text)
	})
}

// contextWindow discovers the local channel's context size once and caches it.
func (p *Provider) contextWindow(ctx context.Context) int {
	p.ctxOnce.Do(func() {
		p.ctxWindow = p.ollama.contextWindow(ctx)
		p.logger.Info("local context window detected", "num_ctx", p.ctxWindow)
	})
	return p.ctxWindow
}

// withRetry runs op with bounded exponential backoff. Errors wrapped in
// backoff.Permanent (malformed responses) pass through without retry.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var result T
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		out, err := op()
		if err != nil {
			if errors.Is(err, ErrMalformedResponse) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))

	return result, err
}

// openaiGenerator runs chat completions against the configured cloud model.
type openaiGenerator struct {
	client *openai.Client
	model  string
}

func (g *openaiGenerator) generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(g.model),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// openaiEmbedder produces 1536-dim embeddings via text-embedding-3-small.
type openaiEmbedder struct {
	client *openai.Client
}

func (e *openaiEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model: openai.EmbeddingModelTextEmbedding3Small,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding data", ErrMalformedResponse)
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// truncateAtRune cuts s to at most limit bytes without splitting a
// multi-byte rune, so the backend never receives an invalid UTF-8 tail.
func truncateAtRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// toFloat32 converts the float64 vector the API returns to the float32
// representation the vector store expects.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
