// Package modelhub resolves configured model names to langchaingo
// clients and exposes the two call shapes the chat pipeline needs:
// token streaming and one-shot generation.
package modelhub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/logging"
	"github.com/zhiwei/internal/retry"
)

// Provider identifies an upstream model provider.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// ErrUnknownModel means the requested name matches no configured model
// family.
var ErrUnknownModel = errors.New("unknown model")

// CapabilityError means the selected model cannot accept the request as
// composed, e.g. image parts sent to a text-only model. Callers must
// reject before any state is written.
type CapabilityError struct {
	Model  string
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("model %s: %s", e.Model, e.Reason)
}

// ChatModel is the slice of llms.Model the pipeline uses. Tests provide
// scripted implementations.
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Hub caches clients per configured model entry.
type Hub struct {
	cfg *config.Config
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]llms.Model
}

// NewHub creates a hub over the configured model table.
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     logging.Component("modelhub"),
		clients: make(map[string]llms.Model),
	}
}

// ModelInfo is one entry of the configured model table.
type ModelInfo struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	Multimodal bool   `json:"multimodal"`
}

// List returns the configured models.
func (h *Hub) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(h.cfg.Models))
	for name, entry := range h.cfg.Models {
		out = append(out, ModelInfo{Name: name, Provider: entry.Provider, Multimodal: entry.Multimodal})
	}
	return out
}

// Multimodal reports whether the named model accepts non-text parts.
// Unknown models are treated as text-only.
func (h *Hub) Multimodal(name string) bool {
	entry, ok := h.cfg.ModelEntryFor(name)
	return ok && entry.Multimodal
}

// Resolve returns a client for the named model, building and caching it
// on first use. Names resolve by configured family prefix, so
// "deepseek-chat" and "deepseek-reasoner" share one [models.deepseek]
// entry.
func (h *Hub) Resolve(ctx context.Context, name string) (ChatModel, error) {
	entry, ok := h.cfg.ModelEntryFor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownModel, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.clients[name]; ok {
		return m, nil
	}

	m, err := newClient(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("create client for model %q: %w", name, err)
	}
	h.clients[name] = m
	h.log.Debug().Str("model", name).Str("provider", entry.Provider).Msg("created model client")
	return m, nil
}

func newClient(ctx context.Context, entry config.ModelEntry) (llms.Model, error) {
	switch Provider(entry.Provider) {
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithModel(entry.Model),
			openai.WithToken(entry.APIKey),
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(opts...)
	case ProviderGemini:
		return googleai.New(ctx,
			googleai.WithAPIKey(entry.APIKey),
			googleai.WithDefaultModel(entry.Model))
	case ProviderClaude:
		return anthropic.New(
			anthropic.WithToken(entry.APIKey),
			anthropic.WithModel(entry.Model))
	case ProviderOllama:
		base := entry.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		return ollama.New(
			ollama.WithServerURL(base),
			ollama.WithModel(entry.Model))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", entry.Provider)
	}
}

// StreamChat runs a streaming generation, invoking onChunk for every
// token fragment, and returns the full accumulated text.
func StreamChat(ctx context.Context, m ChatModel, messages []llms.MessageContent, onChunk func(string) error) (string, error) {
	var full []byte
	_, err := m.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			full = append(full, chunk...)
			return onChunk(string(chunk))
		}))
	if err != nil {
		return string(full), err
	}
	return string(full), nil
}

// Generate runs a one-shot generation and returns the first choice.
// Transient provider failures are retried with backoff; streaming calls
// are not, since emitted tokens cannot be taken back.
func Generate(ctx context.Context, m ChatModel, messages []llms.MessageContent, options ...llms.CallOption) (string, error) {
	var resp *llms.ContentResponse
	err := retry.Do(ctx, retry.ModelConfig(), logging.Component("modelhub"), func() error {
		var err error
		resp, err = m.GenerateContent(ctx, messages, options...)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
