package modelhub

import (
	"context"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/zhiwei/internal/config"
)

type scriptedModel struct {
	chunks []string
	err    error
}

func (m *scriptedModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	var full string
	for _, c := range m.chunks {
		full += c
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func TestStreamChatAccumulates(t *testing.T) {
	m := &scriptedModel{chunks: []string{"he", "llo", " world"}}
	var got []string
	full, err := StreamChat(context.Background(), m, nil, func(c string) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "hello world" {
		t.Fatalf("expected accumulated text, got %q", full)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
}

func TestStreamChatReturnsPartialOnError(t *testing.T) {
	m := &scriptedModel{chunks: []string{"par", "tial"}, err: errors.New("upstream closed")}
	full, err := StreamChat(context.Background(), m, nil, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if full != "partial" {
		t.Fatalf("expected the text streamed so far, got %q", full)
	}
}

func TestGenerate(t *testing.T) {
	m := &scriptedModel{chunks: []string{"a title"}}
	out, err := Generate(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "a title" {
		t.Fatalf("got %q", out)
	}
}

func TestHubCapabilities(t *testing.T) {
	cfg := &config.Config{Models: map[string]config.ModelEntry{
		"vision": {Provider: "openai", Model: "gpt-4o", Multimodal: true},
		"text":   {Provider: "ollama", Model: "llama3"},
	}}
	h := NewHub(cfg)
	if !h.Multimodal("vision") {
		t.Fatal("vision model should be multimodal")
	}
	if !h.Multimodal("vision-preview") {
		t.Fatal("family prefix should resolve concrete model names")
	}
	if h.Multimodal("text") || h.Multimodal("unknown") {
		t.Fatal("text-only and unknown models must not report multimodal")
	}
	if _, err := h.Resolve(context.Background(), "unknown"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel for unconfigured model, got %v", err)
	}
}
