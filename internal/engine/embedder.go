package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrUnknownEmbeddingProvider is returned for a provider name with no backend.
var ErrUnknownEmbeddingProvider = errors.New("unknown embedding provider")

// TextEmbedder embeds text with one fixed provider and model, so that
// ingestion and queries produce vectors in the same space.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the provider and model, e.g. "ollama/nomic-embed-text".
	Model() string
}

type EmbedderConfig struct {
	// Provider is "ollama" (default) or "openai" for any OpenAI-compatible API.
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// NewTextEmbedder builds the embedder selected by cfg. local serves the
// ollama provider.
func NewTextEmbedder(cfg EmbedderConfig, local Engine) (TextEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "ollama":
		if local == nil {
			return nil, errors.New("ollama embedding provider needs a local engine")
		}
		return &localEmbedder{eng: local, model: cfg.Model}, nil
	case "openai":
		return newOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEmbeddingProvider, cfg.Provider)
	}
}

type localEmbedder struct {
	eng   Engine
	model string
}

func (l *localEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return l.eng.Embed(ctx, l.model, text)
}

func (l *localEmbedder) Model() string { return "ollama/" + l.model }

type openAIEmbedder struct {
	emb   embeddings.Embedder
	model string
}

func newOpenAIEmbedder(cfg EmbedderConfig) (*openAIEmbedder, error) {
	// Local OpenAI-compatible servers accept any token.
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai embedding client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating openai embedder: %w", err)
	}
	return &openAIEmbedder{emb: emb, model: cfg.Model}, nil
}

func (o *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := o.emb.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("embedding provider returned an empty vector")
	}
	return vec, nil
}

func (o *openAIEmbedder) Model() string { return "openai/" + o.model }
