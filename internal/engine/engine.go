// Package engine abstracts the local inference daemon and the embedding
// providers used for ingestion and queries.
package engine

import (
	"context"

	"github.com/kalambet/kbchat/internal/ollama"
)

// PullProgress reports download progress for a model pull.
type PullProgress = ollama.PullProgress

// Engine is a local inference backend that can embed text and manage its
// models.
type Engine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	// PullModel downloads a model. onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// OllamaEngine is the Ollama daemon. The embedded client also serves chat
// generation.
type OllamaEngine struct {
	*ollama.Client
}

var _ Engine = (*OllamaEngine)(nil)

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{Client: ollama.New(baseURL)}
}
