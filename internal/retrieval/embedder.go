package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kalambet/kbchat/internal/engine"
)

// Embedder embeds queries with the same provider and model used at
// ingestion. Results are cached in memory, since users often repeat or
// regenerate the same question.
type Embedder struct {
	provider engine.TextEmbedder
	cache    *cache.Cache
}

// NewEmbedder creates an Embedder. A ttl <= 0 disables caching.
func NewEmbedder(provider engine.TextEmbedder, ttl time.Duration) *Embedder {
	e := &Embedder{provider: provider}
	if ttl > 0 {
		e.cache = cache.New(ttl, 2*ttl)
	}
	return e
}

// Model identifies the underlying provider and model.
func (e *Embedder) Model() string {
	return e.provider.Model()
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			return v.([]float32), nil
		}
	}

	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if e.cache != nil {
		e.cache.SetDefault(key, vec)
	}
	return vec, nil
}

func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.provider.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
