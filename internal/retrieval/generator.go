package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kbchat/internal/chunk"
	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/logging"
)

var ErrEmbeddingProvider = errors.New("embedding provider error")

// EmbeddingProviderError records the failure of one chunk's embedding call.
type EmbeddingProviderError struct {
	ChunkIndex int
	Err        error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("embedding chunk %d: %v", e.ChunkIndex, e.Err)
}
func (e *EmbeddingProviderError) Unwrap() error        { return e.Err }
func (e *EmbeddingProviderError) Is(target error) bool { return target == ErrEmbeddingProvider }

// BatchResult is the outcome of embedding one document's chunks. Rows are
// ordered by chunk index. Dropped counts chunks whose embedding failed;
// FirstError is the earliest such failure by chunk index.
type BatchResult struct {
	Rows       []ChunkRow
	Dropped    int
	FirstError error
}

// Generator embeds document chunks for persistence.
type Generator struct {
	provider    engine.TextEmbedder
	concurrency int
	log         *zap.Logger
}

// NewGenerator creates a Generator. concurrency <= 1 embeds chunks one at a
// time.
func NewGenerator(provider engine.TextEmbedder, concurrency int, log *zap.Logger) *Generator {
	return &Generator{provider: provider, concurrency: max(concurrency, 1), log: logging.OrNop(log).Named("embedding")}
}

// EmbedBatch embeds every chunk independently. A chunk that fails is
// recorded and dropped; it never aborts the batch. Context cancellation
// stops the batch and is returned as an error.
func (g *Generator) EmbedBatch(ctx context.Context, chunks []chunk.Chunk, kbID, docID string, meta ChunkMetadata) (BatchResult, error) {
	vecs := make([][]float32, len(chunks))
	errs := make([]error, len(chunks))

	embed := func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		vec, err := g.provider.Embed(ctx, chunks[i].Text)
		if err == nil && len(vec) == 0 {
			err = errors.New("empty embedding")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs[i] = &EmbeddingProviderError{ChunkIndex: chunks[i].Index, Err: err}
			return nil
		}
		vecs[i] = vec
		return nil
	}

	if g.concurrency == 1 {
		for i := range chunks {
			if err := embed(ctx, i); err != nil {
				return BatchResult{}, err
			}
		}
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(g.concurrency)
		for i := range chunks {
			eg.Go(func() error { return embed(egCtx, i) })
		}
		if err := eg.Wait(); err != nil {
			return BatchResult{}, err
		}
	}

	now := time.Now().UTC()
	res := BatchResult{Rows: make([]ChunkRow, 0, len(chunks))}
	for i, c := range chunks {
		if errs[i] != nil {
			res.Dropped++
			if res.FirstError == nil {
				res.FirstError = errs[i]
			}
			g.log.Warn("dropping chunk", zap.String("document_id", docID), zap.Int("chunk_index", c.Index), zap.Error(errs[i]))
			continue
		}
		m := meta
		m.ChunkIndex = c.Index
		res.Rows = append(res.Rows, ChunkRow{
			ID:              uuid.New().String(),
			KnowledgeBaseID: kbID,
			DocumentID:      docID,
			Text:            c.Text,
			Index:           c.Index,
			StartChar:       c.StartChar,
			EndChar:         c.EndChar,
			Embedding:       vecs[i],
			Metadata:        m,
			CreatedAt:       now,
		})
	}
	return res, nil
}
