package retrieval

import (
	"context"
	"errors"
	"fmt"
)

var ErrRetrieval = errors.New("retrieval failed")

// RetrievalError reports a failure to embed the query or search the store.
// It is fatal for a chat turn: generation is never started.
type RetrievalError struct {
	Stage string // "embed" or "search"
	Err   error
}

func (e *RetrievalError) Error() string        { return fmt.Sprintf("retrieval %s: %v", e.Stage, e.Err) }
func (e *RetrievalError) Unwrap() error        { return e.Err }
func (e *RetrievalError) Is(target error) bool { return target == ErrRetrieval }

// Retriever combines query embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the chunks of kbID that meet the
// threshold, best first. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, kbID, query string, topK int, threshold float64) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &RetrievalError{Stage: "embed", Err: err}
	}

	results, err := r.store.Search(ctx, SearchQuery{
		Vector:          vec,
		KnowledgeBaseID: kbID,
		TopK:            topK,
		Threshold:       threshold,
	})
	if err != nil {
		return nil, &RetrievalError{Stage: "search", Err: err}
	}
	return results, nil
}
