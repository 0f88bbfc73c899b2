package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// VectorStore persists chunk embeddings and answers similarity queries
// scoped to one knowledge base. Rows are write-once; re-ingesting a document
// deletes its rows and inserts new ones.
//
// Two backends exist: SQLiteStore (brute-force cosine over BLOBs in the main
// database) and PGStore (Postgres with the pgvector extension).
type VectorStore interface {
	// InsertBatch validates every row against the knowledge base's embedding
	// dimension and persists all of them atomically.
	InsertBatch(ctx context.Context, kbID string, rows []ChunkRow) error

	// Search returns up to TopK rows with similarity >= Threshold, ordered by
	// similarity descending, then chunk_index ascending.
	Search(ctx context.Context, q SearchQuery) ([]Result, error)

	// DeleteByDocument removes every row of a document.
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)

	// Count returns the number of rows stored for a knowledge base.
	Count(ctx context.Context, kbID string) (int, error)
}

// ChunkRow is one embedded chunk ready for persistence.
type ChunkRow struct {
	ID              string
	KnowledgeBaseID string
	DocumentID      string
	Text            string
	Index           int
	StartChar       int
	EndChar         int
	Embedding       []float32
	Metadata        ChunkMetadata
	CreatedAt       time.Time
}

type ChunkMetadata struct {
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	ChunkIndex int    `json:"chunk_index"`
}

type SearchQuery struct {
	Vector          []float32
	KnowledgeBaseID string
	TopK            int
	Threshold       float64
}

// Result is one retrieved chunk.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"chunk_text"`
	ChunkIndex int     `json:"chunk_index"`
	FileName   string  `json:"file_name,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Similarities extracts the similarity scores of results in order.
func Similarities(results []Result) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Similarity
	}
	return out
}

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DimensionMismatchError reports a vector whose length disagrees with the
// knowledge base's fixed embedding dimension.
type DimensionMismatchError struct {
	KnowledgeBaseID string
	Expected        int
	Got             int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("knowledge base %s expects %d-dimensional embeddings, got %d",
		e.KnowledgeBaseID, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// DimensionRegistry fixes a knowledge base's embedding dimension on first
// use and reports the dimension in effect. storage.Store implements it.
type DimensionRegistry interface {
	FixEmbeddingDimension(ctx context.Context, kbID string, dim int) (int, error)
}

// checkDimensions ensures all rows share one dimension matching the
// knowledge base, fixing the dimension if the knowledge base has none yet.
func checkDimensions(ctx context.Context, reg DimensionRegistry, kbID string, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}
	dim := len(rows[0].Embedding)
	if dim == 0 {
		return &DimensionMismatchError{KnowledgeBaseID: kbID, Expected: 1, Got: 0}
	}
	for _, r := range rows[1:] {
		if len(r.Embedding) != dim {
			return &DimensionMismatchError{KnowledgeBaseID: kbID, Expected: dim, Got: len(r.Embedding)}
		}
	}
	if reg == nil {
		return nil
	}
	current, err := reg.FixEmbeddingDimension(ctx, kbID, dim)
	if err != nil {
		return fmt.Errorf("checking embedding dimension: %w", err)
	}
	if current != dim {
		return &DimensionMismatchError{KnowledgeBaseID: kbID, Expected: current, Got: dim}
	}
	return nil
}

// ranksBefore reports whether a sorts ahead of b in search results.
func ranksBefore(a, b Result) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	return a.DocumentID < b.DocumentID
}
