package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore provides vector storage and brute-force cosine similarity search
// over the chunks table. This is the default implementation of VectorStore.
//
// When a knowledge base grows past ~100K chunks and query latency becomes
// noticeable, switch the backend to PGStore.
type SQLiteStore struct {
	db   *sql.DB
	dims DimensionRegistry
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The chunks table must already exist (created via migrations). dims may be
// nil, in which case only intra-batch consistency is checked.
func NewSQLiteStore(db *sql.DB, dims DimensionRegistry) *SQLiteStore {
	return &SQLiteStore{db: db, dims: dims}
}

// InsertBatch adds rows to the chunks table in a single transaction.
func (s *SQLiteStore) InsertBatch(ctx context.Context, kbID string, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkDimensions(ctx, s.dims, kbID, rows); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, knowledge_base_id, document_id, chunk_text, chunk_index, start_char, end_char,
			embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for chunk %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, kbID, r.DocumentID, r.Text, r.Index, r.StartChar, r.EndChar,
			encodeFloat32s(r.Embedding), string(meta), createdAt.UTC().Format(sqliteTimeLayout)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds only what ranking needs during the scan phase of Search.
// Chunk text is fetched only for the top-K winners.
type candidate struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Score      float64
}

func (c candidate) result() Result {
	return Result{ChunkID: c.ID, DocumentID: c.DocumentID, ChunkIndex: c.ChunkIndex, Similarity: c.Score}
}

// Search performs brute-force cosine similarity search over the knowledge
// base's chunks, returning the top-K rows at or above the threshold.
func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]Result, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	queryNorm := norm(q.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, embedding FROM chunks WHERE knowledge_base_id = ?`, q.KnowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		if len(buf) != len(q.Vector) {
			return nil, &DimensionMismatchError{KnowledgeBaseID: q.KnowledgeBaseID, Expected: len(buf), Got: len(q.Vector)}
		}

		c.Score = cosine(q.Vector, buf, queryNorm)
		if c.Score < q.Threshold {
			continue
		}
		if h.Len() < q.TopK {
			heap.Push(h, c)
		} else if ranksBefore(c.result(), (*h)[0].result()) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return []Result{}, nil
	}

	// Phase 2: fetch chunk text only for the winners.
	results := make([]Result, h.Len())
	byID := make(map[string]int, h.Len())
	args := make([]any, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		results[i] = c.result()
		byID[c.ID] = i
		args[i] = c.ID
	}

	fullRows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_text, metadata FROM chunks WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	for fullRows.Next() {
		var id, text, metaJSON string
		if err := fullRows.Scan(&id, &text, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		i := byID[id]
		results[i].Text = text
		var meta ChunkMetadata
		if json.Unmarshal([]byte(metaJSON), &meta) == nil {
			results[i].FileName = meta.FileName
		}
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// Popping a min-heap already yields ascending rank; keep the sort as the contract.
	sort.SliceStable(results, func(i, j int) bool { return ranksBefore(results[i], results[j]) })
	return results, nil
}

// DeleteByDocument removes every chunk of a document.
func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}
	return res.RowsAffected()
}

// Count returns the number of chunks in a knowledge base.
func (s *SQLiteStore) Count(ctx context.Context, kbID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE knowledge_base_id = ?`, kbID).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of a. Vectors of different length score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// candidateHeap is a min-heap by rank: the root is the weakest candidate.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return ranksBefore(h[j].result(), h[i].result()) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
