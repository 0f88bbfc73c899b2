package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var _ VectorStore = (*PGStore)(nil)

// PGStore keeps chunk vectors in Postgres using the pgvector extension.
// Documents and knowledge bases stay in SQLite, so document deletion must
// call DeleteByDocument explicitly.
type PGStore struct {
	pool *pgxpool.Pool
	dims DimensionRegistry
}

// NewPGStore connects to dsn and verifies the connection.
func NewPGStore(ctx context.Context, dsn string, dims DimensionRegistry) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PGStore{pool: pool, dims: dims}, nil
}

// Migrate creates the vector extension, table and indexes if missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS kb_chunks (
			id                TEXT PRIMARY KEY,
			knowledge_base_id TEXT NOT NULL,
			document_id       TEXT NOT NULL,
			chunk_text        TEXT NOT NULL,
			chunk_index       INTEGER NOT NULL,
			start_char        INTEGER NOT NULL,
			end_char          INTEGER NOT NULL,
			embedding         vector NOT NULL,
			metadata          JSONB NOT NULL DEFAULT '{}',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS kb_chunks_kb_idx ON kb_chunks (knowledge_base_id)`,
		`CREATE INDEX IF NOT EXISTS kb_chunks_document_idx ON kb_chunks (document_id, chunk_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating kb_chunks: %w", err)
		}
	}
	return nil
}

func (s *PGStore) InsertBatch(ctx context.Context, kbID string, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkDimensions(ctx, s.dims, kbID, rows); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for chunk %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		batch.Queue(`
			INSERT INTO kb_chunks (id, knowledge_base_id, document_id, chunk_text, chunk_index, start_char, end_char,
				embedding, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, kbID, r.DocumentID, r.Text, r.Index, r.StartChar, r.EndChar,
			pgvector.NewVector(r.Embedding), string(meta), createdAt.UTC())
	}

	br := tx.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("inserting chunk %s: %w", rows[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing insert batch: %w", err)
	}
	return tx.Commit(ctx)
}

// Search uses the cosine distance operator; similarity is 1 - distance.
func (s *PGStore) Search(ctx context.Context, q SearchQuery) ([]Result, error) {
	if q.TopK <= 0 || norm(q.Vector) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_text, chunk_index, metadata->>'file_name', similarity
		FROM (
			SELECT id, document_id, chunk_text, chunk_index, metadata, 1 - (embedding <=> $1) AS similarity
			FROM kb_chunks
			WHERE knowledge_base_id = $2
		) scored
		WHERE similarity >= $3
		ORDER BY similarity DESC, chunk_index ASC, document_id ASC
		LIMIT $4`,
		pgvector.NewVector(q.Vector), q.KnowledgeBaseID, q.Threshold, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		var r Result
		var fileName *string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Text, &r.ChunkIndex, &fileName, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if fileName != nil {
			r.FileName = *fileName
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PGStore) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kb_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Count(ctx context.Context, kbID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_chunks WHERE knowledge_base_id = $1`, kbID).Scan(&n)
	return n, err
}

func (s *PGStore) Close() {
	s.pool.Close()
}
