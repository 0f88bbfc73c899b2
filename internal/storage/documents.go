package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// --- Knowledge bases ---

func (s *Store) CreateKnowledgeBase(ctx context.Context, kb KnowledgeBase) error {
	created := kb.CreatedAt
	if created.IsZero() {
		created = s.nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (id, name, embedding_model, embedding_dim, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.EmbeddingModel, kb.EmbeddingDim, formatTime(created))
	if err != nil {
		return fmt.Errorf("inserting knowledge base %s: %w", kb.ID, err)
	}
	return nil
}

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, embedding_model, embedding_dim, created_at
		FROM knowledge_bases WHERE id = ?`, id,
	).Scan(&kb.ID, &kb.Name, &kb.EmbeddingModel, &kb.EmbeddingDim, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if kb.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &kb, nil
}

func (s *Store) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, embedding_model, embedding_dim, created_at
		FROM knowledge_bases ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		var createdAt string
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.EmbeddingModel, &kb.EmbeddingDim, &createdAt); err != nil {
			return nil, err
		}
		if kb.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// FixEmbeddingDimension records dim as the knowledge base's embedding
// dimension if none is set yet, and returns the dimension now in effect.
// Callers compare the result with dim to detect a mismatch.
func (s *Store) FixEmbeddingDimension(ctx context.Context, kbID string, dim int) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET embedding_dim = ? WHERE id = ? AND embedding_dim = 0`, dim, kbID); err != nil {
		return 0, fmt.Errorf("fixing embedding dimension: %w", err)
	}
	var current int
	err := s.db.QueryRowContext(ctx, `SELECT embedding_dim FROM knowledge_bases WHERE id = ?`, kbID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return current, err
}

// --- Documents ---

const documentColumns = `id, knowledge_base_id, source_uri, file_name, file_type, status, chunk_count,
	character_count, error_message, processed_at, created_at, updated_at`

// CreateDocument inserts a document in the uploaded state.
func (s *Store) CreateDocument(ctx context.Context, doc Document) error {
	now := formatTime(s.nowUTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, knowledge_base_id, source_uri, file_name, file_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'uploaded', ?, ?)`,
		doc.ID, doc.KnowledgeBaseID, doc.SourceURI, doc.FileName, doc.FileType, now, now)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDocuments(ctx context.Context, kbID string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE knowledge_base_id = ? ORDER BY created_at DESC LIMIT ?`, kbID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// MarkDocumentProcessing moves a document from uploaded to processing. A
// document already in processing (a retried job) is accepted unchanged.
func (s *Store) MarkDocumentProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'processing', error_message = '', updated_at = ?
		WHERE id = ? AND status IN ('uploaded', 'processing')`,
		formatTime(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("marking document %s processing: %w", id, err)
	}
	return s.rowsAffectedOrMissing(res, "documents", id)
}

// MarkDocumentProcessed records a successful ingestion.
func (s *Store) MarkDocumentProcessed(ctx context.Context, id string, chunkCount, charCount int) error {
	now := formatTime(s.nowUTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'processed', chunk_count = ?, character_count = ?, error_message = '',
		    processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		chunkCount, charCount, now, now, id)
	if err != nil {
		return fmt.Errorf("marking document %s processed: %w", id, err)
	}
	return s.rowsAffectedOrMissing(res, "documents", id)
}

// MarkDocumentFailed records a terminal ingestion failure.
func (s *Store) MarkDocumentFailed(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'failed', error_message = ?, chunk_count = 0, updated_at = ?
		WHERE id = ? AND status IN ('uploaded', 'processing')`,
		msg, formatTime(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("marking document %s failed: %w", id, err)
	}
	return s.rowsAffectedOrMissing(res, "documents", id)
}

// ResetDocument returns a processed or failed document to uploaded so it can
// be ingested again. Its chunk rows are removed in the same transaction.
func (s *Store) ResetDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status DocumentStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != DocProcessed && status != DocFailed {
		return ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status = 'uploaded', chunk_count = 0, character_count = 0, error_message = '',
		    processed_at = NULL, updated_at = ?
		WHERE id = ?`, formatTime(s.nowUTC()), id); err != nil {
		return fmt.Errorf("resetting document %s: %w", id, err)
	}
	return tx.Commit()
}

// DeleteDocument removes a document; its chunk rows cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	var processedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&d.ID, &d.KnowledgeBaseID, &d.SourceURI, &d.FileName, &d.FileType, &d.Status, &d.ChunkCount,
		&d.CharacterCount, &d.ErrorMessage, &processedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if d.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, fmt.Errorf("parsing processed_at for document %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for document %s: %w", d.ID, err)
	}
	return &d, nil
}
