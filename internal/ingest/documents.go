package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// Upload describes a document to add to a knowledge base.
type Upload struct {
	KnowledgeBaseID string
	SourceURI       string
	FileName        string
	FileType        string
	Priority        int
}

// Submission is the outcome of Submit or Reprocess.
type Submission struct {
	Document *storage.Document
	JobID    string
}

// Documents manages the document lifecycle around ingest jobs.
type Documents struct {
	store   *storage.Store
	queue   *queue.Queue
	vectors retrieval.VectorStore
}

func NewDocuments(store *storage.Store, q *queue.Queue, vectors retrieval.VectorStore) *Documents {
	return &Documents{store: store, queue: q, vectors: vectors}
}

// Submit records a new uploaded document and enqueues its ingest job.
func (d *Documents) Submit(ctx context.Context, up Upload) (Submission, error) {
	if strings.TrimSpace(up.SourceURI) == "" {
		return Submission{}, fmt.Errorf("%w: source uri is required", queue.ErrInvalidPayload)
	}
	if _, err := d.store.GetKnowledgeBase(ctx, up.KnowledgeBaseID); err != nil {
		return Submission{}, fmt.Errorf("knowledge base %s: %w", up.KnowledgeBaseID, err)
	}
	if up.FileName == "" {
		up.FileName = path.Base(strings.TrimRight(up.SourceURI, "/"))
	}

	doc := storage.Document{
		ID:              uuid.New().String(),
		KnowledgeBaseID: up.KnowledgeBaseID,
		SourceURI:       up.SourceURI,
		FileName:        up.FileName,
		FileType:        up.FileType,
	}
	if err := d.store.CreateDocument(ctx, doc); err != nil {
		return Submission{}, err
	}
	return d.enqueue(ctx, doc.ID, up.Priority)
}

// Reprocess resets a processed or failed document and enqueues a new job.
func (d *Documents) Reprocess(ctx context.Context, documentID string) (Submission, error) {
	if err := d.store.ResetDocument(ctx, documentID); err != nil {
		return Submission{}, fmt.Errorf("resetting document %s: %w", documentID, err)
	}
	if _, err := d.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return Submission{}, err
	}
	return d.enqueue(ctx, documentID, 0)
}

// Delete removes a document and its chunk rows.
func (d *Documents) Delete(ctx context.Context, documentID string) error {
	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == storage.DocProcessing {
		return fmt.Errorf("document %s is being processed: %w", documentID, storage.ErrInvalidTransition)
	}
	if _, err := d.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	return d.store.DeleteDocument(ctx, documentID)
}

// Abandon marks a document failed after its ingest job was cancelled.
// A document that already reached a terminal status is left alone.
func (d *Documents) Abandon(ctx context.Context, job *storage.Job, reason string) error {
	if job.Type != JobType {
		return nil
	}
	p, err := decodePayload(job.Payload)
	if err != nil {
		return err
	}
	err = d.store.MarkDocumentFailed(ctx, p.DocumentID, reason)
	if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Documents) enqueue(ctx context.Context, documentID string, priority int) (Submission, error) {
	jobID, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		JobType:  JobType,
		Payload:  Payload{DocumentID: documentID},
		Priority: priority,
	})
	if err != nil {
		// A document nobody will process is reported as failed.
		_ = d.store.MarkDocumentFailed(context.WithoutCancel(ctx), documentID, err.Error())
		return Submission{}, fmt.Errorf("enqueueing ingest of %s: %w", documentID, err)
	}
	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Document: doc, JobID: jobID}, nil
}
