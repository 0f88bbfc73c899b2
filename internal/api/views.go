package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/kbchat/internal/storage"
)

type knowledgeBaseView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EmbeddingModel string    `json:"embedding_model"`
	EmbeddingDim   int       `json:"embedding_dim"`
	CreatedAt      time.Time `json:"created_at"`
}

func kbView(kb *storage.KnowledgeBase) knowledgeBaseView {
	return knowledgeBaseView{
		ID:             kb.ID,
		Name:           kb.Name,
		EmbeddingModel: kb.EmbeddingModel,
		EmbeddingDim:   kb.EmbeddingDim,
		CreatedAt:      kb.CreatedAt,
	}
}

// documentView is the document status contract.
type documentView struct {
	ID              string     `json:"id"`
	KnowledgeBaseID string     `json:"knowledge_base_id"`
	SourceURI       string     `json:"source_uri"`
	FileName        string     `json:"file_name"`
	FileType        string     `json:"file_type"`
	Status          string     `json:"status"`
	ChunkCount      int        `json:"chunk_count"`
	CharacterCount  int        `json:"character_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func docView(d *storage.Document) documentView {
	return documentView{
		ID:              d.ID,
		KnowledgeBaseID: d.KnowledgeBaseID,
		SourceURI:       d.SourceURI,
		FileName:        d.FileName,
		FileType:        d.FileType,
		Status:          string(d.Status),
		ChunkCount:      d.ChunkCount,
		CharacterCount:  d.CharacterCount,
		ErrorMessage:    d.ErrorMessage,
		ProcessedAt:     d.ProcessedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"job_type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

func jobViewOf(j *storage.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
	}
	if json.Valid([]byte(j.Payload)) {
		v.Payload = json.RawMessage(j.Payload)
	}
	if json.Valid([]byte(j.Result)) {
		v.Result = json.RawMessage(j.Result)
	}
	return v
}

type sessionView struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Title           string    `json:"title,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func sessionViewOf(s *storage.ChatSession) sessionView {
	return sessionView{ID: s.ID, KnowledgeBaseID: s.KnowledgeBaseID, Title: s.Title, CreatedAt: s.CreatedAt}
}

type messageView struct {
	ID              string          `json:"id"`
	Seq             int             `json:"seq"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	Status          string          `json:"status"`
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	TokensUsed      int             `json:"tokens_used"`
	TokensEstimated bool            `json:"tokens_estimated"`
	Confidence      *confidenceView `json:"confidence,omitempty"`
	Sources         json.RawMessage `json:"sources,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type confidenceView struct {
	Bucket string `json:"bucket"`
	Value  int    `json:"value"`
}

func messageViewOf(m *storage.ChatMessage) messageView {
	v := messageView{
		ID:              m.ID,
		Seq:             m.Seq,
		Role:            m.Role,
		Content:         m.Content,
		Status:          string(m.Status),
		Provider:        m.Provider,
		Model:           m.Model,
		TokensUsed:      m.TokensUsed,
		TokensEstimated: m.TokensEstimated,
		ErrorMessage:    m.ErrorMessage,
		CreatedAt:       m.CreatedAt,
	}
	if m.ConfidenceBucket != "" {
		v.Confidence = &confidenceView{Bucket: m.ConfidenceBucket, Value: m.ConfidenceValue}
	}
	if m.Sources != "" && json.Valid([]byte(m.Sources)) {
		v.Sources = json.RawMessage(m.Sources)
	}
	return v
}
