package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update is not allowed from
// the record's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type Job struct {
	ID          string
	Type        string
	Status      JobStatus
	Priority    int
	Payload     string // JSON
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	Result      string // JSON, set on completion
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

type KnowledgeBase struct {
	ID             string
	Name           string
	EmbeddingModel string
	EmbeddingDim   int // 0 until the first vectors are stored
	CreatedAt      time.Time
}

type DocumentStatus string

const (
	DocUploaded   DocumentStatus = "uploaded"
	DocProcessing DocumentStatus = "processing"
	DocProcessed  DocumentStatus = "processed"
	DocFailed     DocumentStatus = "failed"
)

type Document struct {
	ID              string
	KnowledgeBaseID string
	SourceURI       string
	FileName        string
	FileType        string
	Status          DocumentStatus
	ChunkCount      int
	CharacterCount  int
	ErrorMessage    string
	ProcessedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ChatSession struct {
	ID              string
	KnowledgeBaseID string
	Title           string
	CreatedAt       time.Time
}

type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

type ChatMessage struct {
	ID               string
	SessionID        string
	Seq              int
	Role             string // "user" or "assistant"
	Content          string
	Status           MessageStatus
	Provider         string
	Model            string
	TokensUsed       int
	TokensEstimated  bool
	ConfidenceBucket string
	ConfidenceValue  int
	Sources          string // JSON array
	ErrorMessage     string
	CreatedAt        time.Time
}
