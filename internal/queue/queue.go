// Package queue is the durable job queue that drives background work. Jobs
// live in SQLite (see storage); this package adds payload validation, retry
// classification, wake-up notification and the worker dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/storage"
)

var (
	// ErrInvalidPayload is returned by Enqueue when the request or its payload
	// fails validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrRetryExhausted is returned by Fail when a retryable failure found no
	// attempts left and the job became terminally failed.
	ErrRetryExhausted = errors.New("job retries exhausted")
)

// EnqueueRequest describes a job to add. Payload is marshalled to JSON; when it
// is a struct (or pointer to one) its `validate` tags are checked first.
type EnqueueRequest struct {
	JobType     string `validate:"required,max=64"`
	Payload     any
	Priority    int `validate:"gte=-1000,lte=1000"`
	MaxAttempts int `validate:"gte=0,lte=25"`
}

type Queue struct {
	store       *storage.Store
	validate    *validator.Validate
	notifier    Notifier
	maxAttempts int
	log         *zap.Logger
}

type Options struct {
	// Notifier is signalled after every successful enqueue. Defaults to an
	// in-process LocalNotifier.
	Notifier Notifier
	// MaxAttempts applies when a request leaves MaxAttempts zero. Defaults to 3.
	MaxAttempts int
	Logger      *zap.Logger
}

func New(store *storage.Store, opts Options) *Queue {
	if opts.Notifier == nil {
		opts.Notifier = NewLocalNotifier()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Queue{
		store:       store,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		notifier:    opts.Notifier,
		maxAttempts: opts.MaxAttempts,
		log:         logging.OrNop(opts.Logger).Named("queue"),
	}
}

// Notifier returns the notifier the queue signals on enqueue.
func (q *Queue) Notifier() Notifier {
	return q.notifier
}

// Enqueue validates and stores a new pending job, returning its ID. Only
// validation problems are reported as ErrInvalidPayload.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := q.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if isStruct(req.Payload) {
		if err := q.validate.Struct(req.Payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	payload := []byte("{}")
	if req.Payload != nil {
		var err error
		if payload, err = json.Marshal(req.Payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        req.JobType,
		Priority:    req.Priority,
		Payload:     string(payload),
		MaxAttempts: maxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}

	q.log.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("priority", job.Priority))
	q.notifier.Notify(job.Type)
	return job.ID, nil
}

// Claim returns the next due job of one of the given types, or nil if none.
func (q *Queue) Claim(ctx context.Context, types ...string) (*storage.Job, error) {
	return q.store.ClaimNextJob(ctx, types)
}

// Complete marks a processing job completed with result marshalled to JSON.
func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	data := []byte("{}")
	if result != nil {
		var err error
		if data, err = json.Marshal(result); err != nil {
			return fmt.Errorf("marshalling result of job %s: %w", id, err)
		}
	}
	return q.store.CompleteJob(ctx, id, string(data))
}

// Fail records a failed attempt. With shouldRetry and attempts remaining the
// job is rescheduled with backoff; otherwise it becomes terminally failed.
// A retryable failure that exhausted its attempts returns ErrRetryExhausted
// along with the failed status.
func (q *Queue) Fail(ctx context.Context, id string, cause error, shouldRetry bool) (storage.JobStatus, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	status, err := q.store.FailJob(ctx, id, msg, shouldRetry)
	if err != nil {
		return status, err
	}
	if status == storage.JobPending {
		// A retry becomes due later; wake idle dispatchers so they can re-plan their wait.
		q.notifier.Notify("")
	}
	if shouldRetry && status == storage.JobFailed {
		return status, fmt.Errorf("job %s: %w", id, ErrRetryExhausted)
	}
	return status, nil
}

func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.store.CancelJob(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (*storage.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Cleanup deletes terminal jobs older than retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return q.store.CleanupExpiredJobs(ctx, retention)
}

// RecoverStale returns jobs whose worker held them past lease to pending, or
// fails them when no attempts remain. Jobs in running belong to live
// handlers of the caller and are skipped.
func (q *Queue) RecoverStale(ctx context.Context, lease time.Duration, running []string) ([]storage.Job, error) {
	jobs, err := q.store.RecoverStaleJobs(ctx, lease, running)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Status == storage.JobPending {
			q.notifier.Notify(j.Type)
			break
		}
	}
	return jobs, nil
}

// NextDue reports when the earliest pending job of the given types becomes claimable.
func (q *Queue) NextDue(ctx context.Context, types ...string) (time.Time, bool, error) {
	return q.store.NextPendingAt(ctx, types)
}

// WillRetry reports whether a failure of job with err would be retried.
// Handlers use it to decide whether a failure is final for their own records.
func WillRetry(job *storage.Job, err error) bool {
	return !IsPermanent(err) && job.Attempts < job.MaxAttempts
}

func isStruct(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
