package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, job_type, status, priority, payload, attempts, max_attempts, next_retry_at,
	result, error, created_at, started_at, completed_at, failed_at`

// EnqueueJob inserts a pending job. MaxAttempts defaults to 3 and
// NextRetryAt to now, making the job immediately claimable.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.nowUTC()
	nextRetry := now
	if !job.NextRetryAt.IsZero() {
		nextRetry = job.NextRetryAt
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	payload := job.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, payload, attempts, max_attempts, next_retry_at, created_at)
		VALUES (?, ?, 'pending', ?, ?, 0, ?, ?, ?)`,
		job.ID, job.Type, job.Priority, payload, maxAttempts, formatTime(nextRetry), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob atomically moves the highest-priority due job of one of the
// given types from pending to processing and increments its attempt count.
// The select and update happen in a single statement, so concurrent
// claimers, including other processes sharing the database file, never
// receive the same job. Returns nil, nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.nowUTC())
	args := make([]any, 0, len(types)+2)
	args = append(args, now, now)
	for _, t := range types {
		args = append(args, t)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', attempts = attempts + 1, started_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND next_retry_at <= ? AND job_type IN (`+placeholders(len(types))+`)
			ORDER BY priority DESC, next_retry_at ASC, created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

// CompleteJob marks a processing job completed and stores its JSON result.
func (s *Store) CompleteJob(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', result = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		result, formatTime(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return s.rowsAffectedOrMissing(res, "jobs", id)
}

// FailJob records a failed attempt of a processing job. When retry is set
// and attempts remain, the job returns to pending with next_retry_at pushed
// out by the backoff; otherwise it becomes terminally failed. The resulting
// status is returned.
func (s *Store) FailJob(ctx context.Context, id, errMsg string, retry bool) (JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var status JobStatus
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts FROM jobs WHERE id = ?`, id).
		Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status != JobProcessing {
		return status, ErrInvalidTransition
	}

	now := s.nowUTC()
	next := JobFailed
	if retry && attempts < maxAttempts {
		next = JobPending
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', error = ?, next_retry_at = ? WHERE id = ?`,
			errMsg, formatTime(now.Add(s.backoff(attempts))), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', error = ?, failed_at = ? WHERE id = ?`,
			errMsg, formatTime(now), id)
	}
	if err != nil {
		return "", fmt.Errorf("updating failed job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return next, nil
}

// CancelJob moves a pending or processing job to cancelled. A handler that
// is still running will find its completion rejected.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		formatTime(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", id, err)
	}
	return s.rowsAffectedOrMissing(res, "jobs", id)
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// NextPendingAt returns the earliest next_retry_at among pending jobs of the
// given types. ok is false when there are none.
func (s *Store) NextPendingAt(ctx context.Context, types []string) (t time.Time, ok bool, err error) {
	if len(types) == 0 {
		return time.Time{}, false, nil
	}
	args := make([]any, len(types))
	for i, jt := range types {
		args[i] = jt
	}
	var next sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(next_retry_at) FROM jobs
		WHERE status = 'pending' AND job_type IN (`+placeholders(len(types))+`)`, args...).Scan(&next)
	if err != nil || !next.Valid {
		return time.Time{}, false, err
	}
	t, err = parseTime(next.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// StaleJobError is the error recorded on a job whose worker stopped
// reporting before the lease ran out.
const StaleJobError = "worker lease expired before the job finished"

// RecoverStaleJobs handles jobs stuck in processing because their worker
// died. A job whose started_at is older than lease is returned to pending
// when attempts remain, or failed otherwise. The lost attempt stays counted.
// Jobs listed in exclude are running in the caller's process and are left
// alone. The recovered jobs are returned with their new status.
func (s *Store) RecoverStaleJobs(ctx context.Context, lease time.Duration, exclude []string) ([]Job, error) {
	now := s.nowUTC()
	args := []any{formatTime(now.Add(-lease))}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'processing' AND started_at < ?`
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning stale job transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stale jobs: %w", err)
	}
	var stale []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, *j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := formatTime(now)
	for i := range stale {
		j := &stale[i]
		if j.Attempts < j.MaxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'pending', error = ?, next_retry_at = ?
				WHERE id = ? AND status = 'processing'`,
				StaleJobError, ts, j.ID)
			j.Status, j.NextRetryAt = JobPending, now
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'failed', error = ?, failed_at = ?
				WHERE id = ? AND status = 'processing'`,
				StaleJobError, ts, j.ID)
			j.Status, j.FailedAt = JobFailed, &now
		}
		if err != nil {
			return nil, fmt.Errorf("recovering job %s: %w", j.ID, err)
		}
		j.Error = StaleJobError
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}

// CleanupExpiredJobs deletes terminal jobs older than retention, measured on
// the store clock.
func (s *Store) CleanupExpiredJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return s.CleanupJobs(ctx, s.nowUTC().Add(-retention))
}

// CleanupJobs deletes terminal jobs that reached their terminal state before
// the cutoff and returns how many were removed.
func (s *Store) CleanupJobs(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE (status IN ('completed', 'cancelled') AND completed_at < ?)
		   OR (status = 'failed' AND failed_at < ?)`,
		cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var nextRetry, createdAt string
	var startedAt, completedAt, failedAt sql.NullString
	if err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload, &j.Attempts, &j.MaxAttempts, &nextRetry,
		&j.Result, &j.Error, &createdAt, &startedAt, &completedAt, &failedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if j.NextRetryAt, err = parseTime(nextRetry); err != nil {
		return nil, fmt.Errorf("parsing next_retry_at for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at for job %s: %w", j.ID, err)
	}
	if j.FailedAt, err = parseNullTime(failedAt); err != nil {
		return nil, fmt.Errorf("parsing failed_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}
