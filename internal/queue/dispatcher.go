package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/storage"
)

// Handler processes one claimed job. The returned result is stored as the
// job's JSON result on success. Errors wrapped with Permanent fail the job
// without retry; any other error is retried while attempts remain.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job) (any, error)
}

type HandlerFunc func(ctx context.Context, job *storage.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *storage.Job) (any, error) {
	return f(ctx, job)
}

type DispatcherOptions struct {
	// Workers bounds how many jobs run concurrently. Defaults to 1.
	Workers int
	// PollInterval is the longest the dispatcher idles without a notification
	// or a known due time. Defaults to 2s.
	PollInterval time.Duration
	// Retention enables the periodic cleanup of terminal jobs when positive.
	Retention time.Duration
	// CleanupEvery is the cleanup period. Defaults to 1h.
	CleanupEvery time.Duration
	// Lease is how long a job may stay in processing before it is treated as
	// abandoned by a dead worker and recovered. Zero disables recovery.
	Lease time.Duration
	// RecoverEvery is the stale job sweep period. Defaults to a quarter of
	// Lease, at least 10s.
	RecoverEvery time.Duration
	// OnAbandoned is called for a recovered job that had no attempts left
	// and was failed, so owners of the job's records can finalize them.
	OnAbandoned func(ctx context.Context, job *storage.Job, reason string) error
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Dispatcher claims jobs for its registered handlers and runs them on a
// bounded goroutine pool. When no job is due it sleeps until a notification,
// the next scheduled retry, the poll interval or shutdown, whichever is first.
type Dispatcher struct {
	queue    *Queue
	handlers map[string]Handler
	types    []string
	opts     DispatcherOptions
	log      *zap.Logger
	metrics  *metrics.Metrics

	slots chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewDispatcher(q *Queue, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = time.Hour
	}
	if opts.RecoverEvery <= 0 {
		opts.RecoverEvery = max(opts.Lease/4, 10*time.Second)
	}
	return &Dispatcher{
		queue:    q,
		handlers: make(map[string]Handler),
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("dispatcher"),
		metrics:  opts.Metrics,
		slots:    make(chan struct{}, opts.Workers),
		running:  make(map[string]context.CancelFunc),
	}
}

// Register binds a handler to a job type. Call before Run.
func (d *Dispatcher) Register(jobType string, h Handler) {
	if _, ok := d.handlers[jobType]; !ok {
		d.types = append(d.types, jobType)
	}
	d.handlers[jobType] = h
}

// Run dispatches jobs until ctx is cancelled, then waits for in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.types) == 0 {
		return errors.New("dispatcher: no handlers registered")
	}

	pool, err := ants.NewPool(d.opts.Workers)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	wake, unsubscribe := d.queue.Notifier().Subscribe()
	defer unsubscribe()

	d.RecoverStale(ctx)

	var wg sync.WaitGroup
	if d.opts.Retention > 0 || d.opts.Lease > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.maintenanceLoop(ctx)
		}()
	}

	d.log.Info("dispatcher started", zap.Strings("job_types", d.types), zap.Int("workers", d.opts.Workers))

	for {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			d.drain()
			d.log.Info("dispatcher stopped")
			return nil
		}

		job, err := d.queue.Claim(ctx, d.types...)
		if err != nil || job == nil {
			<-d.slots
			if err != nil && ctx.Err() == nil {
				d.log.Error("claiming job", zap.Error(err))
			}
			d.idle(ctx, wake)
			continue
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			defer func() { <-d.slots }()
			d.execute(ctx, job)
		}); err != nil {
			wg.Done()
			<-d.slots
			d.log.Error("submitting job to pool", zap.String("job_id", job.ID), zap.Error(err))
			d.finish(context.WithoutCancel(ctx), job, nil, err)
		}
	}
}

// RunOnce recovers stale jobs, then claims and synchronously executes at
// most one job. It reports whether a job was processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	d.RecoverStale(ctx)
	job, err := d.queue.Claim(ctx, d.types...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.execute(ctx, job)
	return true, nil
}

// CancelRunning cancels the context of a job running in this process.
// It reports whether the job was found.
func (d *Dispatcher) CancelRunning(jobID string) bool {
	d.mu.Lock()
	cancel, ok := d.running[jobID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// idle waits until new work may be available.
func (d *Dispatcher) idle(ctx context.Context, wake <-chan struct{}) {
	wait := d.opts.PollInterval
	if next, ok, err := d.queue.NextDue(ctx, d.types...); err == nil && ok {
		if until := time.Until(next); until < wait {
			wait = max(until, 10*time.Millisecond)
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *storage.Job) {
	d.metrics.JobClaimed(job.Type)
	log := d.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("attempt", job.Attempts))

	h, ok := d.handlers[job.Type]
	if !ok {
		d.finish(context.WithoutCancel(ctx), job, nil, Permanent(fmt.Errorf("no handler for job type %q", job.Type)))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.running[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		d.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	log.Debug("job started")
	result, err := safeHandle(jobCtx, h, job)
	log.Debug("job returned", zap.Duration("elapsed", time.Since(start)), zap.Error(err))

	d.finish(context.WithoutCancel(ctx), job, result, err)
}

// finish records the outcome of an attempt. It uses a context detached from
// shutdown so bookkeeping still happens after Run's context is cancelled.
func (d *Dispatcher) finish(ctx context.Context, job *storage.Job, result any, err error) {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	if err == nil {
		if cerr := d.queue.Complete(ctx, job.ID, result); cerr != nil {
			if errors.Is(cerr, storage.ErrInvalidTransition) {
				log.Info("job finished after it was cancelled; result discarded")
				d.metrics.JobFinished(job.Type, "cancelled")
				return
			}
			log.Error("completing job", zap.Error(cerr))
			return
		}
		d.metrics.JobFinished(job.Type, "completed")
		return
	}

	retry := !IsPermanent(err)
	status, ferr := d.queue.Fail(ctx, job.ID, err, retry)
	switch {
	case errors.Is(ferr, ErrRetryExhausted):
		log.Warn("job failed, retries exhausted", zap.Int("attempts", job.Attempts), zap.Error(err))
		d.metrics.JobFinished(job.Type, "failed")
	case errors.Is(ferr, storage.ErrInvalidTransition):
		log.Info("job failed after it was cancelled", zap.Error(err))
		d.metrics.JobFinished(job.Type, "cancelled")
	case ferr != nil:
		log.Error("recording job failure", zap.Error(ferr), zap.NamedError("cause", err))
	case status == storage.JobPending:
		log.Warn("job failed, will retry", zap.Int("attempt", job.Attempts), zap.Error(err))
		d.metrics.JobFinished(job.Type, "retry")
	default:
		log.Warn("job failed permanently", zap.Error(err))
		d.metrics.JobFinished(job.Type, "failed")
	}
}

// RecoverStale requeues or fails jobs whose lease ran out, skipping jobs
// running in this dispatcher. It is a no-op without a lease and returns the
// number of jobs recovered.
func (d *Dispatcher) RecoverStale(ctx context.Context) int {
	if d.opts.Lease <= 0 {
		return 0
	}
	d.mu.Lock()
	running := make([]string, 0, len(d.running))
	for id := range d.running {
		running = append(running, id)
	}
	d.mu.Unlock()

	jobs, err := d.queue.RecoverStale(ctx, d.opts.Lease, running)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("recovering stale jobs", zap.Error(err))
		}
		return 0
	}
	for i := range jobs {
		job := &jobs[i]
		log := d.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("attempts", job.Attempts))
		if job.Status == storage.JobPending {
			log.Warn("requeued job abandoned by its worker")
			d.metrics.JobFinished(job.Type, "retry")
			continue
		}
		log.Warn("job abandoned by its worker, retries exhausted")
		d.metrics.JobFinished(job.Type, "failed")
		if d.opts.OnAbandoned != nil {
			if err := d.opts.OnAbandoned(context.WithoutCancel(ctx), job, storage.StaleJobError); err != nil {
				log.Error("finalizing abandoned job", zap.Error(err))
			}
		}
	}
	return len(jobs)
}

func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	var cleanup, sweep <-chan time.Time
	if d.opts.Retention > 0 {
		t := time.NewTicker(d.opts.CleanupEvery)
		defer t.Stop()
		cleanup = t.C
	}
	if d.opts.Lease > 0 {
		t := time.NewTicker(d.opts.RecoverEvery)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep:
			d.RecoverStale(ctx)
		case <-cleanup:
			n, err := d.queue.Cleanup(ctx, d.opts.Retention)
			if err != nil {
				d.log.Error("job cleanup", zap.Error(err))
				continue
			}
			if n > 0 {
				d.log.Info("removed expired jobs", zap.Int64("count", n))
			}
		}
	}
}

// drain blocks until every worker slot is free.
func (d *Dispatcher) drain() {
	for range cap(d.slots) {
		d.slots <- struct{}{}
	}
	for range cap(d.slots) {
		<-d.slots
	}
}

func safeHandle(ctx context.Context, h Handler, job *storage.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h.Handle(ctx, job)
}
