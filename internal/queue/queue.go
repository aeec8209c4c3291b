// Package queue runs batch reprocessing jobs on a bounded worker pool with
// retry and exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/storage"
)

var (
	ErrUnknownJobType = errors.New("no handler registered for job type")
	ErrInvalidJob     = errors.New("invalid job request")
	ErrJobNotFound    = errors.New("job not found")
	ErrStopped        = errors.New("queue stopped")
)

// BatchJobError describes a failed handler attempt. Final is set once the
// attempt budget is spent and the job needs manual remediation.
type BatchJobError struct {
	JobID     string
	SessionID string
	Type      models.JobType
	Attempt   int
	Final     bool
	Err       error
}

func (e *BatchJobError) Error() string {
	if e.Final {
		return fmt.Sprintf("job %s (%s) failed after %d attempts: %v", e.JobID, e.Type, e.Attempt, e.Err)
	}
	return fmt.Sprintf("job %s (%s) attempt %d failed: %v", e.JobID, e.Type, e.Attempt, e.Err)
}

func (e *BatchJobError) Unwrap() error {
	return e.Err
}

// Handler executes one attempt of a job. The returned result is stored on
// the job when it completes.
type Handler interface {
	Handle(ctx context.Context, job *models.BatchJob) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.BatchJob) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.BatchJob) (json.RawMessage, error) {
	return f(ctx, job)
}

// JobStore is the part of storage.Store the queue needs.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.BatchJob) error
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error)
}

// Config holds worker pool settings.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	QueueSize   int
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		Workers:     2,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		QueueSize:   128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Request describes a job to enqueue.
type Request struct {
	SessionID string
	TeamID    string
	Type      models.JobType
	Input     models.JobInput
}

// Queue is a durable job queue. Job state lives in the store; the ready
// channel only carries ids of jobs due to run.
type Queue struct {
	cfg      Config
	store    JobStore
	dedup    Deduper
	metrics  *metrics.Metrics
	log      zerolog.Logger
	handlers map[models.JobType]Handler
	now      func() time.Time

	ready  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// enqMu covers claim and save so a concurrent Enqueue never sees a
	// claim whose job is not stored yet.
	enqMu sync.Mutex

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	stopped bool
}

// New creates a queue. A nil dedup uses an in-process cache and a nil m
// uses the default metrics.
func New(cfg Config, store JobStore, dedup Deduper, m *metrics.Metrics) *Queue {
	cfg = cfg.withDefaults()
	if dedup == nil {
		dedup = NewMemoryDeduper(time.Hour)
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		store:    store,
		dedup:    dedup,
		metrics:  m,
		log:      logging.WithComponent("batch-queue"),
		handlers: make(map[models.JobType]Handler),
		now:      time.Now,
		ready:    make(chan string, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// Register sets the handler of a job type. It must be called before Start.
func (q *Queue) Register(t models.JobType, h Handler) {
	q.handlers[t] = h
}

// Start recovers unfinished jobs from the store and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.recover(ctx); err != nil {
		return err
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.log.Info().
		Int("workers", q.cfg.Workers).
		Int("maxAttempts", q.cfg.MaxAttempts).
		Dur("backoffBase", q.cfg.BackoffBase).
		Msg("Batch queue started")
	return nil
}

func (q *Queue) recover(ctx context.Context) error {
	jobs, err := q.store.ListJobs(ctx, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status == models.JobStatusProcessing {
			job.Status = models.JobStatusPending
			job.UpdatedAt = q.now()
			if err := q.store.SaveJob(ctx, job); err != nil {
				return fmt.Errorf("reset job %s: %w", job.ID, err)
			}
		}
		if _, _, err := q.dedup.Acquire(ctx, DedupKey(job.SessionID, string(job.Type)), job.ID); err != nil {
			q.log.Warn().Err(err).Str("jobId", job.ID).Msg("Failed to restore dedup key")
		}
		var delay time.Duration
		if job.NextRunAt != nil {
			delay = job.NextRunAt.Sub(q.now())
		}
		q.schedule(job.ID, delay)
	}
	if len(jobs) > 0 {
		q.log.Info().Int("jobs", len(jobs)).Msg("Recovered unfinished jobs")
	}
	return nil
}

// Stop stops the workers. Jobs still pending stay in the store and are
// picked up by the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.log.Info().Msg("Batch queue stopped")
}

// Enqueue persists a new job and schedules it. It never blocks on the
// worker pool. While a job of the same type is in flight for the session
// the id of that job is returned instead.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrInvalidJob)
	}
	if _, ok := q.handlers[req.Type]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, req.Type)
	}
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	id := uuid.NewString()
	key := DedupKey(req.SessionID, string(req.Type))

	q.enqMu.Lock()
	defer q.enqMu.Unlock()
	owner, acquired, err := q.claim(ctx, key, id)
	if err != nil {
		return "", err
	}
	if !acquired {
		q.metrics.RecordJobEnqueued(string(req.Type), true)
		q.log.Info().
			Str("sessionId", req.SessionID).
			Str("jobId", owner).
			Str("jobType", string(req.Type)).
			Msg("Job already in flight for session")
		return owner, nil
	}

	now := q.now()
	job := &models.BatchJob{
		ID:        id,
		SessionID: req.SessionID,
		TeamID:    req.TeamID,
		Type:      req.Type,
		Status:    models.JobStatusPending,
		Input:     req.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.release(key)
		return "", fmt.Errorf("save job: %w", err)
	}

	q.metrics.RecordJobEnqueued(string(req.Type), false)
	log := logging.WithJob(id, req.SessionID, string(req.Type))
	log.Info().Msg("Job enqueued")
	q.schedule(id, 0)
	return id, nil
}

// claim acquires the dedup key. A claim left behind by a job that is
// already terminal or gone is released and retried once.
func (q *Queue) claim(ctx context.Context, key, id string) (string, bool, error) {
	for i := 0; i < 2; i++ {
		owner, acquired, err := q.dedup.Acquire(ctx, key, id)
		if err != nil {
			return "", false, fmt.Errorf("dedup: %w", err)
		}
		if acquired {
			return id, true, nil
		}
		job, err := q.store.GetJob(ctx, owner)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return "", false, fmt.Errorf("load job %s: %w", owner, err)
		case !job.IsDone():
			return owner, false, nil
		}
		if err := q.dedup.Release(ctx, key); err != nil {
			return "", false, fmt.Errorf("dedup: %w", err)
		}
	}
	return "", false, fmt.Errorf("dedup key %s contended", key)
}

// EnqueueReprocessing schedules the transcript_processing job of a session.
func (q *Queue) EnqueueReprocessing(ctx context.Context, sessionID, teamID, audioRef string) (string, error) {
	return q.Enqueue(ctx, Request{
		SessionID: sessionID,
		TeamID:    teamID,
		Type:      models.JobTypeTranscriptProcessing,
		Input:     models.JobInput{AudioRef: audioRef},
	})
}

// Status returns the externally visible state of a job.
func (q *Queue) Status(ctx context.Context, id string) (models.JobState, error) {
	job, err := q.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.JobState{}, ErrJobNotFound
	}
	if err != nil {
		return models.JobState{}, err
	}
	return models.JobState{
		ID:       job.ID,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    job.Error,
	}, nil
}

// Failed lists jobs that exhausted their attempts.
func (q *Queue) Failed(ctx context.Context) ([]*BatchJobError, error) {
	jobs, err := q.store.ListJobs(ctx, models.JobStatusFailed)
	if err != nil {
		return nil, err
	}
	out := make([]*BatchJobError, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, &BatchJobError{
			JobID:     job.ID,
			SessionID: job.SessionID,
			Type:      job.Type,
			Attempt:   job.Attempts,
			Final:     true,
			Err:       errors.New(job.Error),
		})
	}
	return out, nil
}

// schedule hands a job id to the workers after delay. A full ready channel
// defers the hand-off instead of blocking the caller.
func (q *Queue) schedule(id string, delay time.Duration) {
	if delay <= 0 {
		select {
		case q.ready <- id:
			return
		default:
			delay = q.cfg.BackoffBase
		}
	}

	q.later(id, delay, func() { q.schedule(id, 0) })
}

// later runs fn after delay unless the queue stops first.
func (q *Queue) later(key string, delay time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.timers[key] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, key)
		q.mu.Unlock()
		fn()
	})
}

// commit stores the outcome of an attempt and then runs after. A failed
// write is retried with backoff; until it lands the job is owned by the
// retry timer and nothing else schedules it. Jobs left processing by a
// stop are reset by the next Start.
func (q *Queue) commit(job *models.BatchJob, log zerolog.Logger, after func()) {
	if err := q.store.SaveJob(q.ctx, job); err != nil {
		if q.ctx.Err() != nil {
			log.Warn().Err(err).Msg("Queue stopped before job state was saved")
			return
		}
		delay := q.backoff(job.Attempts)
		log.Error().Err(err).
			Str("status", string(job.Status)).
			Dur("retryIn", delay).
			Msg("Failed to save job state, retrying")
		q.later(job.ID+"/commit", delay, func() { q.commit(job, log, after) })
		return
	}
	after()
}

func (q *Queue) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.dedup.Release(ctx, key); err != nil {
		q.log.Warn().Err(err).Str("key", key).Msg("Failed to release dedup key")
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	return q.cfg.BackoffBase * time.Duration(1<<uint(attempts))
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case id := <-q.ready:
			q.process(id)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(id string) {
	ctx := q.ctx
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.log.Error().Err(err).Str("jobId", id).Msg("Failed to load job")
		if !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
			q.schedule(id, q.cfg.BackoffBase)
		}
		return
	}
	if job.IsDone() || job.Status == models.JobStatusProcessing {
		return
	}
	log := logging.WithJob(job.ID, job.SessionID, string(job.Type))

	handler, ok := q.handlers[job.Type]
	if !ok {
		q.fail(job, &BatchJobError{
			JobID: job.ID, SessionID: job.SessionID, Type: job.Type,
			Attempt: job.Attempts, Final: true,
			Err: fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type),
		}, log)
		return
	}

	job.Attempts++
	job.Status = models.JobStatusProcessing
	job.NextRunAt = nil
	job.UpdatedAt = q.now()
	if err := q.store.SaveJob(ctx, job); err != nil {
		// The stored job is still pending; run it again later.
		delay := q.backoff(job.Attempts)
		log.Error().Err(err).Dur("retryIn", delay).Msg("Failed to mark job processing")
		q.schedule(job.ID, delay)
		return
	}

	start := time.Now()
	result, err := handler.Handle(ctx, job)
	q.metrics.RecordJobAttempt(string(job.Type), err, time.Since(start).Seconds())

	if err != nil && q.ctx.Err() != nil {
		// Interrupted by Stop; the attempt does not count.
		job.Attempts--
		job.Status = models.JobStatusPending
		job.UpdatedAt = q.now()
		if err := q.store.SaveJob(context.Background(), job); err != nil {
			log.Error().Err(err).Msg("Failed to return interrupted job to pending")
		}
		return
	}

	if err == nil {
		completed := q.now()
		job.Status = models.JobStatusCompleted
		job.Result = result
		job.Error = ""
		job.UpdatedAt = completed
		job.CompletedAt = &completed
		q.commit(job, log, func() {
			q.release(DedupKey(job.SessionID, string(job.Type)))
			q.metrics.RecordJobTerminal(string(job.Type), string(job.Status))
			log.Info().Int("attempts", job.Attempts).Msg("Job completed")
		})
		return
	}

	jobErr := &BatchJobError{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Type:      job.Type,
		Attempt:   job.Attempts,
		Final:     job.Attempts >= q.cfg.MaxAttempts,
		Err:       err,
	}
	if jobErr.Final {
		q.fail(job, jobErr, log)
		return
	}

	delay := q.backoff(job.Attempts)
	next := q.now().Add(delay)
	job.Status = models.JobStatusPending
	job.Error = jobErr.Error()
	job.NextRunAt = &next
	job.UpdatedAt = q.now()
	q.commit(job, log, func() {
		log.Warn().Err(jobErr).Dur("retryIn", delay).Msg("Job attempt failed, retrying")
		q.schedule(job.ID, delay)
	})
}

func (q *Queue) fail(job *models.BatchJob, jobErr *BatchJobError, log zerolog.Logger) {
	failed := q.now()
	job.Status = models.JobStatusFailed
	job.Error = jobErr.Error()
	job.NextRunAt = nil
	job.UpdatedAt = failed
	job.CompletedAt = &failed
	q.commit(job, log, func() {
		q.release(DedupKey(job.SessionID, string(job.Type)))
		q.metrics.RecordJobTerminal(string(job.Type), string(job.Status))
		log.Error().Err(jobErr).Int("attempts", job.Attempts).Msg("Job failed, manual remediation required")
	})
}
