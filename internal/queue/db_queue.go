package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// DBQueue is the Postgres-backed Queue. One poll loop per subscribed queue
// claims due rows (SKIP LOCKED in the repo) under a shared concurrency
// limit. Jobs survive process restarts: a row left in running by a crashed
// consumer is reclaimed once its locked_at passes the stale cutoff.
type DBQueue struct {
	repo         repos.QueueJobRepo
	log          *logger.Logger
	sem          *semaphore.Weighted
	pollEvery    time.Duration
	staleRunning time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDBQueue(repo repos.QueueJobRepo, baseLog *logger.Logger, concurrency int) *DBQueue {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &DBQueue{
		repo:         repo,
		log:          baseLog.With("component", "DBQueue"),
		sem:          semaphore.NewWeighted(int64(concurrency)),
		pollEvery:    1 * time.Second,
		staleRunning: DefaultStaleRunning,
		handlers:     map[string]Handler{},
	}
}

func (q *DBQueue) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts Options) (*types.QueueJob, error) {
	if opts.JobKey != "" {
		existing, err := q.repo.FindActiveByKey(ctx, nil, queueName, opts.JobKey)
		if err != nil {
			return nil, fmt.Errorf("find active by key: %w", err)
		}
		if existing != nil {
			q.log.Debug("Enqueue deduplicated by job key", "queue", queueName, "key", opts.JobKey, "job_id", existing.ID)
			return existing, nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoffType := opts.Backoff.Type
	if backoffType == "" {
		backoffType = BackoffExponential
	}
	backoffDelay := opts.Backoff.Delay
	if backoffDelay <= 0 {
		backoffDelay = DefaultBackoffDelay
	}

	job := &types.QueueJob{
		ID:           uuid.New(),
		Queue:        queueName,
		Name:         jobName,
		Key:          opts.JobKey,
		Payload:      datatypes.JSON(raw),
		Status:       types.QueueJobQueued,
		MaxAttempts:  attempts,
		BackoffType:  backoffType,
		BackoffDelay: backoffDelay.Milliseconds(),
		RunAt:        time.Now().Add(opts.Delay),
	}
	if _, err := q.repo.Insert(ctx, nil, job); err != nil {
		// The partial unique index on (queue, key) closes the
		// query-then-insert race: the loser returns the winner's job.
		if opts.JobKey != "" {
			if raced, rErr := q.repo.FindActiveByKey(ctx, nil, queueName, opts.JobKey); rErr == nil && raced != nil {
				q.log.Debug("Lost enqueue race, returning active job", "queue", queueName, "key", opts.JobKey, "job_id", raced.ID)
				return raced, nil
			}
		}
		return nil, fmt.Errorf("insert queue job: %w", err)
	}
	q.log.Debug("Enqueued job", "queue", queueName, "name", jobName, "job_id", job.ID, "run_at", job.RunAt)
	return job, nil
}

func (q *DBQueue) GetJob(ctx context.Context, queueName string, id uuid.UUID) (*types.QueueJob, error) {
	return q.repo.GetByID(ctx, nil, queueName, id)
}

func (q *DBQueue) Remove(ctx context.Context, queueName string, id uuid.UUID) (bool, error) {
	job, err := q.repo.GetByID(ctx, nil, queueName, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return q.repo.Cancel(ctx, nil, job.ID)
}

func (q *DBQueue) Subscribe(queueName string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = h
}

func (q *DBQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for queueName, h := range q.handlers {
		q.wg.Add(1)
		go q.consume(ctx, queueName, h)
	}
}

func (q *DBQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *DBQueue) consume(ctx context.Context, queueName string, h Handler) {
	defer q.wg.Done()
	log := q.log.With("queue", queueName)
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if !q.sem.TryAcquire(1) {
					break
				}
				job, err := q.repo.ClaimNextRunnable(ctx, nil, queueName, q.staleRunning)
				if err != nil {
					q.sem.Release(1)
					log.Warn("ClaimNextRunnable failed", "error", err)
					break
				}
				if job == nil {
					q.sem.Release(1)
					break
				}
				q.wg.Add(1)
				go func(job *types.QueueJob) {
					defer q.wg.Done()
					defer q.sem.Release(1)
					q.runOne(ctx, log, h, job)
				}(job)
			}
		}
	}
}

func (q *DBQueue) runOne(ctx context.Context, log *logger.Logger, h Handler, job *types.QueueJob) {
	err := q.dispatch(ctx, h, job)
	if err == nil {
		if mErr := q.repo.MarkCompleted(ctx, nil, job.ID); mErr != nil {
			log.Warn("Failed to mark job completed", "job_id", job.ID, "error", mErr)
		}
		return
	}

	log.Warn("Job attempt failed", "job_id", job.ID, "name", job.Name, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
	if job.Attempts < job.MaxAttempts {
		delay := NextBackoff(job.BackoffType, time.Duration(job.BackoffDelay)*time.Millisecond, job.Attempts)
		if rErr := q.repo.Reschedule(ctx, nil, job.ID, time.Now().Add(delay), err.Error()); rErr != nil {
			log.Warn("Failed to reschedule job", "job_id", job.ID, "error", rErr)
		}
		return
	}
	if fErr := q.repo.MarkFailed(ctx, nil, job.ID, err.Error()); fErr != nil {
		log.Warn("Failed to mark job failed", "job_id", job.ID, "error", fErr)
	}
}

// dispatch runs the handler, converting a panic into an error so a bad job
// cannot take the consumer down.
func (q *DBQueue) dispatch(ctx context.Context, h Handler, job *types.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}
