package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caldermay/pathforge-backend/internal/types"
)

// Retry defaults applied when Options leave them unset.
const (
	DefaultAttempts     = 3
	DefaultBackoffDelay = 5 * time.Second
)

// DefaultStaleRunning is how long a claimed job may sit in running without
// finishing before it is treated as orphaned by a dead consumer and
// redelivered.
const DefaultStaleRunning = 5 * time.Minute

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

type Backoff struct {
	Type  string
	Delay time.Duration
}

type Options struct {
	// Attempts is the total attempt cap including the first run.
	Attempts int
	Backoff  Backoff
	// Delay postpones the first run.
	Delay time.Duration
	// JobKey deduplicates: enqueueing while an active job with the same key
	// exists in the same queue returns the existing job.
	JobKey string
}

// Handler processes one claimed job. A non-nil error engages the queue's
// retry policy; after the attempt cap the job is marked failed.
type Handler func(ctx context.Context, job *types.QueueJob) error

// Queue is the durable, at-least-once work queue the pipeline runs on.
type Queue interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts Options) (*types.QueueJob, error)
	GetJob(ctx context.Context, queueName string, id uuid.UUID) (*types.QueueJob, error)
	// Remove cancels a still-queued job; best effort, reports whether the job
	// was actually removed.
	Remove(ctx context.Context, queueName string, id uuid.UUID) (bool, error)
	Subscribe(queueName string, h Handler)
	Start(ctx context.Context)
	Stop()
}

// NextBackoff computes the delay before re-running a job that has already
// made `attempts` attempts.
func NextBackoff(backoffType string, base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffDelay
	}
	if backoffType == BackoffFixed {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
