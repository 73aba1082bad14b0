package services

import (
	"context"
	"time"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// BuildCompletionListener is notified after a build finishes with zero
// failed steps. The coordinator fires it at most once per build.
type BuildCompletionListener interface {
	BuildCompleted(ctx context.Context, event types.BuildCompletedEvent)
}

type classroomEnqueueListener struct {
	log   *logger.Logger
	queue queue.Queue
}

// NewClassroomEnqueueListener bridges the build pipeline to the classroom
// pipeline: a successful build enqueues one full-path classroom generation
// job. Enqueue failures are logged and swallowed; the build result already
// stands and classroom generation can be re-triggered manually.
func NewClassroomEnqueueListener(baseLog *logger.Logger, q queue.Queue) BuildCompletionListener {
	return &classroomEnqueueListener{
		log:   baseLog.With("service", "ClassroomEnqueueListener"),
		queue: q,
	}
}

func (l *classroomEnqueueListener) BuildCompleted(ctx context.Context, event types.BuildCompletedEvent) {
	l.log.Info("Build completed, enqueueing classroom generation", "build_job_id", event.BuildJobID, "path_id", event.PathID)

	_, err := l.queue.Enqueue(ctx, types.QueueClassroomGeneration, types.JobGenerateClassroomContent,
		types.ClassroomJobData{
			Kind:     types.ClassroomJobPath,
			PathID:   event.PathID,
			PathName: event.PathName,
		},
		queue.Options{
			Attempts: 3,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Second},
			Delay:    5 * time.Second,
			JobKey:   "classroom-" + event.PathID.String(),
		})
	if err != nil {
		l.log.Error("Failed to enqueue classroom generation", "path_id", event.PathID, "error", err)
	}
}
