package workers

import (
	"context"

	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// Worker is one queue consumer: a named queue plus its handler.
type Worker interface {
	Queue() string
	Process(ctx context.Context, job *types.QueueJob) error
}

// Register subscribes each worker's handler on its queue.
func Register(q queue.Queue, ws ...Worker) {
	for _, w := range ws {
		w := w
		q.Subscribe(w.Queue(), w.Process)
	}
}
