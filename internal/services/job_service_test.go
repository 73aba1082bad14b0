package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/repos/repostest"
	"github.com/caldermay/pathforge-backend/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.ProgressEvent
}

func (s *recordingSink) Publish(event types.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(t types.ProgressEventType) []types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ProgressEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingQueue struct {
	mu       sync.Mutex
	world    *repostest.World
	enqueued []*types.QueueJob
	removed  []uuid.UUID
}

func newRecordingQueue(world *repostest.World) *recordingQueue {
	return &recordingQueue{world: world}
}

func (q *recordingQueue) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &types.QueueJob{
		ID:     uuid.New(),
		Queue:  queueName,
		Name:   jobName,
		Key:    opts.JobKey,
		Status: types.QueueJobQueued,
	}
	q.enqueued = append(q.enqueued, job)
	return job, nil
}

func (q *recordingQueue) GetJob(ctx context.Context, queueName string, id uuid.UUID) (*types.QueueJob, error) {
	return nil, nil
}

func (q *recordingQueue) Remove(ctx context.Context, queueName string, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return true, nil
}

func (q *recordingQueue) Subscribe(queueName string, h queue.Handler) {}
func (q *recordingQueue) Start(ctx context.Context)                  {}
func (q *recordingQueue) Stop()                                      {}

type countingListener struct {
	mu     sync.Mutex
	events []types.BuildCompletedEvent
}

func (l *countingListener) BuildCompleted(ctx context.Context, event types.BuildCompletedEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *countingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func newTestJobService(t *testing.T) (JobService, *repostest.World, *recordingQueue, *recordingSink) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	world := repostest.NewWorld()
	q := newRecordingQueue(world)
	sink := &recordingSink{}
	svc := NewJobService(nil, log, world.BuildJobs(), world.JobSteps(), world.Paths(), q, sink)
	return svc, world, q, sink
}

func TestCreateBuildJob_UnknownPath(t *testing.T) {
	svc, _, _, _ := newTestJobService(t)

	_, err := svc.CreateBuildJob(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateBuildJob_IdempotentWhileActive(t *testing.T) {
	svc, world, q, _ := newTestJobService(t)
	path := world.AddPath("Linear Algebra")

	first, err := svc.CreateBuildJob(context.Background(), path.ID)
	require.NoError(t, err)
	require.Equal(t, types.BuildJobPending, first.Status)
	require.NotNil(t, first.QueueJobID)

	second, err := svc.CreateBuildJob(context.Background(), path.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, q.enqueued, 1)
}

func TestCreateJobStep_BumpsTotal(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	path := world.AddPath("Graphs")
	job, err := svc.CreateBuildJob(context.Background(), path.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateJobStep(context.Background(), job.ID, types.StepDecomposeConcept, uuid.New(), "c", i)
		require.NoError(t, err)
	}

	got, err := svc.FindOne(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalSteps)
	assert.Equal(t, 0, got.CompletedSteps)
}

func TestCreateJobStep_ReplayReturnsExistingStep(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Topology")
	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)

	entity := uuid.New()
	first, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, entity, "open sets", 0)
	require.NoError(t, err)

	// A redelivered fan-out replays the same (type, entity) creation.
	second, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, entity, "open sets", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := svc.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalSteps)

	// A different entity still gets its own row.
	_, err = svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "closed sets", 1)
	require.NoError(t, err)
	got, _ = svc.FindOne(ctx, job.ID)
	assert.Equal(t, 2, got.TotalSteps)
}

func TestUpdateStepStatus_CounterArithmetic(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Calculus")
	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)

	step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "limits", 0)
	require.NoError(t, err)

	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepRunning, nil)
	require.NoError(t, err)
	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepFailed, nil)
	require.NoError(t, err)

	got, _ := svc.FindOne(ctx, job.ID)
	assert.Equal(t, 1, got.FailedSteps)
	assert.Equal(t, 0, got.CompletedSteps)

	// Queue redelivery: the step re-enters running, which reopens it.
	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepRunning, nil)
	require.NoError(t, err)
	got, _ = svc.FindOne(ctx, job.ID)
	assert.Equal(t, 0, got.FailedSteps)

	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepCompleted, nil)
	require.NoError(t, err)
	got, _ = svc.FindOne(ctx, job.ID)
	assert.Equal(t, 1, got.CompletedSteps)
	assert.Equal(t, 0, got.FailedSteps)
	assert.LessOrEqual(t, got.CompletedSteps+got.FailedSteps, got.TotalSteps)

	// Reopening a completed step takes back its completion count too, so a
	// replayed worker attempt cannot double count it.
	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepRunning, nil)
	require.NoError(t, err)
	got, _ = svc.FindOne(ctx, job.ID)
	assert.Equal(t, 0, got.CompletedSteps)

	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepCompleted, nil)
	require.NoError(t, err)
	got, _ = svc.FindOne(ctx, job.ID)
	assert.Equal(t, 1, got.CompletedSteps)
}

func TestUpdateStepStatus_ConcurrentSiblings(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Topology")
	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)

	const n = 24
	stepIDs := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "s", i)
		require.NoError(t, err)
		stepIDs[i] = step.ID
	}

	var wg sync.WaitGroup
	for i, id := range stepIDs {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, _ = svc.UpdateStepStatus(ctx, id, types.StepRunning, nil)
			if i%3 == 0 {
				_, _ = svc.UpdateStepStatus(ctx, id, types.StepFailed, nil)
			} else {
				_, _ = svc.UpdateStepStatus(ctx, id, types.StepCompleted, nil)
			}
		}(i, id)
	}
	wg.Wait()

	got, err := svc.FindOne(ctx, job.ID)
	require.NoError(t, err)
	failed := (n + 2) / 3
	assert.Equal(t, n, got.TotalSteps)
	assert.Equal(t, failed, got.FailedSteps)
	assert.Equal(t, n-failed, got.CompletedSteps)
}

func TestGetJobProgress_Percentage(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Probability")
	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)

	// No steps yet: defined as zero.
	progress, err := svc.GetJobProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Percentage)

	var steps []uuid.UUID
	for i := 0; i < 3; i++ {
		step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "s", i)
		require.NoError(t, err)
		steps = append(steps, step.ID)
	}
	_, err = svc.UpdateStepStatus(ctx, steps[0], types.StepCompleted, nil)
	require.NoError(t, err)

	progress, err = svc.GetJobProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, progress.Percentage)
	assert.Len(t, progress.Steps, 3)
}

func TestFinalizeIfComplete_NotDoneYet(t *testing.T) {
	svc, world, _, _ := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Sets")
	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, job.ID, types.BuildJobRunning, nil)
	require.NoError(t, err)

	step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "s", 0)
	require.NoError(t, err)
	_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepRunning, nil)
	require.NoError(t, err)

	won, err := svc.FinalizeIfComplete(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, _ := svc.FindOne(ctx, job.ID)
	assert.Equal(t, types.BuildJobRunning, got.Status)
}

func TestFinalizeIfComplete_ExactlyOnceUnderRace(t *testing.T) {
	svc, world, _, sink := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Rings")
	listener := &countingListener{}
	svc.SetCompletionListener(listener)

	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, job.ID, types.BuildJobRunning, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "s", i)
		require.NoError(t, err)
		_, err = svc.UpdateStepStatus(ctx, step.ID, types.StepCompleted, nil)
		require.NoError(t, err)
	}

	const racers = 8
	wins := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := svc.FinalizeIfComplete(ctx, job.ID)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, listener.count())
	assert.Len(t, sink.byType(types.ProgressJobCompleted), 1)

	got, _ := svc.FindOne(ctx, job.ID)
	assert.Equal(t, types.BuildJobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestFinalizeIfComplete_WithFailuresSkipsListener(t *testing.T) {
	svc, world, _, sink := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Fields")
	listener := &countingListener{}
	svc.SetCompletionListener(listener)

	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)
	_, err = svc.UpdateJobStatus(ctx, job.ID, types.BuildJobRunning, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		step, err := svc.CreateJobStep(ctx, job.ID, types.StepGenerateKU, uuid.New(), "s", i)
		require.NoError(t, err)
		status := types.StepCompleted
		if i == 2 {
			status = types.StepFailed
		}
		_, err = svc.UpdateStepStatus(ctx, step.ID, status, nil)
		require.NoError(t, err)
	}

	won, err := svc.FinalizeIfComplete(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 0, listener.count())

	done := sink.byType(types.ProgressJobCompleted)
	require.Len(t, done, 1)
	assert.Contains(t, done[0].Message, "1 failures")

	got, _ := svc.FindOne(ctx, job.ID)
	assert.Equal(t, types.BuildJobCompleted, got.Status)
	assert.Contains(t, got.ErrorMessage, "1 failed step")
}

func TestCancelJob(t *testing.T) {
	svc, world, q, sink := newTestJobService(t)
	ctx := context.Background()
	path := world.AddPath("Groups")

	job, err := svc.CreateBuildJob(ctx, path.ID)
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Len(t, q.removed, 1)
	assert.Len(t, sink.byType(types.ProgressJobFailed), 1)

	// Terminal jobs cannot be cancelled again.
	_, err = svc.CancelJob(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestPercentageRounding(t *testing.T) {
	assert.Equal(t, 0, Percentage(0, 0))
	assert.Equal(t, 0, Percentage(3, 0))
	assert.Equal(t, 33, Percentage(1, 3))
	assert.Equal(t, 67, Percentage(2, 3))
	assert.Equal(t, 100, Percentage(7, 7))
}
