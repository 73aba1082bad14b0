package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/repos/repostest"
	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// memQueue is a synchronous queue double: Drain processes jobs one at a
// time until the queue is empty, applying the attempts cap but not the
// backoff delays.
type memQueue struct {
	mu       sync.Mutex
	pending  []*types.QueueJob
	handlers map[string]queue.Handler

	// remaining Enqueue calls per queue that fail before one succeeds
	enqueueFailures map[string]int
}

func newMemQueue() *memQueue {
	return &memQueue{handlers: map[string]queue.Handler{}, enqueueFailures: map[string]int{}}
}

func (q *memQueue) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.enqueueFailures[queueName]; n > 0 {
		q.enqueueFailures[queueName] = n - 1
		return nil, errors.New("queue unavailable")
	}
	if opts.JobKey != "" {
		for _, job := range q.pending {
			if job.Queue == queueName && job.Key == opts.JobKey {
				return job, nil
			}
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = queue.DefaultAttempts
	}
	job := &types.QueueJob{
		ID:          uuid.New(),
		Queue:       queueName,
		Name:        jobName,
		Key:         opts.JobKey,
		Payload:     datatypes.JSON(raw),
		Status:      types.QueueJobQueued,
		MaxAttempts: attempts,
	}
	q.pending = append(q.pending, job)
	return job, nil
}

func (q *memQueue) GetJob(ctx context.Context, queueName string, id uuid.UUID) (*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.pending {
		if job.Queue == queueName && job.ID == id {
			return job, nil
		}
	}
	return nil, nil
}

func (q *memQueue) Remove(ctx context.Context, queueName string, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.pending {
		if job.Queue == queueName && job.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) Subscribe(queueName string, h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = h
}

func (q *memQueue) Start(ctx context.Context) {}
func (q *memQueue) Stop()                     {}

// Drain runs jobs until none remain. Failed attempts under the cap go back
// to the end of the line.
func (q *memQueue) Drain(ctx context.Context, t *testing.T) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		h := q.handlers[job.Queue]
		q.mu.Unlock()

		require.NotNil(t, h, "no handler for queue %s", job.Queue)
		job.Attempts++
		job.Status = types.QueueJobRunning
		if err := h(ctx, job); err != nil {
			if job.Attempts < job.MaxAttempts {
				job.Status = types.QueueJobQueued
				q.mu.Lock()
				q.pending = append(q.pending, job)
				q.mu.Unlock()
			} else {
				job.Status = types.QueueJobFailed
			}
			continue
		}
		job.Status = types.QueueJobCompleted
	}
	t.Fatal("queue did not drain")
}

// scriptedGenerator persists generated entities into the fake world, like
// the real generator persists into Postgres.
type scriptedGenerator struct {
	world *repostest.World

	pathID        uuid.UUID
	conceptNames  []string
	subsByConcept map[string][]string

	// sub-concept names whose leaf generation always fails
	failingLeaves map[string]bool
	// concept names whose decomposition always fails
	failingConcepts map[string]bool
	// when true, concept generation always fails
	failConcepts bool
}

func (g *scriptedGenerator) GenerateConcepts(ctx context.Context, pathID uuid.UUID) ([]*types.Concept, error) {
	if g.failConcepts {
		return nil, errors.New("model unavailable")
	}
	existing, _ := g.world.Concepts().ListByPath(ctx, nil, pathID)
	if len(existing) > 0 {
		return existing, nil
	}
	batch := make([]*types.Concept, 0, len(g.conceptNames))
	for i, name := range g.conceptNames {
		batch = append(batch, &types.Concept{ID: uuid.New(), PathID: pathID, Name: name, Order: i})
	}
	return g.world.Concepts().CreateBatch(ctx, nil, batch)
}

func (g *scriptedGenerator) DecomposeConcept(ctx context.Context, conceptID uuid.UUID) ([]*types.SubConcept, error) {
	concept, err := g.world.Concepts().GetByID(ctx, nil, conceptID)
	if err != nil || concept == nil {
		return nil, fmt.Errorf("concept %s not found", conceptID)
	}
	if g.failingConcepts[concept.Name] {
		return nil, errors.New("model refused")
	}
	existing, _ := g.world.SubConcepts().ListByConcept(ctx, nil, conceptID)
	if len(existing) > 0 {
		return existing, nil
	}
	names := g.subsByConcept[concept.Name]
	batch := make([]*types.SubConcept, 0, len(names))
	for i, name := range names {
		batch = append(batch, &types.SubConcept{ID: uuid.New(), ConceptID: conceptID, Name: name, Order: i})
	}
	return g.world.SubConcepts().CreateBatch(ctx, nil, batch)
}

func (g *scriptedGenerator) GenerateKnowledgeUnits(ctx context.Context, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error) {
	sub, err := g.world.SubConcepts().GetByID(ctx, nil, subConceptID)
	if err != nil || sub == nil {
		return nil, fmt.Errorf("sub-concept %s not found", subConceptID)
	}
	if g.failingLeaves[sub.Name] {
		return nil, errors.New("model refused")
	}
	existing, _ := g.world.KnowledgeUnits().ListBySubConcept(ctx, nil, subConceptID)
	if len(existing) > 0 {
		return existing, nil
	}
	batch := []*types.KnowledgeUnit{{
		ID:           uuid.New(),
		SubConceptID: subConceptID,
		ConceptID:    sub.ConceptID,
		Question:     "What is " + sub.Name + "?",
		Answer:       "An explanation of " + sub.Name + ".",
	}}
	return g.world.KnowledgeUnits().CreateBatch(ctx, nil, batch)
}

type countingListener struct {
	mu     sync.Mutex
	events []types.BuildCompletedEvent
}

func (l *countingListener) BuildCompleted(ctx context.Context, event types.BuildCompletedEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

type nopSink struct{}

func (nopSink) Publish(types.ProgressEvent) {}

type recordingSink struct {
	mu     sync.Mutex
	events []types.ProgressEvent
}

func (s *recordingSink) Publish(event types.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// snapshots returns the events carrying an aggregate counter snapshot.
func (s *recordingSink) snapshots() []types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ProgressEvent
	for _, event := range s.events {
		if event.Progress != nil {
			out = append(out, event)
		}
	}
	return out
}

type pipeline struct {
	world    *repostest.World
	queue    *memQueue
	jobs     services.JobService
	gen      *scriptedGenerator
	listener *countingListener
	sink     *recordingSink
	path     *types.LearningPath
}

func newPipeline(t *testing.T, gen *scriptedGenerator) *pipeline {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	world := repostest.NewWorld()
	q := newMemQueue()
	gen.world = world

	sink := &recordingSink{}
	svc := services.NewJobService(nil, log, world.BuildJobs(), world.JobSteps(), world.Paths(), q, sink)
	listener := &countingListener{}
	svc.SetCompletionListener(listener)

	Register(q,
		NewBuildPathWorker(log, svc, gen, q),
		NewDecomposeConceptWorker(log, svc, gen, q),
		NewGenerateKUWorker(log, svc, gen),
	)

	path := world.AddPath("Number Theory")
	gen.pathID = path.ID
	return &pipeline{world: world, queue: q, jobs: svc, gen: gen, listener: listener, sink: sink, path: path}
}

func TestPipeline_AllStagesSucceed(t *testing.T) {
	gen := &scriptedGenerator{
		conceptNames: []string{"Divisibility", "Primes"},
		subsByConcept: map[string][]string{
			"Divisibility": {"GCD", "LCM", "Euclid"},
			"Primes":       {"Sieve", "Factorization"},
		},
	}
	p := newPipeline(t, gen)
	ctx := context.Background()

	job, err := p.jobs.CreateBuildJob(ctx, p.path.ID)
	require.NoError(t, err)

	p.queue.Drain(ctx, t)

	final, err := p.jobs.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobCompleted, final.Status)
	assert.Equal(t, 7, final.TotalSteps) // 2 decompose + 5 leaf
	assert.Equal(t, 7, final.CompletedSteps)
	assert.Equal(t, 0, final.FailedSteps)
	assert.Empty(t, final.ErrorMessage)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	require.Len(t, p.listener.events, 1)
	assert.Equal(t, p.path.ID, p.listener.events[0].PathID)

	// One aggregate snapshot per decompose fan-out, one per leaf, plus the
	// finalization event. Counters never regress across the sequence.
	snaps := p.sink.snapshots()
	require.Len(t, snaps, 8)
	prevCompleted := 0
	for _, event := range snaps {
		assert.GreaterOrEqual(t, event.Progress.Completed, prevCompleted)
		prevCompleted = event.Progress.Completed
	}
	last := snaps[len(snaps)-1].Progress
	assert.Equal(t, 7, last.Total)
	assert.Equal(t, 7, last.Completed)
	assert.Equal(t, 100, last.Percentage)

	units, err := p.world.KnowledgeUnits().ListBySubConcept(ctx, nil, firstSubConceptID(ctx, t, p, "GCD"))
	require.NoError(t, err)
	assert.NotEmpty(t, units)
}

func TestPipeline_LeafExhaustsRetries(t *testing.T) {
	gen := &scriptedGenerator{
		conceptNames: []string{"Divisibility", "Primes"},
		subsByConcept: map[string][]string{
			"Divisibility": {"GCD", "LCM", "Euclid"},
			"Primes":       {"Sieve", "Factorization"},
		},
		failingLeaves: map[string]bool{"Sieve": true},
	}
	p := newPipeline(t, gen)
	ctx := context.Background()

	job, err := p.jobs.CreateBuildJob(ctx, p.path.ID)
	require.NoError(t, err)

	p.queue.Drain(ctx, t)

	final, err := p.jobs.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobCompleted, final.Status)
	assert.Equal(t, 7, final.TotalSteps)
	assert.Equal(t, 6, final.CompletedSteps)
	assert.Equal(t, 1, final.FailedSteps)
	assert.Contains(t, final.ErrorMessage, "1 failed step")

	// Partial failure: no downstream trigger.
	assert.Empty(t, p.listener.events)

	// The failed step carries its retry count.
	progress, err := p.jobs.GetJobProgress(ctx, job.ID)
	require.NoError(t, err)
	var failed *types.JobStep
	for _, step := range progress.Steps {
		if step.Status == types.StepFailed {
			failed = step
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, queue.DefaultAttempts, failed.RetryCount)
	assert.Equal(t, "Sieve", failed.EntityName)
}

func TestPipeline_DecomposeExhaustsRetries(t *testing.T) {
	gen := &scriptedGenerator{
		conceptNames: []string{"Divisibility", "Primes", "Congruences"},
		subsByConcept: map[string][]string{
			"Divisibility": {"GCD", "LCM", "Euclid"},
			"Primes":       {"Sieve", "Factorization"},
			"Congruences":  {"Modular Arithmetic"},
		},
		failingConcepts: map[string]bool{"Primes": true},
	}
	p := newPipeline(t, gen)
	ctx := context.Background()

	job, err := p.jobs.CreateBuildJob(ctx, p.path.ID)
	require.NoError(t, err)

	p.queue.Drain(ctx, t)

	// The failed branch's leaf steps are never created: 3 decompose steps
	// plus the 4 leaves under the two surviving branches.
	final, err := p.jobs.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobCompleted, final.Status)
	assert.Equal(t, 7, final.TotalSteps)
	assert.Equal(t, 6, final.CompletedSteps)
	assert.Equal(t, 1, final.FailedSteps)
	assert.Contains(t, final.ErrorMessage, "1 failed step")
	assert.Empty(t, p.listener.events)

	// The subtree under the failed concept was never explored.
	concepts, err := p.world.Concepts().ListByPath(ctx, nil, p.path.ID)
	require.NoError(t, err)
	for _, c := range concepts {
		if c.Name != "Primes" {
			continue
		}
		subs, err := p.world.SubConcepts().ListByConcept(ctx, nil, c.ID)
		require.NoError(t, err)
		assert.Empty(t, subs)
	}
}

func TestPipeline_RedeliveredFanOutReusesSteps(t *testing.T) {
	gen := &scriptedGenerator{
		conceptNames: []string{"Divisibility", "Primes"},
		subsByConcept: map[string][]string{
			"Divisibility": {"GCD", "LCM", "Euclid"},
			"Primes":       {"Sieve", "Factorization"},
		},
	}
	p := newPipeline(t, gen)
	ctx := context.Background()

	// The first leaf enqueue fails after its step row is created, so the
	// decompose job errors mid fan-out and is redelivered. The replayed
	// fan-out must reuse the minted step instead of inflating total_steps.
	p.queue.enqueueFailures[types.QueueGenerateKU] = 1

	job, err := p.jobs.CreateBuildJob(ctx, p.path.ID)
	require.NoError(t, err)

	p.queue.Drain(ctx, t)

	final, err := p.jobs.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobCompleted, final.Status)
	assert.Equal(t, 7, final.TotalSteps)
	assert.Equal(t, 7, final.CompletedSteps)
	assert.Equal(t, 0, final.FailedSteps)
	assert.Empty(t, final.ErrorMessage)
	require.Len(t, p.listener.events, 1)

	// No orphaned pending rows from the aborted first fan-out.
	progress, err := p.jobs.GetJobProgress(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, progress.Steps, 7)
	for _, step := range progress.Steps {
		assert.Equal(t, types.StepCompleted, step.Status, "step %s/%s", step.Type, step.EntityName)
	}
}

func TestPipeline_RootStageFails(t *testing.T) {
	gen := &scriptedGenerator{failConcepts: true}
	p := newPipeline(t, gen)
	ctx := context.Background()

	job, err := p.jobs.CreateBuildJob(ctx, p.path.ID)
	require.NoError(t, err)

	p.queue.Drain(ctx, t)

	final, err := p.jobs.FindOne(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildJobFailed, final.Status)
	assert.Equal(t, "model unavailable", final.ErrorMessage)
	assert.Equal(t, 0, final.TotalSteps)
	assert.Empty(t, p.listener.events)
}

func firstSubConceptID(ctx context.Context, t *testing.T, p *pipeline, name string) uuid.UUID {
	t.Helper()
	concepts, err := p.world.Concepts().ListByPath(ctx, nil, p.path.ID)
	require.NoError(t, err)
	for _, c := range concepts {
		subs, err := p.world.SubConcepts().ListByConcept(ctx, nil, c.ID)
		require.NoError(t, err)
		for _, sc := range subs {
			if sc.Name == name {
				return sc.ID
			}
		}
	}
	t.Fatalf("sub-concept %q not found", name)
	return uuid.Nil
}
