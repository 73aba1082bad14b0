// Package repostest provides in-memory repo fakes for service and worker
// tests. They mirror the storage-level semantics the real repos rely on:
// atomic counter increments, conditional status updates, and the partial
// unique constraints (one active build per path, one content row per
// sub-concept).
package repostest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// World is one shared in-memory dataset with a fake for every repo.
type World struct {
	mu sync.Mutex

	paths       map[uuid.UUID]*types.LearningPath
	concepts    map[uuid.UUID]*types.Concept
	subConcepts map[uuid.UUID]*types.SubConcept
	kus         map[uuid.UUID]*types.KnowledgeUnit
	buildJobs   map[uuid.UUID]*types.BuildJob
	steps       map[uuid.UUID]*types.JobStep
	queueJobs   map[uuid.UUID]*types.QueueJob
	content     map[uuid.UUID]*types.ClassroomContent
	quiz        map[uuid.UUID]*types.QuizQuestion
}

func NewWorld() *World {
	return &World{
		paths:       map[uuid.UUID]*types.LearningPath{},
		concepts:    map[uuid.UUID]*types.Concept{},
		subConcepts: map[uuid.UUID]*types.SubConcept{},
		kus:         map[uuid.UUID]*types.KnowledgeUnit{},
		buildJobs:   map[uuid.UUID]*types.BuildJob{},
		steps:       map[uuid.UUID]*types.JobStep{},
		queueJobs:   map[uuid.UUID]*types.QueueJob{},
		content:     map[uuid.UUID]*types.ClassroomContent{},
		quiz:        map[uuid.UUID]*types.QuizQuestion{},
	}
}

func (w *World) Paths() repos.LearningPathRepo          { return &fakePathRepo{w} }
func (w *World) Concepts() repos.ConceptRepo            { return &fakeConceptRepo{w} }
func (w *World) SubConcepts() repos.SubConceptRepo      { return &fakeSubConceptRepo{w} }
func (w *World) KnowledgeUnits() repos.KnowledgeUnitRepo { return &fakeKURepo{w} }
func (w *World) BuildJobs() repos.BuildJobRepo          { return &fakeBuildJobRepo{w} }
func (w *World) JobSteps() repos.JobStepRepo            { return &fakeJobStepRepo{w} }
func (w *World) QueueJobs() repos.QueueJobRepo          { return &fakeQueueJobRepo{w} }
func (w *World) Classroom() repos.ClassroomContentRepo  { return &fakeClassroomRepo{w} }
func (w *World) Quiz() repos.QuizQuestionRepo           { return &fakeQuizRepo{w} }

// AddPath seeds a learning path and returns it.
func (w *World) AddPath(name string) *types.LearningPath {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &types.LearningPath{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	w.paths[p.ID] = p
	return p
}

// BuildJobSnapshot returns a copy of a stored build job.
func (w *World) BuildJobSnapshot(id uuid.UUID) *types.BuildJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.buildJobs[id]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// ---- learning paths ----

type fakePathRepo struct{ w *World }

func (r *fakePathRepo) Create(ctx context.Context, tx *gorm.DB, path *types.LearningPath) (*types.LearningPath, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	cp := *path
	r.w.paths[cp.ID] = &cp
	return path, nil
}

func (r *fakePathRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.LearningPath, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	p, ok := r.w.paths[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakePathRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.LearningPath, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.LearningPath
	for _, p := range r.w.paths {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// ---- concepts ----

type fakeConceptRepo struct{ w *World }

func (r *fakeConceptRepo) CreateBatch(ctx context.Context, tx *gorm.DB, concepts []*types.Concept) ([]*types.Concept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, c := range concepts {
		cp := *c
		r.w.concepts[cp.ID] = &cp
	}
	return concepts, nil
}

func (r *fakeConceptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Concept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	c, ok := r.w.concepts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *fakeConceptRepo) ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) ([]*types.Concept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.Concept
	for _, c := range r.w.concepts {
		if c.PathID == pathID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ---- sub-concepts ----

type fakeSubConceptRepo struct{ w *World }

func (r *fakeSubConceptRepo) CreateBatch(ctx context.Context, tx *gorm.DB, subConcepts []*types.SubConcept) ([]*types.SubConcept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, sc := range subConcepts {
		cp := *sc
		r.w.subConcepts[cp.ID] = &cp
	}
	return subConcepts, nil
}

func (r *fakeSubConceptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SubConcept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	sc, ok := r.w.subConcepts[id]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (r *fakeSubConceptRepo) ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID) ([]*types.SubConcept, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.SubConcept
	for _, sc := range r.w.subConcepts {
		if sc.ConceptID == conceptID {
			cp := *sc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ---- knowledge units ----

type fakeKURepo struct{ w *World }

func (r *fakeKURepo) CreateBatch(ctx context.Context, tx *gorm.DB, units []*types.KnowledgeUnit) ([]*types.KnowledgeUnit, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, ku := range units {
		cp := *ku
		r.w.kus[cp.ID] = &cp
	}
	return units, nil
}

func (r *fakeKURepo) ListBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.KnowledgeUnit
	for _, ku := range r.w.kus {
		if ku.SubConceptID == subConceptID {
			cp := *ku
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *fakeKURepo) ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID, limit int) ([]*types.KnowledgeUnit, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.KnowledgeUnit
	for _, ku := range r.w.kus {
		if ku.ConceptID == conceptID {
			cp := *ku
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- build jobs ----

type fakeBuildJobRepo struct{ w *World }

func (r *fakeBuildJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.BuildJob) (*types.BuildJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	// Partial unique index: at most one active job per path.
	for _, existing := range r.w.buildJobs {
		if existing.PathID == job.PathID &&
			(existing.Status == types.BuildJobPending || existing.Status == types.BuildJobRunning) {
			return nil, fmt.Errorf("duplicate key value violates unique constraint \"uniq_build_job_active_per_path\"")
		}
	}
	cp := *job
	cp.CreatedAt = time.Now()
	r.w.buildJobs[cp.ID] = &cp
	return job, nil
}

func (r *fakeBuildJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.buildJobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (r *fakeBuildJobRepo) GetActiveByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) (*types.BuildJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, job := range r.w.buildJobs {
		if job.PathID == pathID &&
			(job.Status == types.BuildJobPending || job.Status == types.BuildJobRunning) {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeBuildJobRepo) ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID, limit int) ([]*types.BuildJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.BuildJob
	for _, job := range r.w.buildJobs {
		if job.PathID == pathID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeBuildJobRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.BuildJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.BuildJob
	for _, job := range r.w.buildJobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeBuildJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.buildJobs[id]
	if !ok {
		return nil
	}
	applyBuildJobUpdates(job, updates)
	return nil
}

func (r *fakeBuildJobRepo) UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, statuses []types.BuildJobStatus, updates map[string]interface{}) (bool, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.buildJobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range statuses {
		if job.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	applyBuildJobUpdates(job, updates)
	return true, nil
}

func (r *fakeBuildJobRepo) Increment(ctx context.Context, tx *gorm.DB, id uuid.UUID, column string, delta int) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.buildJobs[id]
	if !ok {
		return nil
	}
	switch column {
	case "total_steps":
		job.TotalSteps += delta
	case "completed_steps":
		job.CompletedSteps += delta
	case "failed_steps":
		job.FailedSteps += delta
	default:
		return fmt.Errorf("unknown counter column %q", column)
	}
	job.UpdatedAt = time.Now()
	return nil
}

func applyBuildJobUpdates(job *types.BuildJob, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			job.Status = val.(types.BuildJobStatus)
		case "current_operation":
			job.CurrentOperation = val.(string)
		case "error_message":
			job.ErrorMessage = val.(string)
		case "queue_job_id":
			id := val.(uuid.UUID)
			job.QueueJobID = &id
		case "metadata":
			job.Metadata = toJSON(val)
		case "started_at":
			t := val.(time.Time)
			job.StartedAt = &t
		case "completed_at":
			if val == nil {
				job.CompletedAt = nil
			} else {
				t := val.(time.Time)
				job.CompletedAt = &t
			}
		case "updated_at":
			// handled below
		}
	}
	job.UpdatedAt = time.Now()
}

// ---- job steps ----

type fakeJobStepRepo struct{ w *World }

func (r *fakeJobStepRepo) Create(ctx context.Context, tx *gorm.DB, step *types.JobStep) (*types.JobStep, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	cp := *step
	cp.CreatedAt = time.Now()
	r.w.steps[cp.ID] = &cp
	return step, nil
}

func (r *fakeJobStepRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobStep, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	step, ok := r.w.steps[id]
	if !ok {
		return nil, nil
	}
	cp := *step
	return &cp, nil
}

func (r *fakeJobStepRepo) FindByEntity(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID, stepType types.JobStepType, entityID uuid.UUID) (*types.JobStep, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, step := range r.w.steps {
		if step.BuildJobID == buildJobID && step.Type == stepType && step.EntityID == entityID {
			cp := *step
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeJobStepRepo) ListByBuildJob(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID) ([]*types.JobStep, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.JobStep
	for _, step := range r.w.steps {
		if step.BuildJobID == buildJobID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *fakeJobStepRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	step, ok := r.w.steps[id]
	if !ok {
		return nil
	}
	for key, val := range updates {
		switch key {
		case "status":
			step.Status = val.(types.JobStepStatus)
		case "error_message":
			step.ErrorMessage = val.(string)
		case "result":
			step.Result = toJSON(val)
		case "started_at":
			t := val.(time.Time)
			step.StartedAt = &t
		case "completed_at":
			if val == nil {
				step.CompletedAt = nil
			} else {
				t := val.(time.Time)
				step.CompletedAt = &t
			}
		}
	}
	step.UpdatedAt = time.Now()
	return nil
}

func (r *fakeJobStepRepo) IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if step, ok := r.w.steps[id]; ok {
		step.RetryCount++
		step.UpdatedAt = time.Now()
	}
	return nil
}

// ---- queue jobs ----

type fakeQueueJobRepo struct{ w *World }

func (r *fakeQueueJobRepo) Insert(ctx context.Context, tx *gorm.DB, job *types.QueueJob) (*types.QueueJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	// Partial unique index: at most one active job per (queue, key).
	if job.Key != "" {
		for _, existing := range r.w.queueJobs {
			if existing.Queue == job.Queue && existing.Key == job.Key && existing.Active() {
				return nil, fmt.Errorf("duplicate key value violates unique constraint \"uniq_queue_job_active_key\"")
			}
		}
	}
	cp := *job
	cp.CreatedAt = time.Now()
	r.w.queueJobs[cp.ID] = &cp
	return job, nil
}

func (r *fakeQueueJobRepo) GetByID(ctx context.Context, tx *gorm.DB, queue string, id uuid.UUID) (*types.QueueJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.queueJobs[id]
	if !ok || job.Queue != queue {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (r *fakeQueueJobRepo) FindActiveByKey(ctx context.Context, tx *gorm.DB, queue, key string) (*types.QueueJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if key == "" {
		return nil, nil
	}
	for _, job := range r.w.queueJobs {
		if job.Queue == queue && job.Key == key && job.Active() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeQueueJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, queue string, staleRunning time.Duration) (*types.QueueJob, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var candidate *types.QueueJob
	for _, job := range r.w.queueJobs {
		if job.Queue != queue {
			continue
		}
		due := job.Status == types.QueueJobQueued && !job.RunAt.After(now)
		stale := job.Status == types.QueueJobRunning && job.LockedAt != nil && job.LockedAt.Before(staleCutoff)
		if !due && !stale {
			continue
		}
		if candidate == nil || job.RunAt.Before(candidate.RunAt) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.Status = types.QueueJobRunning
	candidate.Attempts++
	lockedAt := now
	candidate.LockedAt = &lockedAt
	cp := *candidate
	return &cp, nil
}

func (r *fakeQueueJobRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if job, ok := r.w.queueJobs[id]; ok {
		job.Status = types.QueueJobCompleted
		job.LockedAt = nil
	}
	return nil
}

func (r *fakeQueueJobRepo) Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, runAt time.Time, lastError string) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if job, ok := r.w.queueJobs[id]; ok {
		job.Status = types.QueueJobQueued
		job.RunAt = runAt
		job.LastError = lastError
		job.LockedAt = nil
	}
	return nil
}

func (r *fakeQueueJobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastError string) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if job, ok := r.w.queueJobs[id]; ok {
		job.Status = types.QueueJobFailed
		job.LastError = lastError
		job.LockedAt = nil
	}
	return nil
}

func (r *fakeQueueJobRepo) Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	job, ok := r.w.queueJobs[id]
	if !ok || job.Status != types.QueueJobQueued {
		return false, nil
	}
	job.Status = types.QueueJobCancelled
	return true, nil
}

// ---- classroom ----

type fakeClassroomRepo struct{ w *World }

func (r *fakeClassroomRepo) Create(ctx context.Context, tx *gorm.DB, content *types.ClassroomContent) (*types.ClassroomContent, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, existing := range r.w.content {
		if existing.SubConceptID == content.SubConceptID {
			return nil, fmt.Errorf("duplicate key value violates unique constraint on sub_concept_id")
		}
	}
	cp := *content
	cp.CreatedAt = time.Now()
	r.w.content[cp.ID] = &cp
	return content, nil
}

func (r *fakeClassroomRepo) GetBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) (*types.ClassroomContent, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, content := range r.w.content {
		if content.SubConceptID == subConceptID {
			cp := *content
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeClassroomRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	content, ok := r.w.content[id]
	if !ok {
		return nil
	}
	for key, val := range updates {
		switch key {
		case "status":
			content.Status = val.(types.ClassroomContentStatus)
		case "error_message":
			content.ErrorMessage = val.(string)
		case "title":
			content.Title = val.(string)
		case "summary":
			content.Summary = val.(string)
		case "sections":
			content.Sections = toJSON(val)
		case "source_ku_ids":
			content.SourceKUIDs = toJSON(val)
		case "estimated_read_time":
			content.EstimatedReadTime = val.(int)
		case "word_count":
			content.WordCount = val.(int)
		}
	}
	content.UpdatedAt = time.Now()
	return nil
}

// ---- quiz ----

type fakeQuizRepo struct{ w *World }

func (r *fakeQuizRepo) CreateBatch(ctx context.Context, tx *gorm.DB, questions []*types.QuizQuestion) ([]*types.QuizQuestion, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	for _, q := range questions {
		cp := *q
		r.w.quiz[cp.ID] = &cp
	}
	return questions, nil
}

func (r *fakeQuizRepo) ListByContent(ctx context.Context, tx *gorm.DB, contentID uuid.UUID) ([]*types.QuizQuestion, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*types.QuizQuestion
	for _, q := range r.w.quiz {
		if q.ContentID == contentID {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func toJSON(val any) datatypes.JSON {
	switch v := val.(type) {
	case datatypes.JSON:
		return v
	case []byte:
		return datatypes.JSON(v)
	case nil:
		return nil
	default:
		return nil
	}
}
