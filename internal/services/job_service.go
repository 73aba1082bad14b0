package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// JobProgress is the read-only snapshot served to clients and used by the
// leaf-stage join check. Steps are always fetched fresh; the join must never
// trust locally cached counters.
type JobProgress struct {
	Job        *types.BuildJob  `json:"job"`
	Steps      []*types.JobStep `json:"steps"`
	Percentage int              `json:"percentage"`
}

// JobService is the orchestration brain of the build pipeline. It owns every
// write to the build_job/job_step ledger; stage workers never touch the
// ledger directly. All counter arithmetic is atomic at the storage layer and
// terminal transitions are compare-and-swap guarded, so concurrent sibling
// completions and racing finalizers stay consistent.
type JobService interface {
	CreateBuildJob(ctx context.Context, pathID uuid.UUID) (*types.BuildJob, error)
	FindAll(ctx context.Context) ([]*types.BuildJob, error)
	FindOne(ctx context.Context, id uuid.UUID) (*types.BuildJob, error)
	FindByPath(ctx context.Context, pathID uuid.UUID) ([]*types.BuildJob, error)
	GetActiveJob(ctx context.Context, pathID uuid.UUID) (*types.BuildJob, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*types.BuildJob, error)

	UpdateJobStatus(ctx context.Context, id uuid.UUID, status types.BuildJobStatus, updates map[string]interface{}) (*types.BuildJob, error)
	CreateJobStep(ctx context.Context, buildJobID uuid.UUID, stepType types.JobStepType, entityID uuid.UUID, entityName string, order int) (*types.JobStep, error)
	UpdateStepStatus(ctx context.Context, stepID uuid.UUID, status types.JobStepStatus, updates map[string]interface{}) (*types.JobStep, error)
	IncrementStepRetry(ctx context.Context, stepID uuid.UUID) (*types.JobStep, error)

	GetJobProgress(ctx context.Context, id uuid.UUID) (*JobProgress, error)
	// EmitProgressSnapshot refreshes current_operation and publishes an
	// aggregate progress event; used by the decompose stage after fan-out.
	EmitProgressSnapshot(ctx context.Context, buildJobID uuid.UUID) error
	// FinalizeIfComplete is the distributed join: if no step remains pending
	// or running it attempts the running->completed transition. Only the
	// winner of that CAS emits the completion event and, when no step failed,
	// fires the downstream completion listener. Reports whether this call won.
	FinalizeIfComplete(ctx context.Context, buildJobID uuid.UUID) (bool, error)

	EmitProgress(event types.ProgressEvent)
	SetCompletionListener(l BuildCompletionListener)
}

type jobService struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.BuildJobRepo
	steps    repos.JobStepRepo
	paths    repos.LearningPathRepo
	queue    queue.Queue
	sink     ProgressSink
	listener BuildCompletionListener
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobs repos.BuildJobRepo,
	steps repos.JobStepRepo,
	paths repos.LearningPathRepo,
	q queue.Queue,
	sink ProgressSink,
) JobService {
	return &jobService{
		db:    db,
		log:   baseLog.With("service", "JobService"),
		jobs:  jobs,
		steps: steps,
		paths: paths,
		queue: q,
		sink:  sink,
	}
}

func (s *jobService) SetCompletionListener(l BuildCompletionListener) {
	s.listener = l
}

// inTx runs fn in a database transaction. A nil db (in-memory repos) runs
// the mutation directly.
func (s *jobService) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.db == nil {
		return fn(nil)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *jobService) CreateBuildJob(ctx context.Context, pathID uuid.UUID) (*types.BuildJob, error) {
	path, err := s.paths.GetByID(ctx, nil, pathID)
	if err != nil {
		return nil, fmt.Errorf("load learning path: %w", err)
	}
	if path == nil {
		return nil, fmt.Errorf("learning path %s: %w", pathID, ErrNotFound)
	}

	// At most one active build per path. Idempotent from the caller's view:
	// a second create returns the already-active job.
	existing, err := s.jobs.GetActiveByPath(ctx, nil, pathID)
	if err != nil {
		return nil, fmt.Errorf("check active build job: %w", err)
	}
	if existing != nil {
		s.log.Warn("Build job already active for path", "path_id", pathID, "build_job_id", existing.ID)
		return existing, nil
	}

	meta, _ := json.Marshal(map[string]any{"path_name": path.Name})
	job := &types.BuildJob{
		ID:       uuid.New(),
		PathID:   pathID,
		Status:   types.BuildJobPending,
		Metadata: datatypes.JSON(meta),
	}
	if _, err := s.jobs.Create(ctx, nil, job); err != nil {
		// The partial unique index closes the query-then-insert race: the
		// loser lands here and returns the winner's job.
		if raced, rErr := s.jobs.GetActiveByPath(ctx, nil, pathID); rErr == nil && raced != nil {
			s.log.Warn("Lost create race, returning active build job", "path_id", pathID, "build_job_id", raced.ID)
			return raced, nil
		}
		return nil, fmt.Errorf("create build job: %w", err)
	}

	// Key the root job by the BuildJob id so retried enqueue attempts land on
	// the same queue row.
	qj, err := s.queue.Enqueue(ctx, types.QueueBuildPath, types.JobBuildLearningPath,
		types.BuildPathJobData{
			BuildJobID: job.ID,
			PathID:     pathID,
			PathName:   path.Name,
		},
		queue.Options{JobKey: job.ID.String()},
	)
	if err != nil {
		_ = s.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
			"status":        types.BuildJobFailed,
			"error_message": "failed to enqueue build job",
			"completed_at":  time.Now(),
		})
		return nil, fmt.Errorf("enqueue build job: %w", err)
	}

	if err := s.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"queue_job_id": qj.ID}); err != nil {
		s.log.Warn("Failed to persist queue job id", "build_job_id", job.ID, "error", err)
	}
	job.QueueJobID = &qj.ID

	s.log.Info("Created build job", "build_job_id", job.ID, "path_id", pathID, "path_name", path.Name)
	return job, nil
}

func (s *jobService) FindAll(ctx context.Context) ([]*types.BuildJob, error) {
	return s.jobs.List(ctx, nil, 50)
}

func (s *jobService) FindOne(ctx context.Context, id uuid.UUID) (*types.BuildJob, error) {
	job, err := s.jobs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("build job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *jobService) FindByPath(ctx context.Context, pathID uuid.UUID) ([]*types.BuildJob, error) {
	return s.jobs.ListByPath(ctx, nil, pathID, 10)
}

func (s *jobService) GetActiveJob(ctx context.Context, pathID uuid.UUID) (*types.BuildJob, error) {
	return s.jobs.GetActiveByPath(ctx, nil, pathID)
}

func (s *jobService) CancelJob(ctx context.Context, id uuid.UUID) (*types.BuildJob, error) {
	job, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.BuildJobPending && job.Status != types.BuildJobRunning {
		return nil, fmt.Errorf("cannot cancel job in %s status: %w", job.Status, ErrInvalidState)
	}

	won, err := s.jobs.UpdateFieldsWhereStatus(ctx, nil, id,
		[]types.BuildJobStatus{types.BuildJobPending, types.BuildJobRunning},
		map[string]interface{}{
			"status":       types.BuildJobCancelled,
			"completed_at": time.Now(),
		})
	if err != nil {
		return nil, fmt.Errorf("cancel build job: %w", err)
	}
	if !won {
		// Raced with a terminal transition.
		return nil, fmt.Errorf("cannot cancel job, already terminal: %w", ErrInvalidState)
	}

	// Best effort: pull the root job out of the queue if it has not started.
	// Child jobs already dispatched are left alone; their results attach to a
	// cancelled job and are ignored downstream.
	if job.QueueJobID != nil {
		removed, rErr := s.queue.Remove(ctx, types.QueueBuildPath, *job.QueueJobID)
		if rErr != nil {
			s.log.Warn("Failed to remove queued root job", "build_job_id", id, "error", rErr)
		} else if removed {
			s.log.Info("Removed queued root job", "build_job_id", id)
		}
	}

	s.EmitProgress(types.ProgressEvent{
		BuildJobID: id,
		Type:       types.ProgressJobFailed,
		Message:    "Job cancelled by user",
	})

	return s.FindOne(ctx, id)
}

func (s *jobService) UpdateJobStatus(ctx context.Context, id uuid.UUID, status types.BuildJobStatus, updates map[string]interface{}) (*types.BuildJob, error) {
	job, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = status
	if status == types.BuildJobRunning && job.StartedAt == nil {
		updates["started_at"] = time.Now()
	}
	if status.IsTerminal() {
		updates["completed_at"] = time.Now()
	}

	if err := s.jobs.UpdateFields(ctx, nil, id, updates); err != nil {
		return nil, fmt.Errorf("update build job status: %w", err)
	}
	return s.FindOne(ctx, id)
}

func (s *jobService) CreateJobStep(ctx context.Context, buildJobID uuid.UUID, stepType types.JobStepType, entityID uuid.UUID, entityName string, order int) (*types.JobStep, error) {
	step := &types.JobStep{
		ID:         uuid.New(),
		BuildJobID: buildJobID,
		Type:       stepType,
		Status:     types.StepPending,
		EntityID:   entityID,
		EntityName: entityName,
		Order:      order,
	}
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		// A redelivered fan-out replays its CreateJobStep calls. Reuse the
		// row minted by the earlier attempt so total_steps counts each
		// (type, entity) once.
		existing, err := s.steps.FindByEntity(ctx, tx, buildJobID, stepType, entityID)
		if err != nil {
			return err
		}
		if existing != nil {
			step = existing
			return nil
		}
		if _, err := s.steps.Create(ctx, tx, step); err != nil {
			return err
		}
		return s.jobs.Increment(ctx, tx, buildJobID, "total_steps", 1)
	})
	if err != nil {
		return nil, fmt.Errorf("create job step: %w", err)
	}
	return step, nil
}

func (s *jobService) UpdateStepStatus(ctx context.Context, stepID uuid.UUID, status types.JobStepStatus, updates map[string]interface{}) (*types.JobStep, error) {
	var updated *types.JobStep
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		step, err := s.steps.GetByID(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("job step %s: %w", stepID, ErrNotFound)
		}
		prev := step.Status

		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = status
		if status == types.StepRunning && step.StartedAt == nil {
			updates["started_at"] = time.Now()
		}
		if status.IsTerminal() {
			updates["completed_at"] = time.Now()
		}

		// Counter arithmetic is transition-aware so a retried step contributes
		// at most one to completed_steps + failed_steps. Re-entering running
		// from a terminal status reopens the step and takes back its count.
		switch {
		case status == types.StepRunning && prev == types.StepFailed:
			updates["completed_at"] = nil
			if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "failed_steps", -1); err != nil {
				return err
			}
		case status == types.StepRunning && prev == types.StepCompleted:
			updates["completed_at"] = nil
			if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "completed_steps", -1); err != nil {
				return err
			}
		case status == types.StepCompleted && prev != types.StepCompleted:
			if prev == types.StepFailed {
				if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "failed_steps", -1); err != nil {
					return err
				}
			}
			if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "completed_steps", 1); err != nil {
				return err
			}
		case status == types.StepFailed && prev != types.StepFailed:
			if prev == types.StepCompleted {
				if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "completed_steps", -1); err != nil {
					return err
				}
			}
			if err := s.jobs.Increment(ctx, tx, step.BuildJobID, "failed_steps", 1); err != nil {
				return err
			}
		}

		if err := s.steps.UpdateFields(ctx, tx, stepID, updates); err != nil {
			return err
		}
		updated, err = s.steps.GetByID(ctx, tx, stepID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *jobService) IncrementStepRetry(ctx context.Context, stepID uuid.UUID) (*types.JobStep, error) {
	if err := s.steps.IncrementRetry(ctx, nil, stepID); err != nil {
		return nil, fmt.Errorf("increment step retry: %w", err)
	}
	step, err := s.steps.GetByID(ctx, nil, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("job step %s: %w", stepID, ErrNotFound)
	}
	return step, nil
}

func (s *jobService) GetJobProgress(ctx context.Context, id uuid.UUID) (*JobProgress, error) {
	job, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByBuildJob(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("list job steps: %w", err)
	}
	return &JobProgress{
		Job:        job,
		Steps:      steps,
		Percentage: Percentage(job.CompletedSteps, job.TotalSteps),
	}, nil
}

func (s *jobService) EmitProgressSnapshot(ctx context.Context, buildJobID uuid.UUID) error {
	progress, err := s.GetJobProgress(ctx, buildJobID)
	if err != nil {
		return err
	}

	// Terminal jobs keep their final operation text.
	if _, err := s.jobs.UpdateFieldsWhereStatus(ctx, nil, buildJobID,
		[]types.BuildJobStatus{types.BuildJobRunning},
		map[string]interface{}{
			"current_operation": fmt.Sprintf("Building learning path... %d%% complete", progress.Percentage),
		}); err != nil {
		return err
	}

	s.EmitProgress(types.ProgressEvent{
		BuildJobID: buildJobID,
		Type:       types.ProgressStepCompleted,
		Message:    fmt.Sprintf("Progress: %d%%", progress.Percentage),
		Progress: &types.ProgressSnapshot{
			Completed:  progress.Job.CompletedSteps,
			Total:      progress.Job.TotalSteps,
			Percentage: progress.Percentage,
		},
	})
	return nil
}

func (s *jobService) FinalizeIfComplete(ctx context.Context, buildJobID uuid.UUID) (bool, error) {
	progress, err := s.GetJobProgress(ctx, buildJobID)
	if err != nil {
		return false, err
	}

	remaining := 0
	for _, step := range progress.Steps {
		if step.Status == types.StepPending || step.Status == types.StepRunning {
			remaining++
		}
	}
	s.log.Info("Build job join check", "build_job_id", buildJobID, "percentage", progress.Percentage, "remaining", remaining)
	if remaining > 0 {
		return false, nil
	}

	job := progress.Job
	hasFailures := job.FailedSteps > 0
	updates := map[string]interface{}{
		"status":            types.BuildJobCompleted,
		"current_operation": "",
		"completed_at":      time.Now(),
	}
	if hasFailures {
		updates["error_message"] = fmt.Sprintf("Completed with %d failed steps", job.FailedSteps)
	}

	// Two leaf completions can both observe zero remaining. The conditional
	// running->completed transition lets exactly one of them through; the
	// loser sees the job already terminal and emits nothing.
	won, err := s.jobs.UpdateFieldsWhereStatus(ctx, nil, buildJobID,
		[]types.BuildJobStatus{types.BuildJobRunning}, updates)
	if err != nil {
		return false, fmt.Errorf("finalize build job: %w", err)
	}
	if !won {
		return false, nil
	}

	snapshot := &types.ProgressSnapshot{
		Completed:  job.CompletedSteps,
		Total:      job.TotalSteps,
		Percentage: 100,
	}
	if hasFailures {
		s.EmitProgress(types.ProgressEvent{
			BuildJobID: buildJobID,
			Type:       types.ProgressJobCompleted,
			Message:    fmt.Sprintf("Build completed with %d failures", job.FailedSteps),
			Progress:   snapshot,
		})
		return true, nil
	}

	s.EmitProgress(types.ProgressEvent{
		BuildJobID: buildJobID,
		Type:       types.ProgressJobCompleted,
		Message:    "Build completed successfully!",
		Progress:   snapshot,
	})
	s.log.Info("Build job completed", "build_job_id", buildJobID)

	// Gated on the zero-failure path and on winning the CAS above, so the
	// downstream pipeline is triggered exactly once per successful build.
	if s.listener != nil {
		s.listener.BuildCompleted(ctx, types.BuildCompletedEvent{
			BuildJobID: buildJobID,
			PathID:     job.PathID,
			PathName:   pathNameFromMetadata(job),
		})
	}
	return true, nil
}

func (s *jobService) EmitProgress(event types.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.log.Debug("Emitting progress event", "type", event.Type, "build_job_id", event.BuildJobID, "message", event.Message)
	if s.sink != nil {
		s.sink.Publish(event)
	}
}

// Percentage rounds completed/total to whole percent; 0 when total is 0.
func Percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

func pathNameFromMetadata(job *types.BuildJob) string {
	var meta map[string]any
	if err := json.Unmarshal(job.Metadata, &meta); err != nil {
		return ""
	}
	name, _ := meta["path_name"].(string)
	return name
}
