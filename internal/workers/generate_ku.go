package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// GenerateKUWorker is the leaf stage. After each successful leaf it runs the
// join check; whichever leaf completes the last outstanding step finalizes
// the whole build.
type GenerateKUWorker struct {
	log  *logger.Logger
	jobs services.JobService
	gen  services.ContentGenerator
}

func NewGenerateKUWorker(baseLog *logger.Logger, jobs services.JobService, gen services.ContentGenerator) *GenerateKUWorker {
	return &GenerateKUWorker{
		log:  baseLog.With("worker", "GenerateKUWorker"),
		jobs: jobs,
		gen:  gen,
	}
}

func (w *GenerateKUWorker) Queue() string { return types.QueueGenerateKU }

func (w *GenerateKUWorker) Process(ctx context.Context, job *types.QueueJob) error {
	var data types.GenerateKUJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode generate-ku payload: %w", err)
	}

	w.log.Info("Processing generate-ku job", "build_job_id", data.BuildJobID, "step_id", data.StepID, "sub_concept", data.SubConceptName)

	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepRunning, nil); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepStarted,
		StepID:     &data.StepID,
		StepType:   types.StepGenerateKU,
		Message:    fmt.Sprintf("Generating knowledge units for %q", data.SubConceptName),
	})

	units, err := w.gen.GenerateKnowledgeUnits(ctx, data.SubConceptID)
	if err != nil {
		return w.fail(ctx, job, data, err)
	}

	result, _ := json.Marshal(map[string]any{"knowledge_unit_count": len(units)})
	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepCompleted, map[string]interface{}{
		"result": result,
	}); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepCompleted,
		StepID:     &data.StepID,
		StepType:   types.StepGenerateKU,
		Message:    fmt.Sprintf("Generated %d knowledge units for %q", len(units), data.SubConceptName),
		Entities: &types.ProgressEntities{
			KnowledgeUnits:       units,
			SelectedConceptID:    data.ConceptID,
			SelectedSubConceptID: data.SubConceptID,
		},
	})

	// Each leaf completion also pushes a counter snapshot so subscribers can
	// render the bar without replaying per-step events.
	if err := w.jobs.EmitProgressSnapshot(ctx, data.BuildJobID); err != nil {
		w.log.Warn("Failed to emit progress snapshot", "build_job_id", data.BuildJobID, "error", err)
	}

	// Join check. Finalization itself is idempotent; losing the race here is
	// the normal case for all but one leaf.
	won, err := w.jobs.FinalizeIfComplete(ctx, data.BuildJobID)
	if err != nil {
		w.log.Error("Join check failed", "build_job_id", data.BuildJobID, "error", err)
		return nil
	}
	if won {
		w.log.Info("Finalized build job", "build_job_id", data.BuildJobID)
	}
	return nil
}

func (w *GenerateKUWorker) fail(ctx context.Context, job *types.QueueJob, data types.GenerateKUJobData, cause error) error {
	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepFailed, map[string]interface{}{
		"error_message": cause.Error(),
	}); err != nil {
		w.log.Error("Failed to mark step failed", "step_id", data.StepID, "error", err)
	}
	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepFailed,
		StepID:     &data.StepID,
		StepType:   types.StepGenerateKU,
		Message:    fmt.Sprintf("Failed to generate knowledge units for %q", data.SubConceptName),
		Error:      cause.Error(),
	})
	if _, err := w.jobs.IncrementStepRetry(ctx, data.StepID); err != nil {
		w.log.Warn("Failed to increment step retry", "step_id", data.StepID, "error", err)
	}

	// When the queue will not redeliver this job again, this failure may
	// have settled the last outstanding step; run the join check so the
	// build does not hang in running.
	if job.Attempts >= job.MaxAttempts {
		if _, jErr := w.jobs.FinalizeIfComplete(ctx, data.BuildJobID); jErr != nil {
			w.log.Error("Join check after final failure failed", "build_job_id", data.BuildJobID, "error", jErr)
		}
	}
	return cause
}
