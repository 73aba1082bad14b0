package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/queue"
	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// DecomposeConceptWorker is the middle stage: one job per concept, producing
// that concept's sub-concepts and fanning out one leaf step per sub-concept.
type DecomposeConceptWorker struct {
	log   *logger.Logger
	jobs  services.JobService
	gen   services.ContentGenerator
	queue queue.Queue
}

func NewDecomposeConceptWorker(baseLog *logger.Logger, jobs services.JobService, gen services.ContentGenerator, q queue.Queue) *DecomposeConceptWorker {
	return &DecomposeConceptWorker{
		log:   baseLog.With("worker", "DecomposeConceptWorker"),
		jobs:  jobs,
		gen:   gen,
		queue: q,
	}
}

func (w *DecomposeConceptWorker) Queue() string { return types.QueueDecomposeConcept }

func (w *DecomposeConceptWorker) Process(ctx context.Context, job *types.QueueJob) error {
	var data types.DecomposeConceptJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode decompose payload: %w", err)
	}

	w.log.Info("Processing decompose job", "build_job_id", data.BuildJobID, "step_id", data.StepID, "concept", data.ConceptName)

	// On a queue redelivery this re-enters running from failed; the
	// coordinator reopens the step and takes back its failure count.
	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepRunning, nil); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepStarted,
		StepID:     &data.StepID,
		StepType:   types.StepDecomposeConcept,
		Message:    fmt.Sprintf("Decomposing %q", data.ConceptName),
	})

	subConcepts, err := w.gen.DecomposeConcept(ctx, data.ConceptID)
	if err != nil {
		return w.fail(ctx, job, data, err)
	}

	result, _ := json.Marshal(map[string]any{"sub_concept_count": len(subConcepts)})
	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepCompleted, map[string]interface{}{
		"result": result,
	}); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepCompleted,
		StepID:     &data.StepID,
		StepType:   types.StepDecomposeConcept,
		Message:    fmt.Sprintf("Decomposed %q into %d sub-concepts", data.ConceptName, len(subConcepts)),
		Entities: &types.ProgressEntities{
			SubConcepts:       subConcepts,
			SelectedConceptID: data.ConceptID,
		},
	})

	for i, sc := range subConcepts {
		step, err := w.jobs.CreateJobStep(ctx, data.BuildJobID, types.StepGenerateKU, sc.ID, sc.Name, i)
		if err != nil {
			return fmt.Errorf("create leaf step for sub-concept %s: %w", sc.ID, err)
		}
		if _, err := w.queue.Enqueue(ctx, types.QueueGenerateKU, types.JobGenerateSingleKU,
			types.GenerateKUJobData{
				BuildJobID:     data.BuildJobID,
				StepID:         step.ID,
				SubConceptID:   sc.ID,
				SubConceptName: sc.Name,
				ConceptID:      data.ConceptID,
			},
			queue.Options{JobKey: step.ID.String()},
		); err != nil {
			return fmt.Errorf("enqueue leaf job for sub-concept %s: %w", sc.ID, err)
		}
	}

	if err := w.jobs.EmitProgressSnapshot(ctx, data.BuildJobID); err != nil {
		w.log.Warn("Failed to emit progress snapshot", "build_job_id", data.BuildJobID, "error", err)
	}
	return nil
}

func (w *DecomposeConceptWorker) fail(ctx context.Context, job *types.QueueJob, data types.DecomposeConceptJobData, cause error) error {
	// A failed decomposition means its leaf subtree never gets created; the
	// build continues and finishes with failures. Bookkeeping happens before
	// the error returns to the queue.
	if _, err := w.jobs.UpdateStepStatus(ctx, data.StepID, types.StepFailed, map[string]interface{}{
		"error_message": cause.Error(),
	}); err != nil {
		w.log.Error("Failed to mark step failed", "step_id", data.StepID, "error", err)
	}
	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepFailed,
		StepID:     &data.StepID,
		StepType:   types.StepDecomposeConcept,
		Message:    fmt.Sprintf("Failed to decompose %q", data.ConceptName),
		Error:      cause.Error(),
	})
	if _, err := w.jobs.IncrementStepRetry(ctx, data.StepID); err != nil {
		w.log.Warn("Failed to increment step retry", "step_id", data.StepID, "error", err)
	}

	// A decompose step that exhausted its retries may be the last
	// outstanding step when every leaf has already settled.
	if job.Attempts >= job.MaxAttempts {
		if _, jErr := w.jobs.FinalizeIfComplete(ctx, data.BuildJobID); jErr != nil {
			w.log.Error("Join check after final failure failed", "build_job_id", data.BuildJobID, "error", jErr)
		}
	}
	return cause
}
