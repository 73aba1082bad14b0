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

// BuildPathWorker is the root stage: it generates the concept list for a
// path and fans out one decompose step per concept. It has no JobStep of its
// own; a failure here fails the whole build (subject to queue retries of the
// stage-level job).
type BuildPathWorker struct {
	log   *logger.Logger
	jobs  services.JobService
	gen   services.ContentGenerator
	queue queue.Queue
}

func NewBuildPathWorker(baseLog *logger.Logger, jobs services.JobService, gen services.ContentGenerator, q queue.Queue) *BuildPathWorker {
	return &BuildPathWorker{
		log:   baseLog.With("worker", "BuildPathWorker"),
		jobs:  jobs,
		gen:   gen,
		queue: q,
	}
}

func (w *BuildPathWorker) Queue() string { return types.QueueBuildPath }

func (w *BuildPathWorker) Process(ctx context.Context, job *types.QueueJob) error {
	var data types.BuildPathJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode build-path payload: %w", err)
	}

	w.log.Info("Processing build-path job", "build_job_id", data.BuildJobID, "path_id", data.PathID)

	if _, err := w.jobs.UpdateJobStatus(ctx, data.BuildJobID, types.BuildJobRunning, map[string]interface{}{
		"current_operation": fmt.Sprintf("Generating concepts for %q", data.PathName),
	}); err != nil {
		return fmt.Errorf("mark build job running: %w", err)
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepStarted,
		StepType:   types.StepGenerateConcepts,
		Message:    fmt.Sprintf("Generating concepts for %q", data.PathName),
	})

	concepts, err := w.gen.GenerateConcepts(ctx, data.PathID)
	if err != nil {
		// Mark the job failed before handing the error back to the queue.
		if _, uErr := w.jobs.UpdateJobStatus(ctx, data.BuildJobID, types.BuildJobFailed, map[string]interface{}{
			"error_message": err.Error(),
		}); uErr != nil {
			w.log.Error("Failed to mark build job failed", "build_job_id", data.BuildJobID, "error", uErr)
		}
		w.jobs.EmitProgress(types.ProgressEvent{
			BuildJobID: data.BuildJobID,
			Type:       types.ProgressJobFailed,
			StepType:   types.StepGenerateConcepts,
			Message:    "Concept generation failed",
			Error:      err.Error(),
		})
		return err
	}

	w.jobs.EmitProgress(types.ProgressEvent{
		BuildJobID: data.BuildJobID,
		Type:       types.ProgressStepCompleted,
		StepType:   types.StepGenerateConcepts,
		Message:    fmt.Sprintf("Generated %d concepts", len(concepts)),
		Entities:   &types.ProgressEntities{Concepts: concepts},
	})

	for i, concept := range concepts {
		step, err := w.jobs.CreateJobStep(ctx, data.BuildJobID, types.StepDecomposeConcept, concept.ID, concept.Name, i)
		if err != nil {
			return fmt.Errorf("create decompose step for concept %s: %w", concept.ID, err)
		}
		if _, err := w.queue.Enqueue(ctx, types.QueueDecomposeConcept, types.JobDecomposeSingleConcept,
			types.DecomposeConceptJobData{
				BuildJobID:  data.BuildJobID,
				StepID:      step.ID,
				ConceptID:   concept.ID,
				ConceptName: concept.Name,
			},
			queue.Options{JobKey: step.ID.String()},
		); err != nil {
			return fmt.Errorf("enqueue decompose job for concept %s: %w", concept.ID, err)
		}
	}

	w.log.Info("Fanned out decompose steps", "build_job_id", data.BuildJobID, "count", len(concepts))
	return nil
}
