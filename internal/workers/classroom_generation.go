package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// ClassroomGenerationWorker is the downstream pipeline: triggered by a
// successful build (full-path job) or by an explicit single sub-concept
// request. Per-sub-concept failures inside a full-path run are recorded on
// the content row and skipped, not retried through the queue.
type ClassroomGenerationWorker struct {
	log         *logger.Logger
	classroom   services.ClassroomService
	gen         services.ClassroomGenerator
	paths       repos.LearningPathRepo
	concepts    repos.ConceptRepo
	subConcepts repos.SubConceptRepo
	kus         repos.KnowledgeUnitRepo
	sink        services.ProgressSink
}

func NewClassroomGenerationWorker(
	baseLog *logger.Logger,
	classroom services.ClassroomService,
	gen services.ClassroomGenerator,
	paths repos.LearningPathRepo,
	concepts repos.ConceptRepo,
	subConcepts repos.SubConceptRepo,
	kus repos.KnowledgeUnitRepo,
	sink services.ProgressSink,
) *ClassroomGenerationWorker {
	return &ClassroomGenerationWorker{
		log:         baseLog.With("worker", "ClassroomGenerationWorker"),
		classroom:   classroom,
		gen:         gen,
		paths:       paths,
		concepts:    concepts,
		subConcepts: subConcepts,
		kus:         kus,
		sink:        sink,
	}
}

func (w *ClassroomGenerationWorker) Queue() string { return types.QueueClassroomGeneration }

func (w *ClassroomGenerationWorker) Process(ctx context.Context, job *types.QueueJob) error {
	var data types.ClassroomJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return fmt.Errorf("decode classroom payload: %w", err)
	}

	switch data.Kind {
	case types.ClassroomJobPath:
		return w.processFullPath(ctx, data)
	case types.ClassroomJobSubConcept:
		return w.processSubConcept(ctx, data)
	default:
		return fmt.Errorf("unknown classroom job kind %q", data.Kind)
	}
}

func (w *ClassroomGenerationWorker) processFullPath(ctx context.Context, data types.ClassroomJobData) error {
	w.log.Info("Starting classroom generation for path", "path_id", data.PathID, "path_name", data.PathName)

	concepts, err := w.concepts.ListByPath(ctx, nil, data.PathID)
	if err != nil {
		return fmt.Errorf("list concepts: %w", err)
	}

	type unit struct {
		concept    *types.Concept
		subConcept *types.SubConcept
	}
	var all []unit
	for _, c := range concepts {
		subs, err := w.subConcepts.ListByConcept(ctx, nil, c.ID)
		if err != nil {
			return fmt.Errorf("list sub-concepts for concept %s: %w", c.ID, err)
		}
		for _, sc := range subs {
			all = append(all, unit{concept: c, subConcept: sc})
		}
	}

	w.log.Info("Found sub-concepts to generate", "path_id", data.PathID, "count", len(all))

	completed := 0
	for _, u := range all {
		if err := w.generateForSubConcept(ctx, data.PathID, data.PathName, u.concept, u.subConcept); err != nil {
			w.log.Error("Classroom generation failed for sub-concept",
				"sub_concept_id", u.subConcept.ID, "sub_concept", u.subConcept.Name, "error", err)
			continue
		}
		completed++
		w.emitUpdated(data.PathID, u.subConcept.ID)
	}

	w.log.Info("Classroom generation complete", "path_id", data.PathID, "completed", completed, "total", len(all))
	return nil
}

func (w *ClassroomGenerationWorker) processSubConcept(ctx context.Context, data types.ClassroomJobData) error {
	path, err := w.paths.GetByID(ctx, nil, data.PathID)
	if err != nil {
		return err
	}
	concept, err := w.concepts.GetByID(ctx, nil, data.ConceptID)
	if err != nil {
		return err
	}
	subConcept, err := w.subConcepts.GetByID(ctx, nil, data.SubConceptID)
	if err != nil {
		return err
	}
	if path == nil || concept == nil || subConcept == nil {
		return fmt.Errorf("path, concept or sub-concept not found: %w", services.ErrNotFound)
	}

	if err := w.generateForSubConcept(ctx, data.PathID, path.Name, concept, subConcept); err != nil {
		return err
	}
	w.emitUpdated(data.PathID, subConcept.ID)
	return nil
}

func (w *ClassroomGenerationWorker) generateForSubConcept(ctx context.Context, pathID uuid.UUID, pathName string, concept *types.Concept, subConcept *types.SubConcept) error {
	content, err := w.classroom.CreatePlaceholder(ctx, subConcept.ID, concept.ID, pathID, subConcept.Name)
	if err != nil {
		return err
	}
	if err := w.classroom.UpdateStatus(ctx, content.ID, types.ContentGenerating, ""); err != nil {
		return err
	}

	units, err := w.kus.ListBySubConcept(ctx, nil, subConcept.ID)
	if err != nil {
		return w.markError(ctx, content.ID, err)
	}
	if len(units) == 0 {
		// Fall back to concept-level units when the sub-concept has none.
		units, err = w.kus.ListByConcept(ctx, nil, concept.ID, 10)
		if err != nil {
			return w.markError(ctx, content.ID, err)
		}
		if len(units) == 0 {
			return w.markError(ctx, content.ID, fmt.Errorf("no knowledge units for sub-concept %s", subConcept.ID))
		}
	}

	kuInputs := make([]services.ClassroomKUInput, 0, len(units))
	kuIDs := make([]uuid.UUID, 0, len(units))
	for _, ku := range units {
		kuInputs = append(kuInputs, services.ClassroomKUInput{
			Title:   ku.Question,
			Content: formatKU(ku),
		})
		kuIDs = append(kuIDs, ku.ID)
	}

	generated, err := w.gen.GenerateContent(ctx, services.ClassroomContentOptions{
		SubConceptName: subConcept.Name,
		ConceptName:    concept.Name,
		PathName:       pathName,
		KnowledgeUnits: kuInputs,
	})
	if err != nil {
		return w.markError(ctx, content.ID, err)
	}

	if err := w.classroom.SaveGenerated(ctx, content.ID, generated, kuIDs); err != nil {
		return w.markError(ctx, content.ID, err)
	}

	// Quiz failure downgrades to a lesson without a quiz, not an error row.
	quiz, err := w.gen.GenerateQuiz(ctx, services.QuizOptions{
		SubConceptName: subConcept.Name,
		LessonText:     lessonText(generated.Sections),
	})
	if err != nil {
		w.log.Warn("Quiz generation failed, lesson saved without quiz", "sub_concept_id", subConcept.ID, "error", err)
		return nil
	}
	if err := w.classroom.SaveQuiz(ctx, content.ID, subConcept.ID, quiz); err != nil {
		w.log.Warn("Failed to persist quiz", "content_id", content.ID, "error", err)
	}
	return nil
}

func (w *ClassroomGenerationWorker) markError(ctx context.Context, contentID uuid.UUID, cause error) error {
	if err := w.classroom.UpdateStatus(ctx, contentID, types.ContentError, cause.Error()); err != nil {
		w.log.Error("Failed to mark content errored", "content_id", contentID, "error", err)
	}
	return cause
}

func (w *ClassroomGenerationWorker) emitUpdated(pathID, subConceptID uuid.UUID) {
	if w.sink == nil {
		return
	}
	// Classroom events are keyed by path id; clients watching a path's
	// classroom stream subscribe with the path id as the channel.
	w.sink.Publish(types.ProgressEvent{
		BuildJobID: pathID,
		Type:       types.ProgressStepCompleted,
		Message:    fmt.Sprintf("Classroom content ready for sub-concept %s", subConceptID),
	})
}

func formatKU(ku *types.KnowledgeUnit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Q: %s\nA: %s\n", ku.Question, ku.Answer)
	if ku.Elaboration != "" {
		fmt.Fprintf(&sb, "Elaboration: %s\n", ku.Elaboration)
	}
	var examples []string
	if len(ku.Examples) > 0 && json.Unmarshal(ku.Examples, &examples) == nil && len(examples) > 0 {
		fmt.Fprintf(&sb, "Examples: %s\n", strings.Join(examples, "; "))
	}
	return sb.String()
}

func lessonText(sections []services.ClassroomSection) string {
	var sb strings.Builder
	for _, s := range sections {
		sb.WriteString(s.Heading)
		sb.WriteString("\n")
		sb.WriteString(s.Body)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
