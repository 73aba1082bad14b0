package types

import "github.com/google/uuid"

// Queue names. One named queue per stage; the durable queue provides
// per-queue concurrency and retry scheduling.
const (
	QueueBuildPath           = "build-path"
	QueueDecomposeConcept    = "decompose-concept"
	QueueGenerateKU          = "generate-ku"
	QueueClassroomGeneration = "classroom-generation"
)

// Job names within the queues.
const (
	JobBuildLearningPath        = "build-learning-path"
	JobDecomposeSingleConcept   = "decompose-single-concept"
	JobGenerateSingleKU         = "generate-single-ku"
	JobGenerateClassroomContent = "generate-classroom-content"
)

// BuildPathJobData is the payload of the root stage job. The root stage has
// no JobStep row; its failure fails the whole BuildJob.
type BuildPathJobData struct {
	BuildJobID uuid.UUID `json:"build_job_id"`
	PathID     uuid.UUID `json:"path_id"`
	PathName   string    `json:"path_name"`
}

type DecomposeConceptJobData struct {
	BuildJobID  uuid.UUID `json:"build_job_id"`
	StepID      uuid.UUID `json:"step_id"`
	ConceptID   uuid.UUID `json:"concept_id"`
	ConceptName string    `json:"concept_name"`
}

type GenerateKUJobData struct {
	BuildJobID     uuid.UUID `json:"build_job_id"`
	StepID         uuid.UUID `json:"step_id"`
	SubConceptID   uuid.UUID `json:"sub_concept_id"`
	SubConceptName string    `json:"sub_concept_name"`
	// Parent concept, carried through for UI selection.
	ConceptID uuid.UUID `json:"concept_id"`
}

// ClassroomJobKind discriminates the classroom payload variants. Dispatch is
// an explicit switch on Kind, never a field-presence check.
type ClassroomJobKind string

const (
	ClassroomJobPath       ClassroomJobKind = "path"
	ClassroomJobSubConcept ClassroomJobKind = "sub-concept"
)

type ClassroomJobData struct {
	Kind     ClassroomJobKind `json:"kind"`
	PathID   uuid.UUID        `json:"path_id"`
	PathName string           `json:"path_name,omitempty"`

	// Set only for Kind == ClassroomJobSubConcept.
	ConceptID      uuid.UUID `json:"concept_id,omitempty"`
	ConceptName    string    `json:"concept_name,omitempty"`
	SubConceptID   uuid.UUID `json:"sub_concept_id,omitempty"`
	SubConceptName string    `json:"sub_concept_name,omitempty"`
}

// BuildCompletedEvent is fired exactly once per fully successful build; the
// classroom pipeline consumes it to start its own generation run.
type BuildCompletedEvent struct {
	BuildJobID uuid.UUID `json:"build_job_id"`
	PathID     uuid.UUID `json:"path_id"`
	PathName   string    `json:"path_name"`
}
